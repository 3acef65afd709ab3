package internal

import (
	"os"
	"os/exec"
)

// UnbreakDocker attaches the current container to the default bridge
// network so that tests running inside a dev container can reach the
// containers that testcontainers starts. Outside a container the command
// fails and the error is ignored.
func UnbreakDocker() {
	if hostname, err := os.Hostname(); err == nil {
		exec.Command("docker", "network", "connect", "bridge", hostname).Run()
	}
}
