// Package data holds the default policy files compiled into the binary.
package data

import "embed"

var (
	//go:embed policy.yaml all:rules
	Policies embed.FS
)
