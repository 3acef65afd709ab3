package main

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/facebookgo/flagenv"
	"github.com/gasfree-labs/gasfree"
	"github.com/gasfree-labs/gasfree/data"
	"github.com/gasfree-labs/gasfree/internal"
	libgasfree "github.com/gasfree-labs/gasfree/lib"
	"github.com/gasfree-labs/gasfree/lib/ledger"
	"github.com/gasfree-labs/gasfree/lib/llm"
	"github.com/gasfree-labs/gasfree/lib/pipeline"
	"github.com/gasfree-labs/gasfree/lib/policy"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	bind               = flag.String("bind", ":3000", "network address to bind HTTP to (the PORT environment variable is honored when BIND is unset)")
	bindNetwork        = flag.String("bind-network", "tcp", "network family to bind HTTP to, e.g. unix, tcp")
	contractAddress    = flag.String("contract-address", "", "address of the verification contract")
	extractResources   = flag.String("extract-resources", "", "if set, extract the built-in policy files to the specified folder")
	healthcheck        = flag.Bool("healthcheck", false, "run a health check against a running gasfree and exit")
	ledgerTimeout      = flag.Duration("ledger-timeout", 0, "upper bound for the ledger writes of one verification or relay, and for draining requests on shutdown (0 means the built-in default)")
	llmAPIKey          = flag.String("llm-api-key", "", "API key for the language model, enables the language model tier when set (DEEPSEEK_API_KEY is honored when LLM_API_KEY is unset)")
	llmBaseURL         = flag.String("llm-base-url", llm.DefaultBaseURL, "OpenAI-compatible base URL of the language model")
	llmModel           = flag.String("llm-model", llm.DefaultModel, "language model name")
	metricsBind        = flag.String("metrics-bind", ":9090", "network address to bind metrics to")
	metricsBindNetwork = flag.String("metrics-bind-network", "tcp", "network family for the metrics server to bind to")
	policyFname        = flag.String("policy-fname", "", "full path to the gasfree policy document (defaults to a sensible built-in policy)")
	privateKey         = flag.String("private-key", "", "hex secp256k1 private key of the service wallet")
	privateKeyFile     = flag.String("private-key-file", "", "file name containing value for private-key")
	providers          = flag.String("providers", string(libgasfree.ProvidersAuto), "which tiers to use for questions and classification: auto, llm or fallback")
	randomSeed         = flag.Uint64("random-seed", 0, "seed for fallback questions and random verdicts (0 means a random seed)")
	rewardAmount       = flag.String("reward-amount", gasfree.DefaultRewardAmount, "reward paid per successful verification, in whole native coins")
	rpcURL             = flag.String("rpc-url", "", "JSON-RPC URL of the chain")
	slogLevel          = flag.String("slog-level", "INFO", "logging level (see https://pkg.go.dev/log/slog#hdr-Levels)")
	socketMode         = flag.String("socket-mode", "0770", "socket mode (permissions) for unix domain sockets.")
	useRemoteAddress   = flag.Bool("use-remote-address", false, "read the client's IP address from the network request, useful for debugging and running gasfree on bare metal")
	versionFlag        = flag.Bool("version", false, "print gasfree version")
)

func doHealthCheck() error {
	_, addr := parseBindNetFromAddr(*bind)
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		return fmt.Errorf("failed to fetch health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// parseBindNetFromAddr determine bind network and address based on the given network and address.
func parseBindNetFromAddr(address string) (string, string) {
	defaultScheme := "http://"
	if !strings.Contains(address, "://") {
		if strings.HasPrefix(address, ":") {
			address = defaultScheme + "localhost" + address
		} else {
			address = defaultScheme + address
		}
	}

	bindUri, err := url.Parse(address)
	if err != nil {
		log.Fatal(fmt.Errorf("failed to parse bind URL: %w", err))
	}

	switch bindUri.Scheme {
	case "unix":
		return "unix", bindUri.Path
	case "tcp", "http", "https":
		return "tcp", bindUri.Host
	default:
		log.Fatal(fmt.Errorf("unsupported network scheme %s in address %s", bindUri.Scheme, address))
	}
	return "", address
}

func setupListener(network string, address string) (net.Listener, string) {
	formattedAddress := ""

	if network == "" {
		network, address = parseBindNetFromAddr(address)
	}

	switch network {
	case "unix":
		formattedAddress = "unix:" + address
	case "tcp":
		if strings.HasPrefix(address, ":") { // assume it's just a port e.g. :3000
			formattedAddress = "http://localhost" + address
		} else {
			formattedAddress = "http://" + address
		}
	default:
		formattedAddress = fmt.Sprintf(`(%s) %s`, network, address)
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		log.Fatal(fmt.Errorf("failed to bind to %s: %w", formattedAddress, err))
	}

	if network == "unix" {
		mode, err := strconv.ParseUint(*socketMode, 8, 0)
		if err != nil {
			listener.Close()
			log.Fatal(fmt.Errorf("could not parse socket mode %s: %w", *socketMode, err))
		}

		if err := os.Chmod(address, os.FileMode(mode)); err != nil {
			if err := listener.Close(); err != nil {
				log.Printf("failed to close listener: %v", err)
			}
			log.Fatal(fmt.Errorf("could not change socket mode: %w", err))
		}
	}

	return listener, formattedAddress
}

func walletKey() string {
	switch {
	case *privateKey != "" && *privateKeyFile != "":
		log.Fatal("do not specify both PRIVATE_KEY and PRIVATE_KEY_FILE")
	case *privateKeyFile != "":
		keyFile, err := os.ReadFile(*privateKeyFile)
		if err != nil {
			log.Fatalf("failed to read PRIVATE_KEY_FILE %s: %v", *privateKeyFile, err)
		}
		return string(bytes.TrimSpace(keyFile))
	}

	return *privateKey
}

// legacyEnv maps environment variables from older deployments onto flags
// that flagenv did not already set.
func legacyEnv(fs *flag.FlagSet, getenv func(string) string) error {
	if port := getenv("PORT"); port != "" && getenv("BIND") == "" {
		if err := fs.Set("bind", ":"+port); err != nil {
			return fmt.Errorf("can't use PORT %q: %w", port, err)
		}
	}

	if key := getenv("DEEPSEEK_API_KEY"); key != "" && getenv("LLM_API_KEY") == "" {
		if err := fs.Set("llm-api-key", key); err != nil {
			return fmt.Errorf("can't use DEEPSEEK_API_KEY: %w", err)
		}
	}

	return nil
}

// serve runs srv on listener until ctx is done, then waits up to grace for
// in-flight requests to finish before returning.
func serve(ctx context.Context, srv *http.Server, listener net.Listener, grace time.Duration) error {
	shutdown := make(chan error, 1)
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		shutdown <- srv.Shutdown(c)
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return <-shutdown
}

func main() {
	flagenv.Parse()
	if err := legacyEnv(flag.CommandLine, os.Getenv); err != nil {
		log.Fatal(err)
	}
	flag.Parse()

	if *versionFlag {
		fmt.Println("gasfree", gasfree.Version)
		return
	}

	internal.InitSlog(*slogLevel)

	if *healthcheck {
		if err := doHealthCheck(); err != nil {
			log.Fatal(err)
		}
		return
	}

	if *extractResources != "" {
		if err := extractEmbedFS(data.Policies, ".", *extractResources); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Extracted embedded policy files to %s\n", *extractResources)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pol, err := policy.LoadPoliciesOrDefault(ctx, *policyFname)
	if err != nil {
		log.Fatalf("can't parse policy file: %v", err)
	}

	ledgerClient, err := ledger.Dial(ctx, ledger.Config{
		RPCURL:          *rpcURL,
		PrivateKey:      walletKey(),
		ContractAddress: *contractAddress,
	})
	if err != nil {
		log.Fatalf("can't connect to the ledger: %v", err)
	}

	opts := libgasfree.Options{
		Policy:        pol,
		Ledger:        ledgerClient,
		Providers:     libgasfree.Providers(*providers),
		RewardAmount:  *rewardAmount,
		LedgerTimeout: *ledgerTimeout,
		RandomSeed:    *randomSeed,
	}

	if *llmAPIKey != "" {
		client, err := llm.New(llm.Config{
			APIKey:  *llmAPIKey,
			BaseURL: *llmBaseURL,
			Model:   *llmModel,
		})
		if err != nil {
			log.Fatalf("can't configure language model: %v", err)
		}
		opts.Completer = client
	}

	// Stores outlive ctx so that requests still draining can finish their
	// journal writes.
	storeCtx, closeStores := context.WithCancel(context.Background())
	defer closeStores()

	s, err := libgasfree.New(storeCtx, opts)
	if err != nil {
		log.Fatalf("can't construct gasfree server: %v", err)
	}

	wg := new(sync.WaitGroup)

	if *metricsBind != "" {
		wg.Add(1)
		go metricsServer(ctx, wg.Done)
	}

	var h http.Handler
	h = s
	h = internal.RequestID(h)
	h = internal.RemoteXRealIP(*useRemoteAddress, *bindNetwork, h)
	h = internal.XForwardedForToXRealIP(h)

	srv := http.Server{Handler: h, ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, listenerUrl := setupListener(*bindNetwork, *bind)
	slog.Info(
		"listening",
		"url", listenerUrl,
		"version", gasfree.Version,
		"wallet", ledgerClient.Address().Hex(),
		"contract", *contractAddress,
		"providers", *providers,
		"llm", opts.Completer != nil,
		"reward-amount", *rewardAmount,
		"use-remote-address", *useRemoteAddress,
	)

	grace := *ledgerTimeout
	if grace == 0 {
		grace = pipeline.DefaultLedgerTimeout
	}

	if err := serve(ctx, &srv, listener, grace); err != nil {
		log.Printf("server stopped uncleanly: %v", err)
	}
	wg.Wait()
}

func metricsServer(ctx context.Context, done func()) {
	defer done()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := http.Server{Handler: mux, ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, metricsUrl := setupListener(*metricsBindNetwork, *metricsBind)
	slog.Debug("listening for metrics", "url", metricsUrl)

	if err := serve(ctx, &srv, listener, 5*time.Second); err != nil {
		log.Printf("metrics server stopped uncleanly: %v", err)
	}
}

func extractEmbedFS(fsys embed.FS, root string, destDir string) error {
	return fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		destPath := filepath.Join(destDir, root, relPath)

		if d.IsDir() {
			return os.MkdirAll(destPath, 0o700)
		}

		embeddedData, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}

		return os.WriteFile(destPath, embeddedData, 0o644)
	})
}
