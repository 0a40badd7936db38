package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "llmdns",
	Short: "Answer DNS TXT questions with a large language model",
	Long: `llmdns listens for DNS queries over UDP and treats the name of every TXT question as a
prompt. The answer is returned as TXT records. Configuration comes from the environment,
.env and .env.local in the working directory, and an optional --config file.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and exit",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("llmdns", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml, json or env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	log, err := NewLogger(cfg.LogEnv, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer syncLogger(log)

	log.Info("starting llmdns",
		"version", Version,
		"api_key", maskAPIKey(cfg.APIKey),
		"models", cfg.Models,
		"endpoint", cfg.Endpoint,
		"bind", cfg.BindAddr(),
		"max_chunk_size", cfg.MaxChunkSize,
		"max_total_size", cfg.MaxTotalSize,
		"max_inflight", cfg.MaxInFlight,
		"rate_limit", cfg.RateLimit,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hook, err := NewPrometheusHook(reg)
	if err != nil {
		return err
	}

	engine, err := NewEngine(cfg.APIKey, cfg.Models, cfg.SystemPrompt,
		WithEndpoint(cfg.Endpoint),
		WithSampling(cfg.Sampling),
		WithEngineLogger(log),
		WithEngineHook(hook),
	)
	if err != nil {
		return err
	}

	limiter := newRateLimiter(cfg.RateLimit, cfg.RateBurst)

	dnsServer := NewDNSServer(cfg.BindAddr(), engine, DNSServerOpts{
		Chunker:     Chunker{MaxChunkSize: cfg.MaxChunkSize, MaxTotalSize: cfg.MaxTotalSize},
		MaxInFlight: cfg.MaxInFlight,
		Limiter:     limiter,
		Hook:        hook,
	}, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		dnsServer.Shutdown()
		return nil
	})

	g.Go(dnsServer.ListenAndServe)

	if cfg.SSHPort > 0 {
		sshServer := NewSSHServer(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.SSHPort)), cfg.SSHHostKey, engine, limiter, log)
		g.Go(func() error { return sshServer.ListenAndServe(gctx) })
	}

	if cfg.HTTPPort > 0 {
		httpServer := NewHTTPServer(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.HTTPPort)), engine, limiter, reg, log)
		g.Go(func() error { return httpServer.ListenAndServe(gctx) })
	}

	return g.Wait()
}
