package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mcheviron/chunkswarm/cmd/chunkswarm/config"
	"github.com/mcheviron/chunkswarm/cmd/chunkswarm/peering"
	"github.com/mcheviron/chunkswarm/cmd/chunkswarm/protocol"
	"github.com/mcheviron/chunkswarm/cmd/chunkswarm/registry"
	"github.com/mcheviron/chunkswarm/cmd/chunkswarm/seeding"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	logLevel   zap.AtomicLevel
	v          = viper.New()
	cfg        config.Config
	configPath string
)

func init() {
	var err error
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logLevel = logConfig.Level
	logger, err := logConfig.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

func main() {
	logger := zap.L()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger.Error("Command failed", zap.Error(err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chunkswarm",
		Short:         "Registry-coordinated chunked file sharing",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(v, configPath)
			if err != nil {
				return err
			}
			level, _ := cfg.Log.ZapLevel()
			logLevel.SetLevel(level)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (yaml, toml or json)")
	root.PersistentFlags().String("log-level", "info", "log level")
	root.PersistentFlags().String("registry", "127.0.0.1:6000", "registry address")
	v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("client.registry", root.PersistentFlags().Lookup("registry"))

	root.AddCommand(newRegistryCmd(), newSeedCmd(), newDiscoverCmd(), newFetchCmd())
	return root
}

func newRegistryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Run the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return handleRegistry(cmd.Context())
		},
	}
	cmd.Flags().String("listen", "0.0.0.0:6000", "UDP listen address")
	cmd.Flags().String("admin", "", "admin HTTP listen address (disabled when empty)")
	cmd.Flags().String("exempt", "", "provider id never evicted, e.g. S1")
	v.BindPFlag("registry.listen", cmd.Flags().Lookup("listen"))
	v.BindPFlag("registry.admin_listen", cmd.Flags().Lookup("admin"))
	v.BindPFlag("registry.exempt_provider", cmd.Flags().Lookup("exempt"))
	return cmd
}

func newSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed [file...]",
		Short: "Advertise local files and serve their chunks",
		RunE: func(cmd *cobra.Command, args []string) error {
			files := args
			if len(files) == 0 {
				files = cfg.Seed.Files
			}
			inv := seeding.BuildInventory(files, zap.L())
			return handleSeed(cmd.Context(), inv)
		},
	}
	cmd.Flags().Int("port", 0, "chunk listener port (0 picks one)")
	cmd.Flags().String("advertise", "", "host published to the registry")
	v.BindPFlag("seed.port", cmd.Flags().Lookup("port"))
	v.BindPFlag("seed.advertise_host", cmd.Flags().Lookup("advertise"))
	return cmd
}

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover <file>",
		Short: "List providers for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handleDiscover(cmd.Context(), args[0])
		},
	}
}

func newFetchCmd() *cobra.Command {
	var noSeed bool
	cmd := &cobra.Command{
		Use:   "fetch <file>",
		Short: "Download a file from its providers, then serve it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handleFetch(cmd.Context(), args[0], !noSeed)
		},
	}
	cmd.Flags().String("reference", "", "local reference copy to verify against (defaults to <file>)")
	cmd.Flags().String("digest", "", "expected hex SHA-256, overrides --reference")
	cmd.Flags().StringP("output-dir", "o", ".", "directory for the assembled file")
	cmd.Flags().BoolVar(&noSeed, "no-seed", false, "exit after a verified download instead of serving it")
	v.BindPFlag("fetch.reference", cmd.Flags().Lookup("reference"))
	v.BindPFlag("fetch.digest", cmd.Flags().Lookup("digest"))
	v.BindPFlag("fetch.output_dir", cmd.Flags().Lookup("output-dir"))
	return cmd
}

// Command handlers

func handleRegistry(ctx context.Context) error {
	logger := zap.L()
	rc := cfg.Registry

	exempt, err := rc.ExemptID()
	if err != nil {
		return err
	}
	reg := registry.New(
		registry.WithStaleAfter(rc.StaleAfter),
		registry.WithExemptProvider(exempt),
		registry.WithLogger(logger),
	)

	var limiter *rate.Limiter
	if rc.RequestRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(rc.RequestRate), rc.RequestBurst)
	}
	srv := registry.NewServer(reg, limiter, logger)
	if err := srv.Listen(rc.Listen); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reg.RunEviction(ctx, rc.SweepInterval)
		return nil
	})
	g.Go(func() error {
		return srv.Serve(ctx)
	})
	if rc.AdminListen != "" {
		admin := registry.NewAdmin(reg, logger)
		g.Go(func() error {
			return admin.ListenAndServe(ctx, rc.AdminListen)
		})
	}
	return g.Wait()
}

func handleSeed(ctx context.Context, inv *seeding.Inventory) error {
	client := registry.NewClient(cfg.Client.Registry, cfg.Client.Timeout)
	agent := seeding.NewAgent(inv, client, seedOptions(), zap.L())
	if err := agent.Run(ctx); err != nil {
		return fmt.Errorf("serving agent stopped: %w", err)
	}
	return nil
}

func handleDiscover(ctx context.Context, fileName string) error {
	client := registry.NewClient(cfg.Client.Registry, cfg.Client.Timeout)
	providers, totalChunks, err := client.Discover(ctx, fileName)
	if errors.Is(err, protocol.ErrDiscoveryNotFound) {
		fmt.Printf("No providers for %s\n", fileName)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("Chunks: %d\n", totalChunks)
	for _, p := range providers {
		fmt.Println(p)
	}
	return nil
}

func handleFetch(ctx context.Context, fileName string, promote bool) error {
	fc := cfg.Fetch
	client := registry.NewClient(cfg.Client.Registry, cfg.Client.Timeout)

	opts := peering.Options{
		MaxConcurrent:  fc.MaxConcurrent,
		DialTimeout:    fc.DialTimeout,
		IOTimeout:      fc.IOTimeout,
		ScratchDir:     fc.ScratchDir,
		OutputDir:      fc.OutputDir,
		OutputPrefix:   fc.OutputPrefix,
		ExpectedDigest: fc.Digest,
		ReferencePath:  fc.Reference,
		OnEvent: func(e peering.Event) {
			fmt.Printf("[%s] %s\n", e.State, e.Message)
		},
	}

	outcome, err := peering.NewClient(client, opts, zap.L()).Download(ctx, fileName)
	if err != nil {
		return err
	}
	if outcome.State != peering.StateSeeding || !promote {
		return nil
	}

	// Serve the verified copy under the name peers ask for.
	inv := seeding.NewInventory()
	if err := inv.Add(fileName, outcome.OutputPath); err != nil {
		return err
	}
	return handleSeed(ctx, inv)
}

func seedOptions() seeding.Options {
	sc := cfg.Seed
	return seeding.Options{
		ListenHost:        sc.ListenHost,
		Port:              sc.Port,
		AdvertiseHost:     sc.AdvertiseHost,
		HeartbeatInterval: sc.HeartbeatInterval,
		MaxUploads:        sc.MaxUploads,
		ReadTimeout:       sc.ReadTimeout,
	}
}
