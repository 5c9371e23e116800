package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/OmgRod/PiBlock/pkg/blocklist"
	"github.com/OmgRod/PiBlock/pkg/config"
	"github.com/OmgRod/PiBlock/pkg/engine"
	"github.com/OmgRod/PiBlock/pkg/logging"
	"github.com/OmgRod/PiBlock/pkg/pattern"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var (
	version   = "dev"
	buildTime = "unknown"
	cfgFile   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "piblock",
		Short: "Network-wide DNS blocker",
		Long: `PiBlock answers DNS queries over UDP, blocks names matching the
patterns in its blocklist directory and relays everything else to an
upstream resolver. A local HTTP control plane edits the blocklist and
blocking mode at runtime.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (defaults and PIBLOCK_* environment when empty)")

	rootCmd.AddCommand(
		newServeCmd(),
		newCheckCmd(),
		newHashPasswordCmd(),
		newVersionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the DNS listener and control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func newCheckCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "check <domain>",
		Short: "Report whether a domain is blocked by the blocklist directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dir != "" {
				cfg.Blocklist.Directory = dir
			}

			set, err := blocklist.LoadDir(cfg.Blocklist.Directory, logging.NewNop())
			if err != nil {
				return err
			}

			verdict := "allowed"
			if pattern.Classify(args[0], set) {
				verdict = "blocked"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d patterns from %s)\n", args[0], verdict, len(set), cfg.Blocklist.Directory)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "blocklist directory (overrides config)")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	var (
		cost     int
		username string
	)

	cmd := &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Generate a bcrypt hash for control plane basic auth",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
				return fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), cost)
			if err != nil {
				return fmt.Errorf("failed to hash password: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# Copy this into your config.yml:\n")
			fmt.Fprintf(out, "control:\n")
			fmt.Fprintf(out, "  username: %q\n", username)
			fmt.Fprintf(out, "  password_hash: %q\n", string(hash))
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", 12, "bcrypt cost (10-14 recommended)")
	cmd.Flags().StringVar(&username, "username", "admin", "username to pair with the hash")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "PiBlock %s (built %s)\n", version, buildTime)
		},
	}
}

// loadConfig reads --config when given, otherwise starts from defaults with
// the standalone control address. The environment is applied last.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.LoadWithDefaults()
	}

	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Close() }()
	logging.SetGlobal(logger)

	logger.Info("PiBlock starting",
		"version", version,
		"build_time", buildTime,
	)

	return engine.New().Run(ctx, engine.Options{
		Config:     cfg,
		ConfigPath: cfgFile,
		Logger:     logger,
		Version:    version,
	})
}
