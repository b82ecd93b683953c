package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/born-ml/maskrcnn/internal/config"
	"github.com/born-ml/maskrcnn/internal/store"
)

// Version is the application version.
const Version = "v0.1.0"

var (
	configPath string
	tiny       bool
	numClasses int
	dbURL      string
	seed       int64

	// db is opened by PersistentPreRunE for commands that persist results.
	db store.Store
)

var rootCmd = &cobra.Command{
	Use:           "maskrcnn",
	Short:         "Mask R-CNN instance segmentation",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConfig builds the configuration selected by the persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	switch {
	case configPath != "":
		c, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	case tiny:
		cfg = config.Tiny(numClasses)
	default:
		cfg = config.Default()
		if cmd.Flags().Changed("classes") {
			cfg.NumClasses = numClasses
		}
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed = seed
	}
	return cfg, cfg.Validate()
}

// openStore connects to PostgreSQL when --db or POSTGRES_HOST is set and
// falls back to an in-memory store.
func openStore(ctx context.Context) (store.Store, error) {
	url := dbURL
	if url == "" {
		if host := os.Getenv("POSTGRES_HOST"); host != "" {
			port := os.Getenv("POSTGRES_PORT")
			if port == "" {
				port = "5432"
			}
			url = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
				os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
		}
	}
	if url == "" {
		return store.NewMemory(), nil
	}
	s, err := store.NewPostgres(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	return s, nil
}

func withStore(cmd *cobra.Command, _ []string) error {
	s, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	db = s
	return nil
}

func closeStore(*cobra.Command, []string) {
	if db != nil {
		// The command context may already be cancelled.
		if err := db.Close(context.Background()); err != nil {
			log.Printf("close store: %v", err)
		}
	}
}

// Execute runs the CLI with a context cancelled on SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	log.SetPrefix("maskrcnn: ")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&tiny, "tiny", false, "use the small CPU configuration")
	rootCmd.PersistentFlags().IntVar(&numClasses, "classes", 4, "number of classes including background (with --tiny or the default config)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: in-memory store)")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", 1, "random seed for weights and sampling")
}
