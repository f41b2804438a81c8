package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rssbox/rssbox/internal/config"
	"github.com/rssbox/rssbox/internal/hooks"
	"github.com/rssbox/rssbox/internal/pipeline"
	"github.com/rssbox/rssbox/internal/rss"
	"github.com/rssbox/rssbox/internal/seedbox"
	"github.com/rssbox/rssbox/internal/store"
	"github.com/rssbox/rssbox/internal/upload"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// rootCmd runs a worker process. Any number of workers may run against the
// same database; they coordinate purely through it.
var rootCmd = &cobra.Command{
	Use:     "rssbox",
	Short:   "Distributed RSS-to-seedbox download pipeline",
	Long: `rssbox ingests items from RSS feeds, submits them to a pool of remote
seedbox accounts, polls until the remote download completes, and re-uploads
the resulting files to a configured destination. Workers are stateless and
horizontally scalable; the document store is the sole source of truth.`,
	Version:      Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log, closeLog, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer closeLog()

		rssOnly, _ := cmd.Flags().GetBool("rss-only")
		downloadOnly, _ := cmd.Flags().GetBool("download-only")
		uploadOnly, _ := cmd.Flags().GetBool("upload-only")
		workerID, _ := cmd.Flags().GetString("id")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := store.NewMongo(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return err
		}
		defer st.Close(context.Background())

		hook := hooks.ForName(cfg.Hook, log)

		if rssOnly {
			log.Infof("watching %d feeds", len(cfg.RSSURLs))
			return rss.NewService(cfg.RSSURLs, st, rss.Ingest(st, hook, log), log).Run(ctx)
		}

		if err := os.MkdirAll(cfg.DownloadPath, 0o755); err != nil {
			return fmt.Errorf("create download path: %w", err)
		}
		if err := upload.CleanDir(cfg.DownloadPath); err != nil {
			log.WithError(err).Warn("could not clean download path")
		}

		tokens := seedbox.NewStoreTokens(st)
		factory := func(account *store.Account) seedbox.Client {
			return seedbox.NewHTTPClient(cfg.SeedboxBaseURL, account.ID, account.Password, tokens, log)
		}

		var files upload.FileHandler = upload.Noop{}
		if cfg.UploadWebhookURL != "" {
			files = upload.NewWebhook(cfg, log)
		}

		worker := pipeline.NewWorker(workerID, st, factory, files, hook, cfg, log)

		g, ctx := errgroup.WithContext(ctx)
		switch {
		case downloadOnly:
			g.Go(func() error { return worker.RunStartOnly(ctx) })
		case uploadOnly:
			g.Go(func() error { return worker.RunCheckOnly(ctx) })
		default:
			g.Go(func() error { return worker.Run(ctx) })
		}
		return g.Wait()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().Bool("rss-only", false, "Only watch feeds and ingest downloads")
	rootCmd.Flags().Bool("download-only", false, "Only claim and submit pending downloads")
	rootCmd.Flags().Bool("upload-only", false, "Only poll in-flight accounts and upload")
	rootCmd.Flags().Bool("process-only", true, "Run the full download and upload loops (default)")
	rootCmd.Flags().String("id", "", "Worker id (default: random)")
	rootCmd.SetVersionTemplate("rssbox version {{.Version}}\n")
}

// newLogger builds the process logger, teeing to LOG_FILE when set.
func newLogger(cfg *config.Config) (*logrus.Logger, func(), error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if cfg.LogFile == "" {
		return log, func() {}, nil
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return log, func() { f.Close() }, nil
}

// storeFromEnv is the shared bootstrap for the maintenance subcommands.
func storeFromEnv(ctx context.Context) (*config.Config, store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewMongo(ctx, cfg.MongoURL, cfg.MongoDatabase)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}
