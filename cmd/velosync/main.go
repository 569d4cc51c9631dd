// Command velosync runs the whole service in one process: the HTTP API, the
// background worker that executes backup jobs, and the periodic sweeps.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/run"
	"github.com/sethvargo/go-envconfig"
	_ "golang.org/x/crypto/x509roots/fallback"
	_ "modernc.org/sqlite"

	"velosync/internal/api"
	"velosync/internal/assets"
	"velosync/internal/jobs"
	"velosync/internal/logger"
	"velosync/internal/notify"
	"velosync/internal/sqlite"
	"velosync/internal/sync"
	"velosync/internal/velog"
)

type config struct {
	Database string `env:"DATABASE, required"`

	Port           int    `env:"PORT, default=4444"`
	CorsHeader     string `env:"CORS_HEADER, default=*"`
	CookieHashKey  string `env:"COOKIE_HASH_KEY, required"`
	CookieBlockKey string `env:"COOKIE_BLOCK_KEY, required"`

	VelogEndpoint string `env:"VELOG_ENDPOINT"`

	DriveClientID     string `env:"DRIVE_CLIENT_ID"`
	DriveClientSecret string `env:"DRIVE_CLIENT_SECRET"`

	ResendAPIKey string `env:"RESEND_API_KEY"`
	MailFrom     string `env:"MAIL_FROM, default=backups@velosync.dev"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Parse the config
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatalf("error parsing config: %s", err)
	}

	l := slog.New(logger.NewContextHandler(slog.NewTextHandler(os.Stdout, nil)))
	slog.SetDefault(l)

	// Connect to the sqlite db
	dbx, err := sqlx.Open("sqlite", fmt.Sprintf("%s?_txlock=immediate&_journal_mode=WAL&_busy_timeout=5000", cfg.Database))
	if err != nil {
		log.Fatalf("error opening database: %s", err)
	}
	defer dbx.Close()

	// Run all migrations
	if err := sqlite.Migrate(dbx); err != nil {
		log.Fatalf("error running migrations: %s", err)
	}
	slog.Info("migrated")

	repo := sqlite.New(dbx)
	velogClient := velog.NewClient(cfg.VelogEndpoint)
	syncer := sync.New(velogClient, repo, assets.NewFetcher(0))
	mailer := notify.New("", cfg.ResendAPIKey, cfg.MailFrom)
	worker := jobs.NewWorker(
		repo,
		syncer,
		jobs.DefaultPublisherFactory(cfg.DriveClientID, cfg.DriveClientSecret),
		mailer,
	)

	server := api.NewServer(api.ServerConfig{
		Port:           cfg.Port,
		CookieHashKey:  []byte(cfg.CookieHashKey),
		CookieBlockKey: []byte(cfg.CookieBlockKey),
		CorsHeader:     cfg.CorsHeader,
	}, repo, repo, velogClient)

	var g run.Group

	g.Add(func() error {
		slog.Info("api server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		server.Shutdown(context.Background())
	})

	workerCtx, workerCancel := context.WithCancel(ctx)
	g.Add(func() error {
		slog.Info("worker started")
		if err := worker.Run(workerCtx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}, func(error) {
		workerCancel()
	})

	g.Add(func() error {
		<-ctx.Done()
		return ctx.Err()
	}, func(error) {
		cancel()
	})

	if err := g.Run(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("exiting: %s", err)
	}
}
