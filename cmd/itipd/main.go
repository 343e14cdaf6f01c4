// Command itipd receives iTIP scheduling messages over HTTP and applies them
// to the calendars of internal users.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyp0633/libitip/config"
	"github.com/cyp0633/libitip/ingest"
	"github.com/cyp0633/libitip/recurrence"
	"github.com/cyp0633/libitip/scheduling"
	"github.com/cyp0633/libitip/server"
	"github.com/cyp0633/libitip/storage"
	"github.com/cyp0633/libitip/storage/memory"
	"github.com/cyp0633/libitip/storage/postgres"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	configPath string
	listen     string
	prefix     string
	outbox     string
	migrate    bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("itipd", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "itipd.yaml", "configuration file, created with defaults when missing")
	fs.StringVar(&o.listen, "listen", "", "listen address, overrides the configuration")
	fs.StringVar(&o.prefix, "prefix", "/itip/", "URL prefix of the receiver")
	fs.StringVar(&o.outbox, "outbox", "", "directory for outgoing scheduling messages; empty only logs them")
	fs.BoolVar(&o.migrate, "migrate", false, "apply database migrations and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	return o, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "itipd:", err)
		os.Exit(1)
	}
}

// run wires the daemon and serves until ctx is cancelled.
func run(ctx context.Context, opts options, logOutput io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.listen != "" {
		cfg.Listen = opts.listen
	}
	logger := cfg.Logger(logOutput)
	logger.Info("starting",
		"version", version,
		"build_date", buildDate,
		"listen", cfg.Listen,
		"context_id", cfg.ContextID)

	if opts.migrate {
		if cfg.Database.DSN == "" {
			return errors.New("no database configured")
		}
		return postgres.Migrate(ctx, cfg.Database.DSN)
	}

	store, closeStore, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, engine, err := newService(cfg, store, newOutbox(opts.outbox, logger), logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	handler, err := server.New(svc,
		server.WithParser(ingest.NewParser(ingest.WithLogger(logger))),
		server.WithURLPrefix(opts.prefix),
		server.WithLogger(logger))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serve(ctx, srv, logger)
}

func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.CalendarStorage, func(), error) {
	if cfg.Database.DSN == "" {
		logger.Warn("no database configured, keeping calendars in memory")
		return memory.New(), func() {}, nil
	}
	if cfg.Database.Migrate {
		if err := postgres.Migrate(ctx, cfg.Database.DSN); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	db, err := postgres.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return postgres.NewStore(db, cfg.ContextID), db.Close, nil
}

func newService(cfg *config.Config, store storage.CalendarStorage, transport scheduling.Transport, logger *slog.Logger) (*scheduling.Service, *recurrence.Engine, error) {
	dir, err := cfg.Directory()
	if err != nil {
		return nil, nil, err
	}
	defaults, err := cfg.RecipientDefaults()
	if err != nil {
		return nil, nil, err
	}
	engine := recurrence.NewEngineWithConfig(cfg.EngineConfig())
	svc, err := scheduling.NewService(scheduling.ServiceConfig{
		Storage:           store,
		Resolver:          dir,
		Recurrence:        engine,
		Contacts:          dir,
		ServerUID:         cfg.ServerUID,
		ContextID:         cfg.ContextID,
		Retry:             cfg.RetryPolicy(),
		CounterFields:     cfg.CounterEventFields(),
		RecipientDefaults: defaults,
	},
		scheduling.WithAutoProcess(scheduling.AutoProcess(cfg.AutoProcess)),
		scheduling.WithTransport(transport),
		scheduling.WithServiceLogger(logger))
	if err != nil {
		engine.Close()
		return nil, nil, err
	}
	return svc, engine, nil
}

// serve runs srv until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
