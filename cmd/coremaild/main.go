// Command coremaild is the server entrypoint: it loads configuration,
// opens the metadata and blob stores, wires the resolver/hook/auth/queue
// subsystems, and starts every configured protocol listener.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mailcove/coremail/framework/hooks"
	"github.com/mailcove/coremail/framework/log"
	"github.com/mailcove/coremail/internal/auth"
	"github.com/mailcove/coremail/internal/config"
	"github.com/mailcove/coremail/internal/endpoint/imap"
	"github.com/mailcove/coremail/internal/endpoint/openmetrics"
	"github.com/mailcove/coremail/internal/endpoint/pop3"
	"github.com/mailcove/coremail/internal/endpoint/smtp"
	"github.com/mailcove/coremail/internal/hook"
	"github.com/mailcove/coremail/internal/queue"
	"github.com/mailcove/coremail/internal/resolver"
	"github.com/mailcove/coremail/internal/store"
	"github.com/mailcove/coremail/internal/store/blobfs"
	"github.com/mailcove/coremail/internal/store/pgmeta"
	"github.com/mailcove/coremail/internal/target/remote"
)

// Exit codes: 0 success/clean shutdown, 1 fatal
// configuration or bind failure, 2 schema migration failure.
const (
	exitOK          = 0
	exitConfig      = 1
	exitMigration   = 2
)

func main() {
	app := &cli.App{
		Name:  "coremaild",
		Usage: "multi-tenant mail server core",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "/etc/coremail/coremaild.toml",
				Usage:   "path to the TOML configuration file",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "force verbose logging regardless of config",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "coremaild:", err)
		os.Exit(exitConfig)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err, exitConfig)
	}
	if c.Bool("debug") {
		cfg.Log.Debug = true
	}

	logger := log.Logger{Out: log.WriterOutput(os.Stderr, true), Name: "coremaild", Debug: cfg.Log.Debug}
	log.DefaultLogger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meta, err := pgmeta.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		return cli.Exit(fmt.Errorf("open metadata store: %w", err), exitMigration)
	}

	blobs, err := blobfs.New(cfg.Blobs.Root)
	if err != nil {
		return cli.Exit(fmt.Errorf("open blob store: %w", err), exitConfig)
	}

	res := &resolver.Resolver{Meta: meta}
	verifier := &auth.Verifier{Meta: meta, Log: logger, EnableLogin: cfg.Auth.EnableLogin}
	hookExec := &hook.Executor{
		Registry: hook.NewRegistry(meta, cfg.Hooks.CacheTTL),
		Natives:  map[string]hook.NativePlugin{},
		Log:      logger,
	}

	relay := &remote.Relay{Hostname: cfg.Hostname, Timeout: cfg.Queue.RelayConnTimeout, Log: logger}

	q := queue.New(meta, blobs, res, relay, queue.Config{
		Workers:        cfg.Queue.Workers,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		BackoffBase:    cfg.Queue.BackoffBase,
		BackoffCap:     cfg.Queue.BackoffCap,
		PerDomainLimit: cfg.Queue.PerDomainLimit,
		PollInterval:   cfg.Queue.PollInterval,
	})

	var closers []func() error

	if cfg.SMTP.Addr != "" {
		ep := smtp.New(smtp.Config{
			Addr:            cfg.SMTP.Addr,
			LMTP:            false,
			Submission:      false,
			Hostname:        cfg.Hostname,
			MaxMessageBytes: cfg.SMTP.MaxMessageBytes,
			InsecureAuth:    cfg.SMTP.InsecureAuth,
		}, meta, blobs, res, hookExec, verifier)
		if err := ep.ListenAndServe(); err != nil {
			return cli.Exit(fmt.Errorf("smtp listener: %w", err), exitConfig)
		}
		closers = append(closers, ep.Close)
		logger.Msg("smtp listener started", "addr", cfg.SMTP.Addr)
	}

	if cfg.Submission.Addr != "" {
		ep := smtp.New(smtp.Config{
			Addr:            cfg.Submission.Addr,
			LMTP:            false,
			Submission:      true,
			Hostname:        cfg.Hostname,
			MaxMessageBytes: cfg.Submission.MaxMessageBytes,
			InsecureAuth:    cfg.Submission.InsecureAuth,
		}, meta, blobs, res, hookExec, verifier)
		if err := ep.ListenAndServe(); err != nil {
			return cli.Exit(fmt.Errorf("submission listener: %w", err), exitConfig)
		}
		closers = append(closers, ep.Close)
		logger.Msg("submission listener started", "addr", cfg.Submission.Addr)
	}

	if cfg.POP3.Addr != "" {
		ep := pop3.New(cfg.POP3.Addr, meta, blobs, verifier, logger)
		if err := ep.ListenAndServe(); err != nil {
			return cli.Exit(fmt.Errorf("pop3 listener: %w", err), exitConfig)
		}
		closers = append(closers, ep.Close)
		logger.Msg("pop3 listener started", "addr", cfg.POP3.Addr)
	}

	if cfg.IMAP.Addr != "" {
		ep := imap.New(cfg.IMAP.Addr, meta, blobs, verifier, logger)
		if err := ep.ListenAndServe(); err != nil {
			return cli.Exit(fmt.Errorf("imap listener: %w", err), exitConfig)
		}
		closers = append(closers, ep.Close)
		logger.Msg("imap listener started", "addr", cfg.IMAP.Addr)
	}

	if cfg.Metrics.Addr != "" {
		ep := openmetrics.New(cfg.Metrics.Addr)
		if err := ep.ListenAndServe(); err != nil {
			return cli.Exit(fmt.Errorf("metrics listener: %w", err), exitConfig)
		}
		closers = append(closers, ep.Close)
		logger.Msg("metrics listener started", "addr", cfg.Metrics.Addr)
	}

	queueDone := make(chan error, 1)
	go func() { queueDone <- q.Run(ctx) }()

	if cfg.Blobs.GCInterval > 0 {
		go runBlobGC(ctx, blobs, meta, cfg.Blobs.GCInterval, logger)
	}

	hooks.AddHook(hooks.EventReload, func() {
		hookExec.Registry.Invalidate()
		logger.Msg("hook registry cache invalidated on reload")
	})
	watchReloadSignal(ctx, logger)

	<-ctx.Done()
	logger.Msg("shutting down")
	hooks.RunHooks(hooks.EventShutdown)

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("listener shutdown error", err)
		}
	}
	<-queueDone

	return nil
}

// runBlobGC periodically sweeps blobs with no referencing metadata row.
// It is decoupled from message deletion since a deleted message's body
// may still be referenced by another copy sharing the same blob path.
func runBlobGC(ctx context.Context, blobs *blobfs.Store, meta *pgmeta.Store, interval time.Duration, logger log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.GCSweep(ctx, blobs, meta, blobs, logger); err != nil {
				logger.Error("blob gc sweep failed", err)
			}
		}
	}
}

// watchReloadSignal runs framework/hooks.EventReload handlers on SIGHUP,
// the conventional signal for "reread secondary configuration" (alias
// tables, TLS certificates) without a full process restart.
func watchReloadSignal(ctx context.Context, logger log.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				logger.Msg("SIGHUP received, reloading secondary configuration")
				hooks.RunHooks(hooks.EventReload)
			}
		}
	}()
}
