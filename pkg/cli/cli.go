// Package cli provides the command line entrypoint for the generation service.
package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"vibegen/pkg/notify"
	"vibegen/pkg/server"
	"vibegen/pkg/usecase/generate"
	"vibegen/pkg/usecase/ledger"
	"vibegen/pkg/utils/logging"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	// Missing .env is fine; environment variables still apply.
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "vibegen",
		Usage: "Code generation agent service",
		Commands: []*cli.Command{
			serveCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

func serveCommand() *cli.Command {
	var cfg config

	flags := serverFlags(&cfg)
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, sandboxFlags(&cfg)...)
	flags = append(flags, entitlementFlags(&cfg)...)
	flags = append(flags, optionalFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the generation API server",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := logging.New(cfg.logLevel, os.Stderr)
			logging.SetDefault(logger)
			ctx = logging.With(ctx, logger)

			return serve(ctx, &cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := cfg.newRepository(ctx)
	if err != nil {
		return err
	}

	gemini, err := cfg.newGemini(ctx)
	if err != nil {
		return err
	}

	sandbox, err := cfg.newSandbox(ctx)
	if err != nil {
		return err
	}

	ent, err := cfg.newEntitlement(ctx)
	if err != nil {
		return err
	}

	quota := ledger.New(repo, ent)
	hub := notify.NewHub()

	opts := []generate.Option{
		generate.WithTemplate(cfg.sandboxTemplate),
	}
	if archive, err := cfg.newStorage(ctx); err != nil {
		return err
	} else if archive != nil {
		opts = append(opts, generate.WithArchive(archive))
	}
	if audit, err := cfg.newAudit(ctx); err != nil {
		return err
	} else if audit != nil {
		opts = append(opts, generate.WithAudit(audit))
	}

	workflow := generate.NewWorkflow(repo, gemini, sandbox, quota, hub, opts...)

	srv := &http.Server{
		Addr:    cfg.addr,
		Handler: server.New(repo, quota, ent, workflow, hub),
	}

	errCh := make(chan error, 1)
	go func() {
		logging.From(ctx).Info("starting server", "addr", cfg.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return goerr.Wrap(err, "server failed")
		}
	case <-ctx.Done():
		logging.From(ctx).Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return goerr.Wrap(err, "failed to shut down server")
		}
	}

	return nil
}
