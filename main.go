package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-backup/catalog"
	"github.com/dhcgn/imap-backup/cmd"
	"github.com/dhcgn/imap-backup/config"
	"github.com/dhcgn/imap-backup/credential"
	"github.com/dhcgn/imap-backup/filter"
	"github.com/dhcgn/imap-backup/imap"
	"github.com/dhcgn/imap-backup/layout"
	"github.com/dhcgn/imap-backup/progress"
	"github.com/dhcgn/imap-backup/runner"
	"github.com/dhcgn/imap-backup/sink"
	"github.com/dhcgn/imap-backup/state"
	"github.com/dhcgn/imap-backup/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "imap-backup",
		Short:        "Archive every folder of an IMAP mailbox to local storage",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewInspectCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	creds := credential.Credentials{Host: cfg.IMAPHost, User: cfg.IMAPUser, Password: cfg.IMAPPass}
	resolver := credential.Resolver{Prompter: credential.NewPrompter(), Logger: logger}
	if cfg.UseKeyring {
		store, err := credential.OpenKeyring(cfg.KeyringDir)
		if err != nil {
			logger.Warn("keyring unavailable", "err", err)
		} else {
			resolver.Store = store
		}
	}
	if err := resolver.Complete(&creds); err != nil {
		return fmt.Errorf("credentials: %w", err)
	}

	msgFilter, err := filter.New(filter.Options{
		SkipOlderThanDays:   cfg.SkipOlderThanDays,
		SkipYoungerThanDays: cfg.SkipYoungerThanDays,
		IncludeFolders:      cfg.IncludeFolders,
		ExcludeFolders:      cfg.ExcludeFolders,
	})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	tracker := state.NewTracker()
	if cfg.RetryFile != "" {
		tracker, err = state.Load(cfg.RetryFile)
		if err != nil {
			return err
		}
		logger.Info("resuming earlier run", "resumeFile", cfg.RetryFile, "completed", tracker.Snapshot().Completed)
	}

	logger.Info("starting imap-backup", "host", creds.Host, "user", creds.User, "format", cfg.Format, "delete", cfg.Delete)

	session, err := imap.Dial(ctx, imap.Options{
		Host:               creds.Host,
		Port:               cfg.IMAPPort,
		Username:           creds.User,
		Password:           creds.Password,
		UseTLS:             cfg.UseTLS,
		StartTLS:           cfg.StartTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}, logger)
	if err != nil {
		return err
	}

	startedAt := time.Now()
	outputPath := sink.OutputPath(cfg.OutputDir, creds.Host, creds.User, cfg.Format, startedAt)
	out, err := sink.New(sink.Options{Format: cfg.Format, Path: outputPath})
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("sink.New: %w", err)
	}
	logger.Info("writing backup", "path", outputPath)

	var (
		recorder   runner.Recorder
		catalogRun *catalog.Run
	)
	if cfg.CatalogPath != "" {
		db, err := catalog.Open(cfg.CatalogPath)
		if err != nil {
			_ = out.Close()
			_ = session.Close()
			return fmt.Errorf("catalog.Open: %w", err)
		}
		defer db.Close()

		catalogRun, err = db.StartRun(ctx, creds.User, creds.Host, outputPath, startedAt)
		if err != nil {
			_ = out.Close()
			_ = session.Close()
			return err
		}
		recorder = catalogRun
	}

	r, err := runner.New(runner.Options{
		User:      creds.User,
		Host:      creds.Host,
		Filter:    msgFilter,
		Layout:    layout.Layout{User: creds.User, Nested: cfg.Format.Nested()},
		Delete:    cfg.Delete,
		BatchSize: cfg.BatchSize,
		Tracker:   tracker,
		StateDir:  cfg.StateDir,
		Catalog:   recorder,
		Logger:    logger,
	}, session, out)
	if err != nil {
		_ = out.Close()
		_ = session.Close()
		return fmt.Errorf("runner.New: %w", err)
	}

	stats.NewReporter(r, logger)
	bar := progress.New(cfg.LogLevel)
	progress.Attach(r, bar)

	summary, runErr := r.Run(ctx)

	if catalogRun != nil {
		status := catalog.StatusCompleted
		if runErr != nil {
			status = catalog.StatusFailed
		}
		if err := catalogRun.Finish(context.WithoutCancel(ctx), status, summary.Archived, time.Now()); err != nil {
			logger.Warn("catalog finish failed", "err", err)
		}
	}

	if bar.Enabled() {
		var abortErr *runner.AbortError
		resumeFile := ""
		if errors.As(runErr, &abortErr) {
			resumeFile = abortErr.ResumeFile
		}
		progress.PrintSummary(summary, resumeFile)
	}

	return runErr
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	var w io.Writer = os.Stdout
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("imap-backup-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		w = io.MultiWriter(os.Stdout, file)
		cleanup = func() error {
			return file.Close()
		}
	}

	return slog.New(newHandler(cfg.LogFormat, w, opts)), cleanup, nil
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	switch format {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "dev":
		return devslog.NewHandler(w, &devslog.Options{HandlerOptions: opts})
	default:
		return slog.NewTextHandler(w, opts)
	}
}
