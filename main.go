package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hawkdelights/cake-orders/calendar"
	"github.com/hawkdelights/cake-orders/cmd"
	"github.com/hawkdelights/cake-orders/config"
	"github.com/hawkdelights/cake-orders/filter"
	"github.com/hawkdelights/cake-orders/imap"
	"github.com/hawkdelights/cake-orders/mbox"
	"github.com/hawkdelights/cake-orders/progress"
	"github.com/hawkdelights/cake-orders/runner"
	"github.com/hawkdelights/cake-orders/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cake-orders",
		Short: "Turn cake order form emails into Google Calendar pickup events",
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
			logger.Info("starting cake-orders", "source", cfg.Source, "mailbox", cfg.Mailbox, "calendar", cfg.CalendarID, "dryRun", cfg.DryRun)

			return run(cmd.Context(), cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewExtractCommand(), cmd.NewAuthorizeCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	eng, err := cmd.NewEngine(cfg.Timezone, cfg.FieldSpecsPath, cfg.DateLayouts, logger)
	if err != nil {
		return err
	}

	// Credentials are checked before any mail is read.
	var inserter calendar.Inserter
	if !cfg.DryRun {
		client, err := calendar.LoadClient(ctx, cfg.CredentialsPath, cfg.TokenPath)
		if err != nil {
			return fmt.Errorf("calendar.LoadClient: %w", err)
		}
		if inserter, err = calendar.NewGoogleInserter(ctx, client); err != nil {
			return err
		}
	}

	r, err := runner.New(cfg, eng, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	reporter := stats.NewReporter(r, logger)
	if cfg.Progress {
		progress.NewProgressReporter(r, progress.New(true), logger)
	}

	flt, err := filter.New(filter.Options{
		SubjectContains: cfg.Subject,
		SenderEquals:    cfg.From,
		IncludeHeader:   cfg.IncludeHeader,
		IncludeBody:     cfg.IncludeBody,
		ExcludeHeader:   cfg.ExcludeHeader,
		ExcludeBody:     cfg.ExcludeBody,
	})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	scheduler, err := calendar.NewScheduler(inserter, calendar.Options{
		CalendarID: cfg.CalendarID,
		TimeZone:   cfg.Timezone,
		DryRun:     cfg.DryRun,
	}, logger)
	if err != nil {
		return fmt.Errorf("calendar.NewScheduler: %w", err)
	}
	calendar.NewStage(scheduler, r, logger)

	switch cfg.Source {
	case config.SourceMbox:
		if _, err := mbox.NewProducer(mbox.Options{Path: cfg.MboxPath, Filter: flt}, r, logger); err != nil {
			return fmt.Errorf("mbox.NewProducer: %w", err)
		}
	default:
		fetchOpts := imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Mailbox:            cfg.Mailbox,
			UnseenOnly:         cfg.UnseenOnly,
			Since:              cfg.Since,
		}
		if _, err := imap.NewProducer(fetchOpts, flt, r, logger); err != nil {
			return fmt.Errorf("imap.NewProducer: %w", err)
		}
	}

	stopOnSignal := context.AfterFunc(ctx, r.Stop)
	defer stopOnSignal()

	runErr := r.Start()

	if cfg.ReportDir != "" {
		if err := stats.WriteReports(cfg.ReportDir, r.Extracted(), r.Failures()); err != nil {
			logger.Error("writing reports failed", "dir", cfg.ReportDir, "err", err)
		} else {
			logger.Info("reports written", "dir", cfg.ReportDir)
		}
	}

	fmt.Println(reporter.Summary().Headline())
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

	// The progress bar owns the terminal; only warnings get through.
	if cfg.Progress && level.Level() < slog.LevelWarn {
		level.Set(slog.LevelWarn)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("cake-orders-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
