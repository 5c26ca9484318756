// Command any2pdf runs the document-to-PDF conversion gateway.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"

	any2pdf "github.com/alnah/go-any2pdf"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		envFile     string
		showVersion bool
	)
	pflag.StringVar(&envFile, "env-file", "", "load environment variables from this file")
	pflag.BoolVar(&showVersion, "version", false, "print version and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println(Version)
		return nil
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("loading env file: %w", err)
		}
	} else {
		// Best effort: a missing .env is fine.
		_ = godotenv.Load()
	}

	configureLogging()

	// Error ignored: maxprocs.Set only fails if GOMAXPROCS env is invalid,
	// in which case Go runtime defaults apply and the program continues.
	_, _ = maxprocs.Set(maxprocs.Logger(logrus.Debugf))

	cfg, err := any2pdf.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := notifyContext(context.Background())
	defer stop()

	svc := any2pdf.NewService(cfg)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Close()

	srv := any2pdf.NewServer(cfg, svc)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logrus.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("Forced shutdown")
		}
		return nil
	}
}

// configureLogging parses LOG_LEVEL and sets up logrus defaults.
func configureLogging() {
	logrus.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
