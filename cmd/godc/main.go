package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prxssh/godc/internal/engine"
	"github.com/prxssh/godc/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "godc",
		Short:         "Direct Connect client core daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("session-dir", "c", defaultSessionDir(), "session directory holding config, queue and spool")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address (empty disables)")

	viper.SetEnvPrefix("GODC")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("session_dir", flags.Lookup("session-dir"))
	_ = viper.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("metrics_addr", flags.Lookup("metrics-addr"))

	return cmd
}

func defaultSessionDir() string {
	if d := os.Getenv("GODC_DIR"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".godc"
	}
	return filepath.Join(home, ".godc")
}

func run(ctx context.Context) error {
	log := setupLogger(viper.GetString("log_level"))

	e, err := engine.New(viper.GetString("session_dir"), log)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := e.Run(ctx); err != nil {
		return err
	}

	if addr := viper.GetString("metrics_addr"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Warn("metrics listener failed", "addr", addr, "error", err)
			}
		}()
	}

	log.Info("godc running", "session_dir", e.DataDir)
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = lvl

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}
