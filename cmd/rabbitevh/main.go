package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/rabbitevh"
	"github.com/glimte/rabbitevh/config"
	"github.com/glimte/rabbitevh/contracts"
	"github.com/glimte/rabbitevh/health"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const maxLineSize = 4 << 20

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
		logJSON    bool
	)

	rootCmd := &cobra.Command{
		Use:   "rabbitevh",
		Short: "Relay media server events to RabbitMQ",
		Long: `rabbitevh reads events as newline delimited JSON and publishes them to a
RabbitMQ exchange, grouped into batches when grouping is enabled.`,
		Version:      fmt.Sprintf("%s %s (commit: %s, built: %s)", rabbitevh.VersionString, version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "janus.eventhandler.rabbitmqevh.jcfg", "Configuration file (.yaml, .json, .jsonc or .jcfg)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log as JSON")

	newLogger := func(w io.Writer) *slog.Logger {
		opts := &slog.HandlerOptions{Level: slog.LevelInfo}
		if verbose {
			opts.Level = slog.LevelDebug
		}
		if logJSON {
			return slog.New(slog.NewJSONHandler(w, opts))
		}
		return slog.New(slog.NewTextHandler(w, opts))
	}

	var (
		input        string
		healthAddr   string
		drainTimeout time.Duration
	)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Relay events read from stdin or a file",
		Long: `Each input line is a JSON object. Lines carrying a "request" member are
admin requests (e.g. {"request":"tweak","grouping":false}); their responses
are written to stdout. Every other line is relayed as an event.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd.ErrOrStderr())

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			relay, err := rabbitevh.New(ctx, cfg, rabbitevh.WithLogger(logger))
			if err != nil {
				return err
			}
			defer relay.Close()

			if healthAddr != "" {
				srv := serveHealth(healthAddr, relay.HealthRegistry(), logger)
				defer srv.Close()
			}

			in := cmd.InOrStdin()
			if input != "" && input != "-" {
				f, err := os.Open(input)
				if err != nil {
					return fmt.Errorf("opening input: %w", err)
				}
				defer f.Close()
				in = f
			}

			readErr := make(chan error, 1)
			go func() {
				readErr <- relayLines(in, cmd.OutOrStdout(), relay, logger)
			}()

			select {
			case <-ctx.Done():
				logger.Info("interrupted, discarding queued events")
				return nil
			case err := <-readErr:
				if err != nil {
					return err
				}
			}

			drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
			defer cancel()
			if err := relay.Drain(drainCtx); err != nil {
				logger.Warn("queue not drained before exit", "error", err)
			}
			logger.Info("input finished", "stats", relay.Stats())
			return nil
		},
	}
	runCmd.Flags().StringVarP(&input, "input", "i", "-", "Read events from this file instead of stdin")
	runCmd.Flags().StringVar(&healthAddr, "health-addr", "", "Serve health checks over HTTP on this address")
	runCmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "How long to wait for queued events at end of input")

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "enabled:   %t\n", cfg.Enabled)
			fmt.Fprintf(out, "broker:    %s\n", cfg.Endpoint().String())
			fmt.Fprintf(out, "exchange:  %q (%s)\n", cfg.Exchange, cfg.Topology().ExchangeType)
			fmt.Fprintf(out, "route key: %s\n", cfg.RouteKey)
			fmt.Fprintf(out, "events:    %s\n", cfg.Events)
			fmt.Fprintf(out, "grouping:  %t\n", cfg.Grouping)
			fmt.Fprintf(out, "heartbeat: %s\n", cfg.HeartbeatInterval())
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, checkCmd)
	return rootCmd
}

// relayLines feeds every input line to the relay until EOF
func relayLines(in io.Reader, out io.Writer, relay *rabbitevh.Relay, logger *slog.Logger) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		evt, err := contracts.ParseEvent(data)
		if err != nil {
			logger.Warn("skipping malformed line", "line", line, "error", err)
			continue
		}

		if _, isRequest := evt.Get("request"); isRequest {
			resp, err := relay.HandleRequest(data)
			if err != nil {
				return err
			}
			if err := json.NewEncoder(out).Encode(resp); err != nil {
				return fmt.Errorf("writing response: %w", err)
			}
			continue
		}

		if _, ok := evt.Timestamp(); !ok {
			evt.Set(contracts.FieldTimestamp, contracts.MonotonicMicros())
		}
		relay.Incoming(evt)
	}
	return scanner.Err()
}

func serveHealth(addr string, registry *health.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/health", health.NewHandler(registry, 5*time.Second))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server stopped", "error", err)
		}
	}()
	logger.Info("serving health checks", "addr", addr)
	return srv
}
