package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/bpf"
	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/config"
	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/consumer"
	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/event"
	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/metrics"
	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/output"
	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/summary"
)

// Set once the configuration has been read, so failures can be logged
// with the run ID.
var logger *zap.Logger

func newRootCommand() *cobra.Command {
	v := config.NewViper()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "tcp-breakdown",
		Short: "Record per-call TCP send and receive activity",
		Long: `tcp-breakdown attaches kprobes to tcp_sendmsg and tcp_cleanup_rbuf and
writes one CSV row per call: who sent or received, on which connection,
how many bytes and the connection's smoothed RTT.

Runs until interrupted. Requires privileges to load BPF programs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}

			runID := uuid.New().String()
			logger, err = newLogger(cfg.Verbose, runID)
			if err != nil {
				return fmt.Errorf("creating logger: %w", err)
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, runID, logger)
		},
	}

	d := config.Default()
	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "YAML config file")
	flags.String(config.KeyObject, d.Object, "compiled BPF object to load")
	flags.String(config.KeyLoader, d.Loader, "BPF loader, libbpfgo or cilium")
	flags.StringP(config.KeyOutput, "o", d.Output, `CSV output file, "-" for stdout`)
	flags.Duration(config.KeyPollInterval, d.PollInterval, "longest wait for a record before flushing output")
	flags.Int(config.KeyPerfBufferPages, d.PerfBufferPages, "perf buffer size per CPU, in pages")
	flags.Int(config.KeyEventChannelSize, d.EventChannelSize, "records buffered between the perf buffer and the writer")
	flags.Int(config.KeyLostChannelSize, d.LostChannelSize, "loss notifications buffered between the perf buffer and the writer")
	flags.String(config.KeyMetricsAddr, d.MetricsAddr, "address to serve Prometheus metrics on, disabled if empty")
	flags.String(config.KeySummary, d.Summary, "file to write a per-process summary to on exit, disabled if empty")
	flags.String(config.KeySummaryFormat, d.SummaryFormat, "summary format, json or yaml")
	flags.BoolP(config.KeyVerbose, "v", d.Verbose, "debug logging to the console")
	cobra.CheckErr(v.BindPFlags(flags))

	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newLogger(verbose bool, runID string) (*zap.Logger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if verbose {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}

	return l.With(zap.String("run_id", runID)), nil
}

func run(ctx context.Context, cfg *config.Config, runID string, logger *zap.Logger) error {
	runner, err := bpf.New(cfg.Loader, cfg.BPFOptions(), logger)
	if err != nil {
		return err
	}

	if err := runner.Run(); err != nil {
		runner.Close()
		return fmt.Errorf("loading BPF: %w", err)
	}
	defer runner.Close()

	sink, err := output.OpenCSVFile(cfg.Output)
	if err != nil {
		return fmt.Errorf("opening output: %w", err)
	}

	m := metrics.New(prometheus.NewRegistry())

	var (
		observers  []consumer.Observer
		aggregator *summary.Aggregator
	)
	if cfg.Summary != "" {
		aggregator = summary.NewAggregator(runID, summary.PSInspector{})
		observers = append(observers, aggregator)
	}

	c := consumer.New(runner,
		event.NewCStructDeserialiser(event.HostByteOrder()),
		sink,
		m,
		cfg.PollInterval,
		logger,
		observers...)

	logger.Info("Recording TCP activity",
		zap.String("output", cfg.Output),
		zap.String("loader", cfg.Loader),
		zap.Duration("pollInterval", cfg.PollInterval))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return m.Serve(gctx, cfg.MetricsAddr, logger)
		})
	}

	runErr := g.Wait()
	if errors.Is(runErr, consumer.ErrSourceClosed) {
		logger.Warn("BPF runner stopped delivering events")
		runErr = nil
	}

	// The consumer may not have run at all if the metrics server failed first
	if err := c.Close(); err != nil && runErr == nil {
		runErr = err
	}

	if aggregator != nil {
		if err := aggregator.WriteFile(cfg.Summary, cfg.SummaryFormat); err != nil {
			logger.Error("Error writing summary", zap.Error(err))
		} else {
			logger.Info("Summary written", zap.String("path", cfg.Summary))
		}
	}

	logger.Info("Shut down")

	return runErr
}
