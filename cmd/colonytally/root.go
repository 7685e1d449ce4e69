package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"colonytally/internal/config"
	"colonytally/internal/core"
	"colonytally/internal/journal"
	"colonytally/internal/platform/logger"
)

type rootOptions struct {
	configPath string
	logMode    string
	trace      bool
	metricsOut string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "colonytally",
		Short:         "Maintain denormalized aggregate fields",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "aggregate definitions (default $"+config.EnvAggregates+")")
	root.PersistentFlags().StringVar(&opts.logMode, "log-mode", "", "log mode: prod or dev (default $COLONYTALLY_LOG_MODE)")
	root.PersistentFlags().BoolVar(&opts.trace, "trace", false, "write operation spans as JSON lines to stderr")
	root.PersistentFlags().StringVar(&opts.metricsOut, "metrics-out", "", "write Prometheus metrics to this file on exit")

	root.AddCommand(
		newLoadCmd(opts),
		newPlanCmd(opts),
		newVerifyCmd(opts),
		newRefreshCmd(opts),
	)
	return root
}

// env bundles the service with the resources that must be released after a command.
type env struct {
	svc      *core.Service
	log      *logger.Logger
	registry *prometheus.Registry
	closers  []io.Closer
	opts     *rootOptions
}

// open loads the aggregate config, the store selected by the environment and
// the optional journal.
func open(cmd *cobra.Command, opts *rootOptions) (*env, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	file, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	tracker, err := file.Tracker()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(opts.logMode)
	if err != nil {
		return nil, err
	}
	engine := core.NewRulesEngine()
	engine.Register(core.NewAggregateDriftRule(tracker, file.StrictDrift))
	store, err := core.OpenPersistentStore(engine, tracker)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	e := &env{log: log, registry: prometheus.NewRegistry(), opts: opts}
	if c, ok := store.(io.Closer); ok {
		e.closers = append(e.closers, c)
	}
	svcOpts := []core.Option{
		core.WithLogger(log),
		core.WithMetricsRecorder(core.NewPrometheusMetricsRecorder(e.registry)),
	}
	if opts.trace {
		svcOpts = append(svcOpts, core.WithTracer(core.NewJSONTracer(cmd.ErrOrStderr())))
	}
	j, err := journal.Open(ctx)
	switch {
	case errors.Is(err, journal.ErrDisabled):
	case err != nil:
		e.close()
		return nil, err
	default:
		svcOpts = append(svcOpts, core.WithJournal(j))
	}
	e.svc = core.NewService(store, svcOpts...)
	log.Debug("opened store", "aggregates", len(file.Aggregates), "store", fmt.Sprintf("%T", store))
	return e, nil
}

func (e *env) close() error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	if e.opts != nil && e.opts.metricsOut != "" {
		errs = append(errs, prometheus.WriteToTextfile(e.opts.metricsOut, e.registry))
	}
	e.log.Sync()
	return errors.Join(errs...)
}

// withEnv opens the environment, runs fn and releases it.
func withEnv(cmd *cobra.Command, opts *rootOptions, fn func(*env) error) (err error) {
	e, err := open(cmd, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.close(); err == nil {
			err = cerr
		}
	}()
	return fn(e)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
