package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Swind/go-load-scheduler/config"
	"github.com/Swind/go-load-scheduler/core"
	"github.com/Swind/go-load-scheduler/internal/sim"
	"github.com/Swind/go-load-scheduler/internal/statusapi"
	"github.com/Swind/go-load-scheduler/internal/tracestore"
	promexp "github.com/Swind/go-load-scheduler/observability/prometheus"
)

type runOptions struct {
	configPath   string
	scenarioPath string
	recordPath   string
	metricsAddr  string
	output       string
	kinds        []string
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay a scenario against a frame in virtual time",
		Long: `Replay a scenario against a frame in virtual time and print the timeline.

With --record the timeline is stored for "loadsim trace". With --metrics-addr
(or [metrics] enabled in the config) the run's metrics and final state stay
available over HTTP until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runScenario(ctx, cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "config file (defaults when empty)")
	f.StringVarP(&opts.scenarioPath, "scenario", "s", "", "scenario YAML file")
	f.StringVar(&opts.recordPath, "record", "", "store the timeline in this trace database")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /status on this address after the run")
	f.StringVarP(&opts.output, "output", "o", "table", "timeline format: table, json or yaml")
	f.StringSliceVar(&opts.kinds, "kind", nil, "only print events of these kinds")
	cmd.MarkFlagRequired("scenario")
	return cmd
}

func runScenario(ctx context.Context, out io.Writer, opts runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	sc, err := sim.LoadFile(opts.scenarioPath)
	if err != nil {
		return err
	}

	reg := prom.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exporter, err := promexp.NewMetricsExporter("", reg, promexp.ExporterOptions{})
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	recordedAt := time.Now()
	res, err := sim.Run(ctx, sc, sim.Options{Config: &cfg, Logger: logger, Metrics: exporter})
	if err != nil {
		return err
	}
	if err := printResult(out, res, opts.output, opts.kinds); err != nil {
		return err
	}

	var store *tracestore.Store
	if opts.recordPath != "" {
		store, err = tracestore.Open(opts.recordPath)
		if err != nil {
			return err
		}
		defer store.Close()
		run, err := store.RecordRun(ctx, sc.Name, recordedAt, res.Duration, toTraceEvents(res.Events))
		if err != nil {
			return fmt.Errorf("record run: %w", err)
		}
		fmt.Fprintf(out, "recorded run %s\n", run.ID)
	}

	addr := opts.metricsAddr
	if addr == "" && cfg.Metrics.Enabled {
		addr = cfg.Metrics.Addr
	}
	if addr == "" {
		return nil
	}
	return serve(ctx, addr, reg, sc.Name, res, store, logger)
}

func serve(ctx context.Context, addr string, reg *prom.Registry, name string, res *sim.Result, store *tracestore.Store, logger core.Logger) error {
	api := statusapi.New(reg, logger)
	api.SetResult(res)
	if store != nil {
		api.SetStore(store)
	}

	poller, err := promexp.NewSnapshotPoller("", reg, 5*time.Second)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	poller.AddLoader(name, api)
	poller.AddThrottler(name, api)
	poller.Start(ctx)
	defer poller.Stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving status", core.F("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func printResult(out io.Writer, res *sim.Result, format string, kinds []string) error {
	events := filterKinds(res.Events, kinds)
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(withEvents(res, events))
	case "yaml":
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(withEvents(res, events))
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tKIND\tCLIENT\tID\tPRIORITY\tOPTION\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(w, "%v\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.At, e.Kind, dash(e.Client), idString(uint64(e.ClientID)), dash(e.Priority), dash(e.Option), e.Detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%s: %d events over %v, policy %s, %d running, %d pending\n",
		res.Scenario, len(res.Events), res.Duration, res.Loader.Policy, res.Loader.Running,
		len(res.Loader.PendingThrottleable)+len(res.Loader.PendingStoppable))
	return nil
}

func withEvents(res *sim.Result, events []sim.Event) *sim.Result {
	cp := *res
	cp.Events = events
	return &cp
}

func filterKinds(events []sim.Event, kinds []string) []sim.Event {
	if len(kinds) == 0 {
		return events
	}
	keep := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		keep[k] = true
	}
	var out []sim.Event
	for _, e := range events {
		if keep[e.Kind] {
			out = append(out, e)
		}
	}
	return out
}

func toTraceEvents(events []sim.Event) []tracestore.Event {
	out := make([]tracestore.Event, 0, len(events))
	for _, e := range events {
		out = append(out, tracestore.Event{
			At:       e.At,
			Kind:     e.Kind,
			Client:   e.Client,
			ClientID: uint64(e.ClientID),
			Priority: e.Priority,
			Option:   e.Option,
			Detail:   e.Detail,
		})
	}
	return out
}
