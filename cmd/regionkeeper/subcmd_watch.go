package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gitlab.com/gitlab-org/regionkeeper/internal/config"
	"gitlab.com/gitlab-org/regionkeeper/internal/contract"
	"gitlab.com/gitlab-org/regionkeeper/internal/helper"
	"gitlab.com/gitlab-org/regionkeeper/internal/lineage"
)

const watchCmdName = "watch"

type watchSubcommand struct {
	w    io.Writer
	dump string
}

func newWatchSubcommand(w io.Writer) *watchSubcommand {
	return &watchSubcommand{w: w}
}

func (cmd *watchSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(watchCmdName, flag.ContinueOnError)
	fs.StringVar(&cmd.dump, "dump", "", "path of the table state dump to keep collected")
	fs.Usage = func() {
		printfErr("Description:\n" +
			"	Collects the dump every gc.interval until interrupted and\n" +
			"	writes every change back to it. Metrics are served on\n" +
			"	prometheus_listen_addr when it is set.\n")
		fs.PrintDefaults()
	}
	return fs
}

func (cmd *watchSubcommand) Exec(flags *flag.FlagSet, cfg config.Config) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	var l net.Listener
	if cfg.PrometheusListenAddr != "" {
		var err error
		l, err = net.Listen("tcp", cfg.PrometheusListenAddr)
		if err != nil {
			return fmt.Errorf("prometheus listener: %w", err)
		}
	}

	return cmd.run(context.Background(), cfg, helper.NewTimerTicker(cfg.GC.Interval.Duration()), l)
}

// run keeps the dump collected until ctx is canceled. Metrics are served on l
// unless it is nil. run closes l before returning.
func (cmd *watchSubcommand) run(ctx context.Context, cfg config.Config, ticker helper.Ticker, l net.Listener) error {
	if l != nil {
		defer l.Close()
	}

	d, err := readDump(cmd.dump)
	if err != nil {
		return err
	}

	watcher := contract.NewStateWatcher(d.TableState)
	acks := contract.NewAckTable()
	for _, reported := range d.Acks {
		acks.Record(reported.Contract, reported.Server, reported.Ack)
	}

	proposer := &dumpProposer{watcher: watcher, acks: acks, path: cmd.dump}
	keeper := lineage.NewKeeper(logger, watcher, acks, proposer, cfg.GC.HistogramBuckets)

	registry := prometheus.NewRegistry()
	registry.MustRegister(keeper)

	if l != nil {
		stop := serveMetrics(l, registry)
		defer stop()
	}

	fmt.Fprintf(cmd.w, "Watching %s every %s\n", cmd.dump, cfg.GC.Interval.Duration())

	if err := keeper.Run(ctx, ticker); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	fmt.Fprintf(cmd.w, "Adopted %d and removed %d branches\n", len(proposer.added), len(proposer.removed))
	return nil
}

// serveMetrics serves the metrics of the registry on l. The returned function
// stops the server and waits for it to return.
func serveMetrics(l net.Listener, registry *prometheus.Registry) func() {
	logger.WithField("address", l.Addr().String()).Info("Starting prometheus listener")

	promMux := http.NewServeMux()
	promMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Handler: promMux}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("prometheus listener failed")
		}
	}()

	return func() {
		if err := srv.Close(); err != nil {
			logger.WithError(err).Warn("closing prometheus listener failed")
		}
		<-done
	}
}
