package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/FluidXR/questlink/internal/monitor"
)

var (
	trackClients     bool
	trackMetricsAddr string
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Watch devices (and debuggable processes) come and go",
	Long: `Tracks devices through the adb server, reconnecting and restarting the
server when it goes away. With --clients, also tracks JDWP processes and
gives each one a local debugger port.`,
	PersistentPreRunE: requireDeps(),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())

		s, err := newSession(reg)
		if err != nil {
			return err
		}
		defer s.Close()

		opts := s.cfg.MonitorOptions(&log.Logger)
		if cmd.Flags().Changed("clients") {
			opts.ClientSupport = trackClients
		}
		opts.Registerer = reg
		mon := monitor.New(s.adb.Connector(), s.cfg.Launcher(), opts)

		events, unsubscribe := mon.Subscribe(64)
		defer unsubscribe()

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error { return mon.Run(ctx) })
		if trackMetricsAddr != "" {
			g.Go(func() error { return serveMetrics(ctx, trackMetricsAddr, reg) })
		}
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					printEvent(s.cfg.Devices[ev.Serial].Nickname, ev)
				}
			}
		})

		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func printEvent(nickname string, ev monitor.Event) {
	name := ev.Serial
	if nickname != "" {
		name = fmt.Sprintf("%s (%s)", ev.Serial, nickname)
	}
	ts := time.Now().Format("15:04:05")
	switch ev.Kind {
	case monitor.DeviceConnected:
		fmt.Printf("%s  + %s [%s]\n", ts, name, ev.State)
	case monitor.DeviceDisconnected:
		fmt.Printf("%s  - %s\n", ts, name)
	case monitor.DeviceChanged:
		fmt.Printf("%s  ~ %s [%s -> %s]\n", ts, name, ev.OldState, ev.State)
	case monitor.ClientAdded:
		fmt.Printf("%s    + pid %d on %s, debugger port %d (%s)\n", ts, ev.Client.Pid, name, ev.Client.Port, ev.Client.Status)
	case monitor.ClientRemoved:
		fmt.Printf("%s    - pid %d on %s\n", ts, ev.Client.Pid, name)
	case monitor.ClientChanged:
		fmt.Printf("%s    ~ pid %d on %s: debugger %s\n", ts, ev.Client.Pid, name, ev.Client.Debugger)
	}
}

// serveMetrics exposes reg on /metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func init() {
	trackCmd.Flags().BoolVar(&trackClients, "clients", false, "Track debuggable processes (default from config)")
	trackCmd.Flags().StringVar(&trackMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9105")
	rootCmd.AddCommand(trackCmd)
}
