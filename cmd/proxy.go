package cmd

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/FluidXR/questlink/internal/proxy"
)

var (
	proxyListen      string
	proxyAllow       []string
	proxyMetricsAddr string
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Serve an adb endpoint that only exposes selected devices",
	Long: `Listens for adb clients and relays them to the adb server. Device
sessions (host:transport and host-serial) are forwarded only for allowed
devices, and host:track-devices lists only allowed devices. Other requests
are refused.

Point a client at it with ADB_SERVER_SOCKET=tcp:127.0.0.1:5038, or
adb -P 5038.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := prometheus.NewRegistry()
		s, err := newSession(reg)
		if err != nil {
			return err
		}
		defer s.Close()

		addr := s.cfg.Proxy.Listen
		if cmd.Flags().Changed("listen") {
			addr = proxyListen
		}
		opts := s.cfg.ProxyOptions(proxyAllow, &log.Logger)
		opts.Registerer = reg
		srv := proxy.New(s.adb.Connector(), opts)

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error { return srv.ListenAndServe(ctx, addr) })
		if proxyMetricsAddr != "" {
			g.Go(func() error { return serveMetrics(ctx, proxyMetricsAddr, reg) })
		}
		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	proxyCmd.Flags().StringVar(&proxyListen, "listen", proxy.DefaultAddr, "Address to listen on (default from config)")
	proxyCmd.Flags().StringSliceVar(&proxyAllow, "allow", nil, "Serial or nickname to expose; repeatable (default: proxy.allow, else every configured device)")
	proxyCmd.Flags().StringVar(&proxyMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.AddCommand(proxyCmd)
}
