package cmd

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/FluidXR/questlink/internal/config"
)

const wirelessPort = 5555

var connectCmd = &cobra.Command{
	Use:   "connect <serial|nickname|ip[:port]>",
	Short: "Connect to a Quest over WiFi",
	Long: `Asks the adb server to connect to a wireless device. A serial or nickname
is looked up in the config and its wifi_ip is used.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(nil)
		if err != nil {
			return err
		}
		defer s.Close()

		ip, port, err := resolveWirelessAddr(s.cfg.Devices, s.cfg.ResolveSerial(args[0]), args[0])
		if err != nil {
			return err
		}
		if err := s.adb.Connect(cmd.Context(), ip, port); err != nil {
			return err
		}
		fmt.Printf("Connected to %s\n", net.JoinHostPort(ip, strconv.Itoa(port)))
		return nil
	},
}

// resolveWirelessAddr returns the configured wifi IP for a known serial,
// or parses arg as ip[:port].
func resolveWirelessAddr(devices map[string]config.DeviceConfig, serial, arg string) (string, int, error) {
	if dc, ok := devices[serial]; ok {
		ip := dc.WiFiIP
		if ip == "" {
			return "", 0, fmt.Errorf("no wifi_ip configured for %s; run 'questlink config set-wifi'", serial)
		}
		return ip, wirelessPort, nil
	}
	host, p, err := net.SplitHostPort(arg)
	if err != nil {
		return arg, wirelessPort, nil
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("bad port in %q", arg)
	}
	return host, port, nil
}

func init() {
	rootCmd.AddCommand(connectCmd)
}
