package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/FluidXR/questlink/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage questlink configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		fmt.Printf("Config file: %s\n\n", config.ConfigPath())
		fmt.Printf("ADB server: %s\n", cfg.ADBAddr())
		fmt.Printf("Client tracking: %v (debugger ports from %d)\n", cfg.Tracking.ClientSupport, cfg.Tracking.DebugPortBase)
		fmt.Printf("Proxy: %s", cfg.Proxy.Listen)
		if len(cfg.Proxy.Allow) > 0 {
			fmt.Printf(" (allow: %s)", strings.Join(cfg.Proxy.Allow, ", "))
		}
		fmt.Println()
		fmt.Printf("Sync directory: %s\n", cfg.SyncDir)
		fmt.Printf("Push directory: %s\n", cfg.PushDir)
		fmt.Printf("Media paths:\n")
		for _, p := range cfg.MediaPaths {
			fmt.Printf("  - %s\n", p)
		}
		fmt.Printf("\nDevices:\n")
		if len(cfg.Devices) == 0 {
			fmt.Println("  (none configured)")
		}
		serials := make([]string, 0, len(cfg.Devices))
		for serial := range cfg.Devices {
			serials = append(serials, serial)
		}
		sort.Strings(serials)
		for _, serial := range serials {
			dc := cfg.Devices[serial]
			fmt.Printf("  - %s", serial)
			if dc.Nickname != "" {
				fmt.Printf(" (%s)", dc.Nickname)
			}
			if dc.WiFiIP != "" {
				fmt.Printf(" [wifi: %s]", dc.WiFiIP)
			}
			fmt.Println()
		}
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()
		if err := config.Save(cfg); err != nil {
			return err
		}
		fmt.Printf("Config created at %s\n", config.ConfigPath())
		return nil
	},
}

var configNicknameCmd = &cobra.Command{
	Use:   "nickname <serial> <name>",
	Short: "Set a nickname for a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		serial := args[0]
		name := args[1]

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		dc := cfg.Devices[serial]
		dc.Nickname = name
		cfg.Devices[serial] = dc
		if err := config.Save(cfg); err != nil {
			return err
		}
		fmt.Printf("Set nickname for %s: %s\n", serial, name)
		return nil
	},
}

var configSetWiFiCmd = &cobra.Command{
	Use:   "set-wifi <serial> <ip>",
	Short: "Set WiFi IP for a device (for wireless ADB)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		serial := args[0]
		ip := args[1]

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		dc := cfg.Devices[serial]
		dc.WiFiIP = ip
		cfg.Devices[serial] = dc
		if err := config.Save(cfg); err != nil {
			return err
		}
		fmt.Printf("Set WiFi IP for %s: %s\n", serial, ip)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configNicknameCmd)
	configCmd.AddCommand(configSetWiFiCmd)
	rootCmd.AddCommand(configCmd)
}
