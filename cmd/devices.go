package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/table"
	"github.com/spf13/cobra"

	"github.com/FluidXR/questlink/internal/adb"
	"github.com/FluidXR/questlink/internal/config"
	"github.com/FluidXR/questlink/internal/manifest"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List connected Quests and their sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(nil)
		if err != nil {
			return err
		}
		defer s.Close()

		devices, err := s.adb.Devices(cmd.Context())
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No devices connected.")
			return nil
		}

		db, err := s.manifest()
		if err != nil {
			return err
		}
		fmt.Println(renderDeviceTable(devices, s.cfg, db))
		return nil
	},
}

// renderDeviceTable formats devices with their nickname and manifest
// counters.
func renderDeviceTable(devices []adb.DeviceInfo, cfg *config.Config, db *manifest.DB) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Serial", "Nickname", "Model", "Conn", "State", "Pulled", "Pulled bytes", "Pushed"})

	for _, d := range devices {
		nickname := cfg.Devices[d.Serial].Nickname
		row := table.Row{d.Serial, nickname, d.Model, d.ConnType, d.State}
		stats, err := db.GetDeviceStats(d.Serial)
		if err == nil {
			row = append(row, stats.PulledFiles, humanize.IBytes(uint64(stats.PulledBytes)), stats.PushedFiles)
		} else {
			row = append(row, "-", "-", "-")
		}
		t.AppendRow(row)
	}
	return t.Render()
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
