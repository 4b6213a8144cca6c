package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/FluidXR/questlink/internal/sync"
)

var (
	pullDevice string
	pullTo     string
)

var pullCmd = &cobra.Command{
	Use:   "pull [remote...]",
	Short: "Pull media from Quest(s) to local sync directory",
	Long: `Without arguments, pulls new files under the configured media paths from
every connected device (or the one given with -d) into the sync directory.
With remote paths, copies them recursively into --to.`,
	PersistentPreRunE: requireDeps(),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(nil)
		if err != nil {
			return err
		}
		defer s.Close()
		ctx := cmd.Context()

		if len(args) > 0 {
			serial, err := s.pickSerial(ctx, pullDevice)
			if err != nil {
				return err
			}
			svc, err := sync.Open(ctx, s.adb.Connector(), serial)
			if err != nil {
				return err
			}
			defer svc.Close()
			mon := sync.ContextMonitor(ctx, sync.NewLogMonitor(log.Logger))
			if err := svc.Pull(args, pullTo, mon); err != nil {
				return err
			}
			fmt.Printf("Pulled %d path(s) into %s\n", len(args), pullTo)
			return nil
		}

		db, err := s.manifest()
		if err != nil {
			return err
		}
		puller := &sync.Puller{
			ADB:      s.adb,
			Manifest: db,
			Config:   s.cfg,
			Log:      log.Logger,
		}

		if pullDevice != "" {
			serial := s.cfg.ResolveSerial(pullDevice)
			fmt.Printf("Pulling media from device %s...\n", serial)
			result, err := puller.PullDevice(ctx, serial)
			if err != nil {
				return err
			}
			printPullResult(result)
			return nil
		}

		fmt.Println("Pulling media from all connected devices...")
		results, err := puller.PullAll(ctx)
		for _, r := range results {
			printPullResult(r)
		}
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No connected devices found.")
		}
		return nil
	},
}

func printPullResult(r sync.PullResult) {
	fmt.Printf("\nDevice: %s\n", r.DeviceSerial)
	fmt.Printf("  Pulled: %d files\n", r.FilesPulled)
	fmt.Printf("  Skipped: %d files (already synced)\n", r.FilesSkipped)
	for _, e := range r.Errors {
		fmt.Fprintf(os.Stderr, "  Error: %s\n", e)
	}
}

func init() {
	pullCmd.Flags().StringVarP(&pullDevice, "device", "d", "", "Device serial or nickname to pull from (default: all)")
	pullCmd.Flags().StringVar(&pullTo, "to", ".", "Local directory for explicit remote paths")
	rootCmd.AddCommand(pullCmd)
}
