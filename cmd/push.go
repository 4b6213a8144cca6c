package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/FluidXR/questlink/internal/sync"
)

var (
	pushDevice string
	pushTo     string
	pushForce  bool
)

var pushCmd = &cobra.Command{
	Use:   "push <local>...",
	Short: "Upload local files to a Quest",
	Long: `Copies files and directories, recursively, into --to on the device
(default: the configured push_dir). Files already pushed with the same size
and modification time are skipped unless --force is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(nil)
		if err != nil {
			return err
		}
		defer s.Close()
		ctx := cmd.Context()

		serial, err := s.pickSerial(ctx, pushDevice)
		if err != nil {
			return err
		}
		db, err := s.manifest()
		if err != nil {
			return err
		}
		pusher := &sync.Pusher{
			ADB:      s.adb,
			Manifest: db,
			Config:   s.cfg,
			Log:      log.Logger,
			Force:    pushForce,
		}

		fmt.Printf("Pushing to device %s...\n", serial)
		r, err := pusher.PushDevice(ctx, serial, args, pushTo)
		if err != nil {
			return err
		}
		fmt.Printf("\nDevice: %s\n", r.DeviceSerial)
		fmt.Printf("  Pushed: %d files\n", r.FilesPushed)
		fmt.Printf("  Skipped: %d files\n", r.FilesSkipped)
		for _, e := range r.Errors {
			fmt.Fprintf(os.Stderr, "  Error: %s\n", e)
		}
		return nil
	},
}

func init() {
	pushCmd.Flags().StringVarP(&pushDevice, "device", "d", "", "Device serial or nickname (default: the only connected device)")
	pushCmd.Flags().StringVar(&pushTo, "to", "", "Remote directory (default: push_dir from config)")
	pushCmd.Flags().BoolVar(&pushForce, "force", false, "Push files even if the manifest says they are on the device")
	rootCmd.AddCommand(pushCmd)
}
