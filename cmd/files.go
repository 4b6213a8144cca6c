package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/table"
	"github.com/spf13/cobra"

	"github.com/FluidXR/questlink/internal/sync"
)

var fileDevice string

// pickSerial resolves a -d flag, or picks the only online device.
func (s *session) pickSerial(ctx context.Context, flag string) (string, error) {
	if flag != "" {
		return s.cfg.ResolveSerial(flag), nil
	}
	devices, err := s.adb.Devices(ctx)
	if err != nil {
		return "", err
	}
	var online []string
	for _, d := range devices {
		if d.IsOnline() {
			online = append(online, d.Serial)
		}
	}
	switch len(online) {
	case 0:
		return "", fmt.Errorf("no connected devices found")
	case 1:
		return online[0], nil
	default:
		return "", fmt.Errorf("%d devices connected; choose one with -d", len(online))
	}
}

// withSync runs fn against a sync session on the selected device.
func withSync(cmd *cobra.Command, fn func(svc *sync.Service) error) error {
	s, err := newSession(nil)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := cmd.Context()
	serial, err := s.pickSerial(ctx, fileDevice)
	if err != nil {
		return err
	}
	svc, err := sync.Open(ctx, s.adb.Connector(), serial)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(svc)
}

var statCmd = &cobra.Command{
	Use:   "stat <remote>",
	Short: "Show mode, size and modification time of a remote path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSync(cmd, func(svc *sync.Service) error {
			st, err := svc.Stat(args[0])
			if err != nil {
				return err
			}
			if !st.Exists() {
				return fmt.Errorf("%s: no such file or directory", args[0])
			}
			fmt.Printf("%s  %s  %d  %s\n", st.FileMode(), args[0], st.Size, st.MTime.Format("2006-01-02 15:04:05"))
			return nil
		})
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls <remote>",
	Short: "List a remote directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSync(cmd, func(svc *sync.Service) error {
			entries, err := svc.List(args[0])
			if err != nil {
				return err
			}
			fmt.Println(renderListing(entries))
			return nil
		})
	},
}

func renderListing(entries []sync.DirEntry) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Mode", "Size", "Modified", "Name"})
	for _, e := range entries {
		t.AppendRow(table.Row{
			e.FileMode(),
			humanize.IBytes(uint64(e.Size)),
			e.MTime.Format("2006-01-02 15:04"),
			e.Name,
		})
	}
	return t.Render()
}

var compareCmd = &cobra.Command{
	Use:   "compare <local> <remote>",
	Short: "Check whether a remote file has the same bytes as a local one",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open %s: %w", args[0], err)
		}
		defer f.Close()
		return withSync(cmd, func(svc *sync.Service) error {
			same, err := svc.CompareStream(args[1], f)
			if err != nil {
				return err
			}
			if !same {
				return fmt.Errorf("%s and %s differ", args[0], args[1])
			}
			fmt.Println("identical")
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{statCmd, lsCmd, compareCmd} {
		c.Flags().StringVarP(&fileDevice, "device", "d", "", "Device serial or nickname (default: the only connected device)")
		rootCmd.AddCommand(c)
	}
}
