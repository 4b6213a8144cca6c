package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Show the adb server's protocol version",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(nil)
		if err != nil {
			return err
		}
		defer s.Close()
		v, err := s.adb.Version(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("adb server at %s, protocol version %d\n", s.cfg.ADBAddr(), v)
		return nil
	},
}

var serverStartCmd = &cobra.Command{
	Use:               "start",
	Short:             "Start the adb server",
	PersistentPreRunE: requireDeps(),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(nil)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.cfg.Launcher().StartServer(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("adb server started")
		return nil
	},
}

var serverKillCmd = &cobra.Command{
	Use:   "kill",
	Short: "Stop the adb server",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(nil)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.adb.KillServer(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("adb server stopped")
		return nil
	},
}

func init() {
	serverCmd.AddCommand(serverStartCmd)
	serverCmd.AddCommand(serverKillCmd)
	rootCmd.AddCommand(serverCmd)
}
