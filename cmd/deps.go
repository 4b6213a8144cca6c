package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"

	"github.com/FluidXR/questlink/internal/adb"
	"github.com/FluidXR/questlink/internal/config"
)

// adbInstall maps GOOS to the package manager command that provides adb.
var adbInstall = map[string]string{
	"darwin":  "brew install android-platform-tools",
	"linux":   "sudo apt install android-tools-adb",
	"windows": "winget install Google.PlatformTools",
}

var errNoADB = errors.New("the adb server is not running and no adb binary was found; install Android platform tools or set adb.path in the config")

// ensureADB checks that a command which may have to start the adb server
// can do so. A server that already answers needs no local binary.
// Otherwise the launcher must resolve adb; on a terminal the user is
// offered the platform's install command.
func ensureADB(ctx context.Context, s *session, in io.Reader, out io.Writer, interactive bool) error {
	_, err := s.adb.Version(ctx)
	if err == nil {
		return nil
	}
	log.Debug().Err(err).Str("addr", s.cfg.ADBAddr()).Msg("adb server not answering")

	launcher := s.cfg.Launcher()
	path, err := launcher.Resolve()
	if err == nil {
		log.Debug().Str("adb", path).Msg("adb binary found")
		return nil
	}
	if s.cfg.ADB.Path != "" {
		return fmt.Errorf("adb.path in %s: %w", config.ConfigPath(), err)
	}

	install, ok := adbInstall[runtime.GOOS]
	if !ok || !interactive {
		return errNoADB
	}
	fmt.Fprintf(out, "The adb server is not running and adb is not on PATH.\nInstall it with: %s\nRun now? [Y/n] ", install)
	answer, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "", "y", "yes":
	default:
		return errNoADB
	}

	parts := strings.Fields(install)
	c := exec.CommandContext(ctx, parts[0], parts[1:]...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, out, os.Stderr
	if err := c.Run(); err != nil {
		return fmt.Errorf("install adb: %w", err)
	}
	if _, err := launcher.Resolve(); err != nil {
		return fmt.Errorf("adb still missing after install: %w", err)
	}
	return nil
}

// promptNicknames asks for a nickname for every online device the config
// does not know yet. It reports whether cfg changed.
func promptNicknames(devices []adb.DeviceInfo, cfg *config.Config, in io.Reader, out io.Writer) bool {
	reader := bufio.NewReader(in)
	changed := false
	for _, d := range devices {
		if !d.IsOnline() {
			continue
		}
		if _, known := cfg.Devices[d.Serial]; known {
			continue
		}
		model := d.Model
		if model == "" {
			model = "unknown model"
		}
		fmt.Fprintf(out, "\nNew %s device: %s (%s)\nNickname (Enter to skip): ", d.ConnType, d.Serial, model)
		name, _ := reader.ReadString('\n')

		if cfg.Devices == nil {
			cfg.Devices = make(map[string]config.DeviceConfig)
		}
		// Skipped devices are still recorded so they are not asked again.
		cfg.Devices[d.Serial] = config.DeviceConfig{Nickname: strings.TrimSpace(name)}
		changed = true
	}
	return changed
}

// checkNewDevices offers to nickname devices seen for the first time.
func checkNewDevices(ctx context.Context, s *session) {
	if !isInteractive() {
		return
	}
	devices, err := s.adb.Devices(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("skip new device check")
		return
	}
	if !promptNicknames(devices, s.cfg, os.Stdin, os.Stdout) {
		return
	}
	if err := config.Save(s.cfg); err != nil {
		log.Warn().Err(err).Msg("could not save config")
	}
}

func isInteractive() bool {
	return isatty.IsTerminal(os.Stdin.Fd())
}
