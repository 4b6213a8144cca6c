package adb

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ServerLauncher starts the adb server by running the adb binary.
type ServerLauncher struct {
	// Path to adb; looked up on PATH when empty.
	Path string
	// Port the server should listen on; 0 keeps adb's default.
	Port int
	Log  *zerolog.Logger
}

// Resolve returns the adb binary StartServer would run.
func (l *ServerLauncher) Resolve() (string, error) {
	name := l.Path
	if name == "" {
		name = "adb"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("find adb: %w", err)
	}
	return path, nil
}

// StartServer runs `adb start-server` and waits for it to return.
func (l *ServerLauncher) StartServer(ctx context.Context) error {
	logger := log.Logger
	if l.Log != nil {
		logger = *l.Log
	}
	path, err := l.Resolve()
	if err != nil {
		return err
	}
	var args []string
	if l.Port > 0 {
		args = append(args, "-P", strconv.Itoa(l.Port))
	}
	args = append(args, "start-server")

	logger.Info().Str("adb", path).Msg("starting adb server")
	out, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("adb start-server: %w\n%s", err, out)
	}
	return nil
}
