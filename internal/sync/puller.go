package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/FluidXR/questlink/internal/adb"
	"github.com/FluidXR/questlink/internal/config"
	"github.com/FluidXR/questlink/internal/manifest"
)

// Puller handles pulling media from Quest devices.
type Puller struct {
	ADB      *adb.Client
	Manifest *manifest.DB
	Config   *config.Config
	Log      zerolog.Logger
}

// PullResult summarizes a pull operation.
type PullResult struct {
	DeviceSerial string
	FilesPulled  int
	FilesSkipped int
	BytesPulled  int64
	Errors       []string
}

// PullAll pulls media from all connected devices at once.
func (p *Puller) PullAll(ctx context.Context) ([]PullResult, error) {
	devices, err := p.ADB.Devices(ctx)
	if err != nil {
		return nil, err
	}
	var online []string
	for _, d := range devices {
		if d.IsOnline() {
			online = append(online, d.Serial)
		}
	}

	results := make([]PullResult, len(online))
	g, gctx := errgroup.WithContext(ctx)
	for i, serial := range online {
		i, serial := i, serial
		g.Go(func() error {
			r, err := p.PullDevice(gctx, serial)
			if err != nil {
				r.Errors = append(r.Errors, err.Error())
			}
			results[i] = r
			return nil
		})
	}
	g.Wait()
	return results, ctx.Err()
}

type remoteFile struct {
	path string
	stat FileStat
}

// PullDevice pulls media from a specific device.
func (p *Puller) PullDevice(ctx context.Context, serial string) (PullResult, error) {
	result := PullResult{DeviceSerial: serial}
	syncDir := p.Config.ExpandSyncDir()
	log := p.Log.With().Str("serial", serial).Logger()

	var svc *Service
	defer func() {
		if svc != nil {
			svc.Close()
		}
	}()
	// A failed transfer closes the session; reopen it for the next file.
	session := func() (*Service, error) {
		if svc != nil && !svc.Closed() {
			return svc, nil
		}
		s, err := Open(ctx, p.ADB.Connector(), serial)
		if err != nil {
			return nil, err
		}
		svc = s
		return svc, nil
	}

	for _, mediaPath := range p.Config.MediaPaths {
		s, err := session()
		if err != nil {
			return result, err
		}
		var files []remoteFile
		err = s.Walk(mediaPath, func(remote string, st FileStat) error {
			if st.IsRegular() {
				files = append(files, remoteFile{path: remote, stat: st})
			}
			return nil
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("list %s: %v", mediaPath, err))
			continue
		}

		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			mtime := f.stat.MTime.Unix()
			pulled, err := p.Manifest.IsPulled(serial, f.path, f.stat.Size, mtime)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("check %s: %v", f.path, err))
				continue
			}
			if pulled {
				result.FilesSkipped++
				continue
			}

			// Determine local path: sync_dir/serial/MediaType/filename
			localDir := filepath.Join(syncDir, serial, mediaTypeFromPath(mediaPath))
			if err := os.MkdirAll(localDir, 0o755); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("mkdir %s: %v", localDir, err))
				continue
			}
			localPath := filepath.Join(localDir, filepath.Base(f.path))

			s, err := session()
			if err != nil {
				return result, err
			}
			fmt.Printf("  Pulling %s -> %s\n", f.path, localPath)
			mon := ContextMonitor(ctx, NewLogMonitor(log))
			if err := s.PullFile(f.path, localPath, mon); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("pull %s: %v", f.path, err))
				continue
			}

			// Preserve original modification time from Quest
			if err := os.Chtimes(localPath, f.stat.MTime, f.stat.MTime); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("chtimes %s: %v", localPath, err))
			}

			if _, err := p.Manifest.RecordPull(serial, f.path, localPath, f.stat.Size, mtime); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", f.path, err))
				continue
			}
			result.FilesPulled++
			result.BytesPulled += f.stat.Size
		}
	}
	return result, nil
}

// mediaTypeFromPath returns a friendly name based on the Quest media path.
func mediaTypeFromPath(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, "videoshots"):
		return "Videos"
	case strings.Contains(lower, "screenshots"):
		return "Screenshots"
	case strings.Contains(lower, "photos"):
		return "Photos"
	default:
		return "Other"
	}
}
