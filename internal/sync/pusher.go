package sync

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/FluidXR/questlink/internal/adb"
	"github.com/FluidXR/questlink/internal/config"
	"github.com/FluidXR/questlink/internal/manifest"
)

// Pusher handles uploading local files to a Quest device.
type Pusher struct {
	ADB      *adb.Client
	Manifest *manifest.DB
	Config   *config.Config
	Log      zerolog.Logger
	// Force pushes files the manifest says are already on the device.
	Force bool
}

// PushResult summarizes a push operation.
type PushResult struct {
	DeviceSerial string
	FilesPushed  int
	FilesSkipped int
	BytesPushed  int64
	Errors       []string
}

type localFile struct {
	local  string
	remote string
	fi     fs.FileInfo
}

// PushDevice copies each local path, recursively, into remoteDir on the
// device. An empty remoteDir means the configured push_dir.
func (p *Pusher) PushDevice(ctx context.Context, serial string, locals []string, remoteDir string) (PushResult, error) {
	result := PushResult{DeviceSerial: serial}
	if remoteDir == "" {
		remoteDir = p.Config.PushDir
	}
	log := p.Log.With().Str("serial", serial).Logger()

	var files []localFile
	for _, local := range locals {
		found, err := collectLocal(local, remoteDir)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		return result, nil
	}

	svc, err := Open(ctx, p.ADB.Connector(), serial)
	if err != nil {
		return result, err
	}
	defer func() { svc.Close() }()

	st, err := svc.Stat(remoteDir)
	if err != nil {
		return result, err
	}
	if st.Exists() && !st.IsDir() {
		return result, newError(KindRemoteIsFile, remoteDir, nil)
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		size, mtime := f.fi.Size(), f.fi.ModTime().Unix()
		if !p.Force {
			pushed, err := p.Manifest.IsPushed(serial, f.remote, size, mtime)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("check %s: %v", f.local, err))
				continue
			}
			if pushed {
				result.FilesSkipped++
				continue
			}
		}

		if svc.Closed() {
			if svc, err = Open(ctx, p.ADB.Connector(), serial); err != nil {
				return result, err
			}
		}
		fmt.Printf("  Pushing %s -> %s\n", f.local, f.remote)
		mon := ContextMonitor(ctx, NewLogMonitor(log))
		mon.Start(size)
		mon.StartSubTask(f.local)
		err := svc.pushFile(f.local, f.fi, f.remote, mon)
		mon.Stop()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("push %s: %v", f.local, err))
			continue
		}
		if err := p.Manifest.RecordPush(serial, f.local, f.remote, size, mtime); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", f.local, err))
			continue
		}
		result.FilesPushed++
		result.BytesPushed += size
	}
	return result, nil
}

// collectLocal lists the regular files under local with the remote path
// each one is pushed to.
func collectLocal(local, remoteDir string) ([]localFile, error) {
	base := filepath.Dir(local)
	var files []localFile
	err := filepath.WalkDir(local, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		files = append(files, localFile{local: p, remote: path.Join(remoteDir, filepath.ToSlash(rel)), fi: fi})
		return nil
	})
	if err != nil {
		return nil, localStatError(local, err)
	}
	return files, nil
}
