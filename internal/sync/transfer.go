package sync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// remoteNode is a remote file or directory with its listing resolved.
type remoteNode struct {
	path     string
	stat     FileStat
	children []*remoteNode
}

// weight is the progress cost of the node: 1 for a directory plus its
// contents, the byte size for anything else.
func (n *remoteNode) weight() int64 {
	if !n.stat.IsDir() {
		return n.stat.Size
	}
	w := int64(1)
	for _, c := range n.children {
		w += c.weight()
	}
	return w
}

func (s *Service) resolve(remote string, st FileStat, m ProgressMonitor) (*remoteNode, error) {
	n := &remoteNode{path: remote, stat: st}
	if !st.IsDir() {
		return n, nil
	}
	entries, err := s.List(remote)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if m.IsCanceled() {
			return nil, s.fail(newError(KindCanceled, remote, nil))
		}
		c, err := s.resolve(path.Join(remote, e.Name), e.FileStat, m)
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, c)
	}
	return n, nil
}

// Pull copies each remote path, recursively, into localDir.
func (s *Service) Pull(remotes []string, localDir string, m ProgressMonitor) error {
	if m == nil {
		m = NullMonitor{}
	}
	if err := checkLocalDir(localDir); err != nil {
		return err
	}

	var nodes []*remoteNode
	var total int64
	for _, remote := range remotes {
		st, err := s.statExisting(remote)
		if err != nil {
			return err
		}
		n, err := s.resolve(remote, st, m)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
		total += n.weight()
	}

	m.Start(total)
	defer m.Stop()
	for _, n := range nodes {
		if err := s.pullNode(n, localDir, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) pullNode(n *remoteNode, localDir string, m ProgressMonitor) error {
	if m.IsCanceled() {
		return s.fail(newError(KindCanceled, n.path, nil))
	}
	dest := filepath.Join(localDir, path.Base(n.path))
	m.StartSubTask(n.path)
	if !n.stat.IsDir() {
		return s.pullFile(n.path, dest, m)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return newError(KindFileWriteError, dest, err)
	}
	m.Advance(1)
	for _, c := range n.children {
		if err := s.pullNode(c, dest, m); err != nil {
			return err
		}
	}
	return nil
}

// Push copies each local path, recursively, into remoteDir. Empty
// directories are not created remotely.
func (s *Service) Push(locals []string, remoteDir string, m ProgressMonitor) error {
	if m == nil {
		m = NullMonitor{}
	}
	st, err := s.Stat(remoteDir)
	if err != nil {
		return err
	}
	if st.Exists() && !st.IsDir() {
		return newError(KindRemoteIsFile, remoteDir, nil)
	}

	var total int64
	for _, local := range locals {
		w, err := localWeight(local)
		if err != nil {
			return err
		}
		total += w
	}

	m.Start(total)
	defer m.Stop()
	for _, local := range locals {
		if err := s.pushEntry(local, remoteDir, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) pushEntry(local, remoteDir string, m ProgressMonitor) error {
	if m.IsCanceled() {
		return s.fail(newError(KindCanceled, local, nil))
	}
	fi, err := os.Stat(local)
	if err != nil {
		return localStatError(local, err)
	}
	remote := path.Join(remoteDir, filepath.Base(local))
	m.StartSubTask(local)
	if !fi.IsDir() {
		return s.pushFile(local, fi, remote, m)
	}
	m.Advance(1)
	entries, err := os.ReadDir(local)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", local, err)
	}
	for _, e := range entries {
		if err := s.pushEntry(filepath.Join(local, e.Name()), remote, m); err != nil {
			return err
		}
	}
	return nil
}

func localWeight(local string) (int64, error) {
	if _, err := os.Stat(local); err != nil {
		return 0, localStatError(local, err)
	}
	var total int64
	err := filepath.WalkDir(local, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			total++
			return nil
		}
		fi, err := os.Stat(p)
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk %s: %w", local, err)
	}
	return total, nil
}

func localStatError(local string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return newError(KindNoLocalFile, local, nil)
	}
	return fmt.Errorf("stat %s: %w", local, err)
}

func checkLocalDir(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newError(KindNoDirTarget, dir, nil)
		}
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if !fi.IsDir() {
		return newError(KindTargetIsFile, dir, nil)
	}
	return nil
}
