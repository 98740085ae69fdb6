package blob

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Local is a filesystem-backed Store rooted at a base directory. Blob
// names use forward slashes regardless of platform.
type Local struct {
	root string
}

// NewLocal creates a local store rooted at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create blob root %s", dir)
	}
	return &Local{root: dir}, nil
}

// Root returns the base directory.
func (l *Local) Root() string { return l.root }

func (l *Local) path(name string) string {
	return filepath.Join(l.root, filepath.FromSlash(name))
}

func (l *Local) Create(name string) (io.WriteCloser, error) {
	p := l.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create parent of %s", name)
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, errors.Wrapf(err, "create blob %s", name)
	}
	return f, nil
}

func (l *Local) Append(name string) (io.WriteCloser, error) {
	p := l.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create parent of %s", name)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "append blob %s", name)
	}
	return f, nil
}

func (l *Local) Open(name string) (io.ReadCloser, error) {
	f, err := os.Open(l.path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "open blob %s", name)
	}
	return f, nil
}

func (l *Local) List(prefix string) ([]string, error) {
	base := l.path(prefix)
	var names []string
	err := filepath.Walk(base, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "list %s", prefix)
	}
	sort.Strings(names)
	return names, nil
}

func (l *Local) Rename(oldName, newName string) error {
	dst := l.path(newName)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "create parent of %s", newName)
	}
	if err := os.Rename(l.path(oldName), dst); err != nil {
		return errors.Wrapf(err, "rename %s to %s", oldName, newName)
	}
	return nil
}

func (l *Local) Delete(name string) error {
	if err := os.RemoveAll(l.path(name)); err != nil {
		return errors.Wrapf(err, "delete %s", name)
	}
	return nil
}

func (l *Local) Exists(name string) (bool, error) {
	_, err := os.Stat(l.path(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "stat %s", name)
}
