package reconcile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// writeFileAtomic replaces the file at path with data so that a concurrent reader or a crash sees either the old
// or the new content, never a partial file. The old content is kept at path + ".bak".
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()
	defer func() {
		if err != nil {
			if f != nil {
				f.Close()
			}
			os.Remove(tmpPath)
		}
	}()
	_, err = f.Write(data)
	if err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	err = f.Chmod(0o600)
	if err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	err = f.Sync()
	if err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	err = f.Close()
	f = nil
	if err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	old, err := os.ReadFile(path)
	switch {
	case err == nil:
		err = os.WriteFile(path+".bak", old, 0o600)
		if err != nil {
			return fmt.Errorf("write backup: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
		err = nil
	default:
		return fmt.Errorf("read previous file: %w", err)
	}

	err = os.Rename(tmpPath, path)
	if err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return syncDir(dir)
}

// syncDir makes a rename in dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	err = d.Sync()
	if err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}
