package policy

import (
	"os"
	"path/filepath"
)

// AtomicWrite writes content to targetPath via a sibling temp file followed
// by a rename, so a crash or failure never leaves a partially-written file
// visible at targetPath. On any failure the temp file is best-effort removed.
func AtomicWrite(targetPath string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(targetPath)
	tmp, err := os.CreateTemp(dir, ".qcode-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		return err
	}
	tmpPath = ""
	return nil
}
