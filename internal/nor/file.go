package nor

import (
	"fmt"
	"os"
	"path/filepath"
)

// ReadImageFile loads a NOR dump from disk.
func ReadImageFile(path string, layout Layout) (*Image, error) {
	// #nosec G304 -- dump paths are operator supplied.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image %q: %w", path, err)
	}
	img, err := NewImage(layout, raw)
	if err != nil {
		return nil, fmt.Errorf("image %q: %w", path, err)
	}

	return img, nil
}

// WriteImageFile stores img at path through a temporary file so a partial
// write never replaces an existing dump.
func WriteImageFile(path string, img *Image) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create image dir: %w", err)
		}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, img.data, 0o600); err != nil {
		return fmt.Errorf("write temp image: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("rename temp image: %w", err)
	}

	return nil
}
