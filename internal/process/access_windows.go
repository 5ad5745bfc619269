//go:build windows

package process

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Windows has no execute bit; an .exe suffix is what makes the file runnable.
func checkExecutable(path string) error {
	if !strings.EqualFold(filepath.Ext(path), ".exe") {
		return fmt.Errorf("%s has no .exe suffix", filepath.Base(path))
	}
	return nil
}
