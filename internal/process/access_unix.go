//go:build !windows

package process

import "golang.org/x/sys/unix"

// checkExecutable asks the kernel whether the current user may execute path.
func checkExecutable(path string) error {
	return unix.Access(path, unix.X_OK)
}
