//go:build !windows

package ports

import "golang.org/x/sys/unix"

func processGroup(pid int) (int, bool) {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return 0, false
	}
	return pgid, true
}
