//go:build windows

package ports

// Windows has no process groups in the POSIX sense; the parent walk covers it.
func processGroup(int) (int, bool) { return 0, false }
