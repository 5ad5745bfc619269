//go:build !windows

package ports

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessLineage_ReportsGroupAndParents(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	rel := ProcessLineage{}.Related(context.Background(), cmd.Process.Pid)
	assert.Contains(t, rel, os.Getpid())
	assert.NotContains(t, rel, cmd.Process.Pid, "own group is not reported")
}

func TestProcessLineage_UnknownPID(t *testing.T) {
	assert.Empty(t, ProcessLineage{}.Related(context.Background(), 1<<22+7))
}
