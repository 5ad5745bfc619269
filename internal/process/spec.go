package process

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Defaults for the packaged backend.
const (
	DefaultName          = "smartsearch-backend"
	DefaultModulePathVar = "PYTHONPATH"
	DefaultGracePeriod   = 2 * time.Second
	DefaultWaitDelay     = time.Second
)

// Spec describes the backend to launch. The executable location is derived from
// the packaged-resources directory plus a fixed layout:
//
//	{ResourcesDir}/backend/{Name}/{Name}[.exe]
type Spec struct {
	Name          string        `json:"name" mapstructure:"name"`
	ResourcesDir  string        `json:"resources_dir" mapstructure:"resources_dir"`
	Args          []string      `json:"args" mapstructure:"args"`
	ModulePathVar string        `json:"module_path_var" mapstructure:"module_path_var"` // pointed at the bundle dir
	Env           []string      `json:"env" mapstructure:"env"`                         // extra K=V overlay
	GracePeriod   time.Duration `json:"grace_period" mapstructure:"grace_period"`       // SIGTERM -> SIGKILL
	WaitDelay     time.Duration `json:"wait_delay" mapstructure:"wait_delay"`           // bound on output draining after exit
	GOOS          string        `json:"-" mapstructure:"-"`                             // defaults to runtime.GOOS
}

func (s Spec) name() string {
	if s.Name == "" {
		return DefaultName
	}
	return s.Name
}

func (s Spec) goos() string {
	if s.GOOS == "" {
		return runtime.GOOS
	}
	return s.GOOS
}

// BundleDir is the directory the backend runs in and resolves its resources from.
func (s Spec) BundleDir() string {
	return filepath.Join(s.ResourcesDir, "backend", s.name())
}

// Executable is the resolved path of the backend binary.
func (s Spec) Executable() string {
	bin := s.name()
	if s.goos() == "windows" {
		bin += ".exe"
	}
	return filepath.Join(s.BundleDir(), bin)
}

func (s Spec) gracePeriod() time.Duration {
	if s.GracePeriod <= 0 {
		return DefaultGracePeriod
	}
	return s.GracePeriod
}

func (s Spec) waitDelay() time.Duration {
	if s.WaitDelay <= 0 {
		return DefaultWaitDelay
	}
	return s.WaitDelay
}

// overlay is the per-backend environment: the configured extras, then the
// module-search variable pointed at the bundle dir.
func (s Spec) overlay() []string {
	v := s.ModulePathVar
	if v == "" {
		v = DefaultModulePathVar
	}
	out := make([]string, 0, len(s.Env)+1)
	out = append(out, s.Env...)
	return append(out, v+"="+s.BundleDir())
}

// Validate checks the static shape of the spec. Whether the binary exists is
// decided at Start.
func (s Spec) Validate() error {
	if s.ResourcesDir == "" {
		return errors.New("resources_dir is required")
	}
	if strings.ContainsAny(s.name(), `/\`) || s.name() == "." || s.name() == ".." {
		return fmt.Errorf("invalid backend name %q", s.name())
	}
	for _, kv := range s.Env {
		if i := strings.IndexByte(kv, '='); i <= 0 {
			return fmt.Errorf("invalid env entry %q: want KEY=VALUE", kv)
		}
	}
	return nil
}
