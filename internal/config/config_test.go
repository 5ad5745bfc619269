package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/sidecar/internal/health"
	"github.com/loykin/sidecar/internal/ports"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "smartsearch-backend", c.Backend.Name)
	assert.Equal(t, "PYTHONPATH", c.Backend.ModulePathVar)
	assert.Equal(t, 2*time.Second, c.Backend.GracePeriod)
	assert.Equal(t, []int{8001, 3000}, c.Ports.List())
	assert.Equal(t, ports.DefaultPattern, c.Ports.Pattern)
	assert.Equal(t, health.DefaultURL, c.Health.URL)
	assert.Equal(t, 10, c.Health.MaxAttempts)
	assert.Equal(t, time.Second, c.Health.Interval)
	assert.Equal(t, 10, c.Log.MaxSizeMB)
	assert.Equal(t, 24*time.Hour, c.Log.Retention)
	assert.True(t, c.UseOSEnv)
	assert.False(t, c.Watch.Enabled)
}

func TestLoad_HealthURLFollowsAPIPort(t *testing.T) {
	t.Setenv("SIDECAR_PORTS_API", "9123")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9123, c.Ports.API)
	assert.Equal(t, "http://127.0.0.1:9123/health", c.Health.URL)

	t.Setenv("SIDECAR_HEALTH_URL", "http://127.0.0.1:7000/ready")
	c, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:7000/ready", c.Health.URL, "explicit url wins")
}

func TestLoad_TOMLFile(t *testing.T) {
	p := writeFile(t, "sidecar.toml", `
[backend]
name = "indexer"
resources_dir = "/opt/app/resources"
args = ["--port", "9001"]
env = ["MODE=prod"]
grace_period = "500ms"

[ports]
api = 9001
dev_server = 0
finder = "lsof"

[health]
url = "http://127.0.0.1:9001/health"
max_attempts = 3
interval = "250ms"

[history]
sinks = ["sqlite:///tmp/h.db"]

[watch]
enabled = true
debounce = "1s"
`)
	c, err := Load(p)
	require.NoError(t, err)

	spec := c.Spec()
	assert.Equal(t, "indexer", spec.Name)
	assert.Equal(t, filepath.Join("/opt/app/resources", "backend", "indexer"), spec.BundleDir())
	assert.Equal(t, []string{"--port", "9001"}, spec.Args)
	assert.Equal(t, 500*time.Millisecond, spec.GracePeriod)
	assert.Equal(t, []int{9001}, c.Ports.List())
	assert.Equal(t, "lsof", c.Ports.Finder)
	assert.Equal(t, 3, c.Health.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, c.Health.Interval)
	assert.Equal(t, []string{"sqlite:///tmp/h.db"}, c.History.Sinks)
	assert.True(t, c.Watch.Enabled)
	assert.Equal(t, time.Second, c.Watch.Debounce)
}

func TestLoad_YAMLFile(t *testing.T) {
	p := writeFile(t, "sidecar.yaml", "backend:\n  resources_dir: /srv/res\nhealth:\n  max_attempts: 4\n")
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "/srv/res", c.Backend.ResourcesDir)
	assert.Equal(t, 4, c.Health.MaxAttempts)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	p := writeFile(t, "sidecar.toml", "[backend]\nname = \"from-file\"\n[health]\nmax_attempts = 3\n")
	t.Setenv("SIDECAR_BACKEND_NAME", "from-env")
	t.Setenv("SIDECAR_PORTS_API", "8111")

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.Backend.Name)
	assert.Equal(t, 8111, c.Ports.API)
	assert.Equal(t, 3, c.Health.MaxAttempts)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestValidate_RejectsNonsense(t *testing.T) {
	cases := map[string]string{
		"attempts": "[health]\nmax_attempts = 0\n",
		"finder":   "[ports]\nfinder = \"netstat\"\n",
		"pattern":  "[ports]\npattern = \"([\"\n",
		"port":     "[ports]\napi = 70000\n",
		"name":     "[backend]\nname = \"../escape\"\n",
		"format":   "[logging]\nformat = \"xml\"\n",
		"sweep":    "[log]\nsweep_schedule = \"every tuesday\"\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "bad.toml", data))
			require.Error(t, err)
		})
	}
}

func TestSinkAndLoggerConfig(t *testing.T) {
	p := writeFile(t, "sidecar.toml", "[log]\npath = \"/tmp/x/app.log\"\nmax_size_mb = 2\necho = false\n[logging]\nfile = \"/tmp/x/sidecar.log\"\nformat = \"json\"\n")
	c, err := Load(p)
	require.NoError(t, err)

	sc := c.SinkConfig()
	assert.Equal(t, "/tmp/x/app.log", sc.Path)
	assert.EqualValues(t, 2*1024*1024, sc.MaxSize)
	assert.Nil(t, sc.Console)

	lc := c.LoggerConfig()
	assert.Equal(t, "json", lc.Format)
	assert.Equal(t, "/tmp/x/sidecar.log", lc.File.Path)
}
