package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jveski/warden/internal/api"
)

const fixture = `
[supervisor]
watch = ["validator"]
poll_interval = "30s"

[aggregator]
database = "data/metrics.db"

[[workload]]
name = "validator"
image = "ghcr.io/org/affine:latest"
env_file = ".env"
command = ["-vv", "validate"]

  [workload.resources]
  memory_reservation = "8g"
  memory_limit = "12g"

  [workload.env]
  AFFINE_METRICS_PORT = "8000"
  BT_WALLET_HOT = "inline"

  [[workload.mount]]
  host_path = "/home/op/.bittensor/wallets"
  container_path = "/root/.bittensor/wallets"
  read_only = true

  [[workload.volume]]
  name = "validator-cache"
  container_path = "/root/.cache/affine"

  [[workload.port]]
  host = 8001
  container = 8000

  [workload.metrics]
  port = 8000

[[workload]]
name = "runner"
image = "ghcr.io/org/affine:latest"
command = ["-vv", "runner"]

  [workload.resources]
  memory_reservation = "4g"
  memory_limit = "6g"

  [[workload.port]]
  host = 8002
  container = 8000

  [workload.metrics]
  port = 8000
  interval = "5s"
`

const envFixture = `# wallet selection
BT_WALLET_COLD=default
BT_WALLET_HOT="from-file"
CHUTES_API_KEY=abc#123
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "warden.toml", fixture)
	writeFile(t, dir, ".env", envFixture)

	cfg, err := Load(path)
	require.NoError(t, err)

	t.Run("defaults", func(t *testing.T) {
		assert.Equal(t, 30*time.Second, cfg.Supervisor.PollInterval)
		assert.Equal(t, 30*time.Second, cfg.Supervisor.GracePeriod)
		assert.Equal(t, 10*time.Minute, cfg.Supervisor.PullTimeout)
		assert.Equal(t, time.Second, cfg.Lifecycle.ProbeInterval)
		assert.Equal(t, 15*time.Second, cfg.Aggregator.Interval)
		assert.Equal(t, "docker", cfg.Runtime.Kind)
		assert.Equal(t, dir, cfg.Admin.StateDir)
		assert.Equal(t, filepath.Join(dir, "data", "metrics.db"), cfg.Aggregator.Database)
		assert.True(t, cfg.StopWorkloadsOnExit())
	})

	t.Run("env file merged over inline env", func(t *testing.T) {
		env := cfg.Workloads[0].Env
		assert.Equal(t, "8000", env["AFFINE_METRICS_PORT"])
		assert.Equal(t, "default", env["BT_WALLET_COLD"])
		assert.Equal(t, "from-file", env["BT_WALLET_HOT"])
		assert.Equal(t, "abc#123", env["CHUTES_API_KEY"])
	})

	t.Run("targets", func(t *testing.T) {
		targets := cfg.Targets()
		require.Len(t, targets, 2)
		assert.Equal(t, "http://127.0.0.1:8001/metrics", targets[0].URL())
		assert.Equal(t, 15*time.Second, targets[0].Interval)
		assert.Equal(t, "runner", targets[1].Workload)
		assert.Equal(t, 5*time.Second, targets[1].Interval)
	})

	t.Run("env file is not modified", func(t *testing.T) {
		buf, err := os.ReadFile(filepath.Join(dir, ".env"))
		require.NoError(t, err)
		assert.Equal(t, envFixture, string(buf))
	})
}

func TestLoadDuplicateHostPort(t *testing.T) {
	dir := t.TempDir()
	doc := `
[[workload]]
name = "validator"
image = "ghcr.io/org/affine:latest"
  [[workload.port]]
  host = 8001
  container = 8000

[[workload]]
name = "runner"
image = "ghcr.io/org/affine:latest"
  [[workload.port]]
  host = 8001
  container = 8000
`
	_, err := Load(writeFile(t, dir, "warden.toml", doc))
	require.Error(t, err)

	verr := &api.ValidationError{}
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{`host port 8001 is published by both "validator" and "runner"`}, verr.Problems)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		Name, Doc, Err string
	}{
		{
			Name: "unknown key",
			Doc:  "[supervisor]\npoll_intervl = \"1m\"\n",
			Err:  `unknown config key "supervisor.poll_intervl"`,
		},
		{
			Name: "bad size",
			Doc:  "[[workload]]\nname = \"a\"\nimage = \"x\"\n[workload.resources]\nmemory_limit = \"lots\"\n",
			Err:  "invalid size",
		},
		{
			Name: "unknown runtime",
			Doc:  "[runtime]\nkind = \"lxc\"\n",
			Err:  `unknown runtime kind "lxc"`,
		},
		{
			Name: "missing env file",
			Doc:  "[[workload]]\nname = \"a\"\nimage = \"x\"\nenv_file = \"nope.env\"\n",
			Err:  `reading env file for workload "a"`,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := Load(writeFile(t, dir, "warden.toml", test.Doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.Err)
		})
	}
}

func TestStopWorkloadsOnExit(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(writeFile(t, dir, "warden.toml", "[supervisor]\nstop_workloads_on_exit = false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.StopWorkloadsOnExit())
	assert.Empty(t, cfg.Supervisor.WebhookKeyFile)
}

func TestExampleConfig(t *testing.T) {
	example, err := os.ReadFile(filepath.Join("..", "..", "warden.example.toml"))
	require.NoError(t, err)

	dir := t.TempDir()
	writeFile(t, dir, ".env", envFixture)
	cfg, err := Load(writeFile(t, dir, "warden.toml", string(example)))
	require.NoError(t, err)
	assert.Len(t, cfg.Workloads, 2)
	assert.Equal(t, []string{"validator"}, cfg.Supervisor.Watch)
	assert.Len(t, cfg.Targets(), 2)
}

func TestWebhookKeyFileIsRelativeToConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(writeFile(t, dir, "warden.toml", "[supervisor]\nwebhook_key_file = \"secrets/hook.key\"\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "secrets", "hook.key"), cfg.Supervisor.WebhookKeyFile)
}

func writeFile(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}
