package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
controller_addr: "127.0.0.1:6817"
state_dir: "/tmp/burrow-test"
cluster_key: "secret"
scheduler_interval: 2s
min_job_age: 1m
fanout: 4
nodes:
  - names: "n[0-3]"
    cpus: 8
    real_memory: 16000
    features: ["ib"]
partitions:
  - name: batch
    nodes: "n[0-3]"
    default: true
    shared: "yes"
    max_time: 120
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "burrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6817", cfg.ControllerAddr)
	assert.Equal(t, 2*time.Second, cfg.SchedulerInterval.D())
	assert.Equal(t, time.Minute, cfg.MinJobAge.D())
	assert.Equal(t, 4, cfg.Fanout)
	require.Len(t, cfg.Partitions, 1)
	assert.True(t, cfg.Partitions[0].Default)
	assert.Equal(t, uint32(120), cfg.Partitions[0].MaxTime)
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, sample)
	t.Setenv(EnvConf, path)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6817", cfg.ControllerAddr)
}

func TestDefaultsApplied(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
controller_addr: "x:1"
nodes:
  - names: "a"
`))
	require.NoError(t, err)
	assert.Equal(t, Defaults().SchedulerInterval.D(), cfg.SchedulerInterval.D())
	assert.Equal(t, Defaults().Fanout, cfg.Fanout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"no controller addr", func(c *Config) { c.ControllerAddr = "" }},
		{"no nodes", func(c *Config) { c.Nodes = nil }},
		{"bad fanout", func(c *Config) { c.Fanout = 0 }},
		{"two defaults", func(c *Config) {
			c.Partitions = []PartitionDecl{
				{Name: "a", Default: true}, {Name: "b", Default: true},
			}
		}},
		{"bad shared", func(c *Config) {
			c.Partitions = []PartitionDecl{{Name: "a", Shared: "maybe"}}
		}},
		{"unnamed partition", func(c *Config) {
			c.Partitions = []PartitionDecl{{}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Nodes = []NodeDecl{{Names: "n0"}}
			tt.mut(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPartitionDeclHelpers(t *testing.T) {
	p := &PartitionDecl{Shared: "force"}
	assert.Equal(t, "force", p.SharedPolicy().String())
	assert.NotZero(t, p.MaxTimeMinutes())
	p2 := &PartitionDecl{MaxTime: 30}
	assert.Equal(t, uint32(30), p2.MaxTimeMinutes())
}
