package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/types"
)

// Duration parses YAML values like "30s" or "5m" (or bare seconds).
type Duration time.Duration

// D returns the underlying time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("bad duration %q: %w", s, perr)
		}
		*d = Duration(v)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return err
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// EnvConf selects the configuration path when --config is not given.
const EnvConf = "BURROW_CONF"

// EnvJobID is the client-side fallback job id for end-time queries.
const EnvJobID = "BURROW_JOBID"

// DefaultPath is used when neither the flag nor BURROW_CONF is set.
const DefaultPath = "/etc/burrow/burrow.yaml"

// NodeDecl declares a group of nodes sharing a shape.
type NodeDecl struct {
	Names      string   `yaml:"names"` // hostlist pattern
	AddrPort   uint16   `yaml:"addr_port"`
	CPUs       uint16   `yaml:"cpus"`
	Sockets    uint16   `yaml:"sockets"`
	Cores      uint16   `yaml:"cores"`
	Threads    uint16   `yaml:"threads"`
	RealMemory uint32   `yaml:"real_memory"`
	TmpDisk    uint32   `yaml:"tmp_disk"`
	Features   []string `yaml:"features"`
}

// PartitionDecl declares one partition.
type PartitionDecl struct {
	Name        string   `yaml:"name"`
	Nodes       string   `yaml:"nodes"` // hostlist pattern
	Default     bool     `yaml:"default"`
	Hidden      bool     `yaml:"hidden"`
	MaxTime     uint32   `yaml:"max_time"` // minutes, 0 = unlimited
	MinNodes    uint32   `yaml:"min_nodes"`
	MaxNodes    uint32   `yaml:"max_nodes"` // 0 = unlimited
	RootOnly    bool     `yaml:"root_only"`
	Down        bool     `yaml:"down"`
	Shared      string   `yaml:"shared"` // exclusive|yes|force
	AllowGroups []string `yaml:"allow_groups"`
}

// Config is the cluster configuration shared by all three roles.
type Config struct {
	ControllerAddr string `yaml:"controller_addr"`
	MetricsAddr    string `yaml:"metrics_addr"`

	StateDir string `yaml:"state_dir"`
	AcctPath string `yaml:"acct_path"`
	SpoolDir string `yaml:"spool_dir"`

	ClusterKey string `yaml:"cluster_key"`

	SchedulerInterval  Duration `yaml:"scheduler_interval"`
	CheckpointInterval Duration `yaml:"checkpoint_interval"`
	MinJobAge          Duration `yaml:"min_job_age"`
	Fanout             int           `yaml:"fanout"`

	Nodes      []NodeDecl      `yaml:"nodes"`
	Partitions []PartitionDecl `yaml:"partitions"`
}

// Defaults returns a config with every tunable at its default.
func Defaults() *Config {
	return &Config{
		ControllerAddr:     "0.0.0.0:6817",
		MetricsAddr:        "",
		StateDir:           "/var/spool/burrow",
		AcctPath:           "/var/spool/burrow/acct.db",
		SpoolDir:           "/var/spool/burrow/stepd",
		SchedulerInterval:  Duration(5 * time.Second),
		CheckpointInterval: Duration(5 * time.Minute),
		MinJobAge:          Duration(5 * time.Minute),
		Fanout:             8,
	}
}

// Load reads the config at path; an empty path falls back to BURROW_CONF
// and then the default location.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConf)
	}
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies structural checks before the registries are built.
func (c *Config) Validate() error {
	if c.ControllerAddr == "" {
		return fmt.Errorf("controller_addr is required")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("at least one node declaration is required")
	}
	if c.Fanout < 1 {
		return fmt.Errorf("fanout must be at least 1")
	}
	defaults := 0
	for i := range c.Partitions {
		p := &c.Partitions[i]
		if p.Name == "" {
			return fmt.Errorf("partition %d has no name", i)
		}
		if p.Default {
			defaults++
		}
		switch p.Shared {
		case "", "exclusive", "yes", "force":
		default:
			return fmt.Errorf("partition %s: bad shared policy %q", p.Name, p.Shared)
		}
	}
	if defaults > 1 {
		return fmt.Errorf("more than one default partition")
	}
	return nil
}

// SharedPolicy converts a declaration's shared string.
func (p *PartitionDecl) SharedPolicy() types.SharedPolicy {
	switch p.Shared {
	case "yes":
		return types.SharedYes
	case "force":
		return types.SharedForce
	default:
		return types.SharedExclusive
	}
}

// MaxTimeMinutes returns the declared limit, Infinite for 0.
func (p *PartitionDecl) MaxTimeMinutes() uint32 {
	if p.MaxTime == 0 {
		return types.Infinite
	}
	return p.MaxTime
}
