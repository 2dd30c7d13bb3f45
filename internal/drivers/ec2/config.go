package ec2

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"gopkg.in/yaml.v3"
)

var ErrConfig = fmt.Errorf("invalid EC2 driver configuration")

// Config configures the EC2 driver. Zero values are replaced with defaults.
type Config struct {
	Region       string `yaml:"region"`        // default: us-west-1
	AMI          string `yaml:"ami"`           // default: ami-21f9de64
	KeyName      string `yaml:"key_name"`      // default: us-west
	User         string `yaml:"user"`          // default: ec2-user
	InstanceType string `yaml:"instance_type"` // default: m1.small
	SSHPort      uint16 `yaml:"ssh_port"`      // default: 22

	// PollInterval is the delay between two state or reachability checks.
	PollInterval time.Duration `yaml:"poll_interval"` // default: 5s
	// ProbeTimeout bounds a single TCP reachability check.
	ProbeTimeout time.Duration `yaml:"probe_timeout"` // default: 10s

	// WaitTimeout bounds every wait. Zero waits forever.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	// MaxPollAttempts bounds every wait. Zero allows unlimited attempts.
	MaxPollAttempts int `yaml:"max_poll_attempts"`
}

// LoadConfig reads YAML overrides from 'path' on top of the defaults. A
// missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", ErrConfig, path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Region == "" {
		c.Region = "us-west-1"
	}
	if c.AMI == "" {
		c.AMI = "ami-21f9de64"
	}
	if c.KeyName == "" {
		c.KeyName = "us-west"
	}
	if c.User == "" {
		c.User = "ec2-user"
	}
	if c.InstanceType == "" {
		c.InstanceType = "m1.small"
	}
	if c.SSHPort == 0 {
		c.SSHPort = 22
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 10 * time.Second
	}
}

func (c *Config) validate() error {
	if c.PollInterval < 0 {
		return fmt.Errorf("%w: poll_interval must not be negative", ErrConfig)
	}
	if c.ProbeTimeout < 0 {
		return fmt.Errorf("%w: probe_timeout must not be negative", ErrConfig)
	}
	if c.WaitTimeout < 0 {
		return fmt.Errorf("%w: wait_timeout must not be negative", ErrConfig)
	}
	if c.MaxPollAttempts < 0 {
		return fmt.Errorf("%w: max_poll_attempts must not be negative", ErrConfig)
	}
	return nil
}

func (c *Config) instanceType() types.InstanceType {
	return types.InstanceType(c.InstanceType)
}
