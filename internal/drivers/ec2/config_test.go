package ec2

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Config{
			Region:       "us-west-1",
			AMI:          "ami-21f9de64",
			KeyName:      "us-west",
			User:         "ec2-user",
			InstanceType: "m1.small",
			SSHPort:      22,
			PollInterval: 5 * time.Second,
			ProbeTimeout: 10 * time.Second,
		}, cfg)
	})

	t.Run("overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
region: eu-central-1
instance_type: t3.micro
ssh_port: 2222
poll_interval: 2s
wait_timeout: 10m
max_poll_attempts: 60
`), 0o600))
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "eu-central-1", cfg.Region)
		assert.Equal(t, "t3.micro", cfg.InstanceType)
		assert.Equal(t, uint16(2222), cfg.SSHPort)
		assert.Equal(t, 2*time.Second, cfg.PollInterval)
		assert.Equal(t, 10*time.Minute, cfg.WaitTimeout)
		assert.Equal(t, 60, cfg.MaxPollAttempts)
		// Untouched fields keep their defaults.
		assert.Equal(t, "ami-21f9de64", cfg.AMI)
		assert.Equal(t, 10*time.Second, cfg.ProbeTimeout)
	})

	t.Run("invalid", func(t *testing.T) {
		for name, body := range map[string]string{
			"malformed":         "region: [\n",
			"negative attempts": "max_poll_attempts: -1\n",
			"negative timeout":  "wait_timeout: -5s\n",
		} {
			t.Run(name, func(t *testing.T) {
				path := filepath.Join(t.TempDir(), "config.yaml")
				require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
				_, err := LoadConfig(path)
				require.ErrorIs(t, err, ErrConfig)
			})
		}
	})
}
