package internal

import (
	"path/filepath"
	"testing"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/fs"
)

const exampleConfig = `
database:
  username: hoard
  password: hunter2
  host: db.internal
rest:
  host_address: 127.0.0.1:9000
  admin_key: swordfish
links:
  master_secret: an-extremely-secret-master-secret!
  default_ttl_seconds: 60
  max_ttl_seconds: 600
download:
  concurrency: 2
pipeline:
  staging_dir: ~/hoard-staging
log_level: debug
`

func loadExampleConfig(t *testing.T, contents string) (*HoardConfig, error) {
	dir := fs.NewDir(t, "hoard-config", fs.WithFile("config.yaml", contents))

	config := &HoardConfig{}
	err := config.LoadFromFile(dir.Join("config.yaml"))
	return config, err
}

func Test_Config_LoadFromFile(t *testing.T) {
	config, err := loadExampleConfig(t, exampleConfig)
	require.NoError(t, err)

	assert.Equal(t, "hoard", config.Database.User)
	assert.Equal(t, "db.internal", config.Database.Host)
	assert.Equal(t, "5432", config.Database.Port, "unset values should be defaulted")
	assert.Equal(t, "127.0.0.1:9000", config.RestConfig.HostAddr)
	assert.Equal(t, "swordfish", config.RestConfig.AdminKey)
	assert.Equal(t, 60, config.Link.DefaultTTLSeconds)
	assert.Equal(t, 2, config.Download.Concurrency)
	assert.Equal(t, 5, config.Download.MaxJobAttempts)
	assert.Equal(t, "debug", config.LogLevel)

	home, err := homedir.Dir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "hoard-staging"), config.Pipeline.StagingDir)

	assert.NoError(t, config.Validate())
}

func Test_Config_EnvironmentOverridesFile(t *testing.T) {
	t.Setenv("DOWNLOAD_CONCURRENCY", "7")
	t.Setenv("API_ADMIN_KEY", "from-env")

	config, err := loadExampleConfig(t, exampleConfig)
	require.NoError(t, err)
	assert.Equal(t, 7, config.Download.Concurrency)
	assert.Equal(t, "from-env", config.RestConfig.AdminKey)
}

func Test_Config_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*HoardConfig)
	}{
		{"DefaultTTLExceedsMax", func(c *HoardConfig) { c.Link.DefaultTTLSeconds = c.Link.MaxTTLSeconds + 1 }},
		{"ZeroDefaultTTL", func(c *HoardConfig) { c.Link.DefaultTTLSeconds = 0 }},
		{"NoWorkers", func(c *HoardConfig) { c.Download.Concurrency = 0 }},
		{"NoLease", func(c *HoardConfig) { c.Download.LeaseSeconds = 0 }},
		{"NoPollInterval", func(c *HoardConfig) { c.Download.PollSeconds = 0 }},
		{"NegativePollInterval", func(c *HoardConfig) { c.Download.PollSeconds = -5 }},
		{"NoAttempts", func(c *HoardConfig) { c.Download.MaxJobAttempts = 0 }},
		{"NoStagingDir", func(c *HoardConfig) { c.Pipeline.StagingDir = "" }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config, err := loadExampleConfig(t, exampleConfig)
			require.NoError(t, err)

			test.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}
