package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, "")
	require.NoError(t, err)

	assert.Equal(t, ":8013", cfg.ListenAddr)
	assert.Equal(t, "inau", cfg.SSHUser)
	assert.Equal(t, "root", cfg.InstallUser)
	assert.Equal(t, 60*time.Minute, cfg.BuildTimeoutSoft)
	assert.Equal(t, 90*time.Minute, cfg.BuildTimeoutHard)
	assert.Equal(t, 25, cfg.SMTPPort)
	assert.Equal(t, "cs/ds/makefiles", cfg.MakefilesName)
	assert.False(t, cfg.MailEnabled())
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("INAU_DATABASE_URL", "postgres://inau@db/inau")
	t.Setenv("INAU_BUILD_TIMEOUT_SOFT", "5m")
	t.Setenv("INAU_LOG_JSON", "true")

	cfg, err := Load(nil, "")
	require.NoError(t, err)

	assert.Equal(t, "postgres://inau@db/inau", cfg.DatabaseURL)
	assert.Equal(t, 5*time.Minute, cfg.BuildTimeoutSoft)
	assert.True(t, cfg.LogJSON)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inau.yaml")
	body := "database-url: postgres://inau@db/inau\nsmtp-host: smtp.elettra.eu\nssh-timeout: 10s\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(nil, path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://inau@db/inau", cfg.DatabaseURL)
	assert.Equal(t, 10*time.Second, cfg.SSHTimeout)
	assert.True(t, cfg.MailEnabled())
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		DatabaseURL:   "postgres://inau@db/inau",
		StoreRoot:     "/var/lib/inau/store",
		RepoRoot:      "/var/lib/inau/repositories",
		MakefilesRepo: "git@gitlab.example.com:cs/ds/makefiles.git",
		SSHKey:        "/etc/inau/id_ed25519",
	}
	require.NoError(t, cfg.Validate())

	missingKey := *cfg
	missingKey.SSHKey = ""
	assert.ErrorContains(t, missingKey.Validate(), "ssh-key")

	missingDB := *cfg
	missingDB.DatabaseURL = ""
	assert.ErrorContains(t, missingDB.Validate(), "database-url")
}
