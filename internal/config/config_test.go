package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mikeyg42/anomalycam/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsKeepModeThresholdsDistinct(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, 0.00054, cfg.Video.UploadThreshold)
	assert.Equal(t, 0.00060, cfg.Video.LiveThreshold)
	assert.NotEqual(t, cfg.Video.UploadThreshold, cfg.Video.LiveThreshold)
	assert.Equal(t, 5, cfg.Video.UploadFrameSkip)
	assert.Equal(t, 1, cfg.Video.LiveFrameSkip)
	assert.Equal(t, 10, cfg.Video.WindowSize)
	assert.Equal(t, 227, cfg.Video.FrameWidth)
}

func TestLoadOverlaysFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"server": {"addr": "127.0.0.1:9000", "streamPollInterval": "50ms"},
		"video": {"liveThreshold": 0.001},
		"speech": {"liveTimeout": 7}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("ANOMALYCAM_SMTP_PASSWORD", "hunter2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 50*time.Millisecond, cfg.Server.StreamPollInterval.D())
	assert.Equal(t, 0.001, cfg.Video.LiveThreshold)
	assert.Equal(t, 0.00054, cfg.Video.UploadThreshold, "untouched fields keep defaults")
	assert.Equal(t, 7*time.Second, cfg.Speech.LiveTimeout.D())
	assert.Equal(t, "hunter2", cfg.Alert.SMTP.Password)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, ":5000", cfg.Server.Addr)
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name: "valid with speech keys",
			mutate: func(c *Config) {
				c.Speech.GoogleAPIKey = "g"
				c.Speech.PerspectiveKey = "p"
			},
		},
		{
			name: "speech enabled without keys",
			mutate: func(c *Config) {
				c.Speech.GoogleAPIKey = ""
			},
			wantErr: true,
		},
		{
			name: "speech disabled needs no keys",
			mutate: func(c *Config) {
				c.Speech.Enabled = false
			},
		},
		{
			name: "zero frame skip",
			mutate: func(c *Config) {
				c.Speech.Enabled = false
				c.Video.LiveFrameSkip = 0
			},
			wantErr: true,
		},
		{
			name: "unknown alert method",
			mutate: func(c *Config) {
				c.Speech.Enabled = false
				c.Alert.Method = "pigeon"
			},
			wantErr: true,
		},
		{
			name: "unknown smtp tls policy",
			mutate: func(c *Config) {
				c.Speech.Enabled = false
				c.Alert.SMTP.TLSPolicy = "sometimes"
			},
			wantErr: true,
		},
		{
			name: "csv contacts",
			mutate: func(c *Config) {
				c.Speech.Enabled = false
				c.Alert.ContactSource = "csv"
				c.Alert.ContactsFile = "contacts.csv"
			},
		},
		{
			name: "unknown contact source",
			mutate: func(c *Config) {
				c.Speech.Enabled = false
				c.Alert.ContactSource = "rolodex"
			},
			wantErr: true,
		},
		{
			name: "minio enabled without endpoint",
			mutate: func(c *Config) {
				c.Speech.Enabled = false
				c.Storage.MinIO.Enabled = true
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Speech.GoogleAPIKey = "g-key"
	cfg.Alert.SMTP.Password = "hunter2"
	cfg.Storage.MinIO.SecretAccessKey = "minio-secret"

	red := cfg.Redacted()
	assert.Equal(t, "********", red.Speech.GoogleAPIKey)
	assert.Equal(t, "********", red.Alert.SMTP.Password)
	assert.Equal(t, "********", red.Storage.MinIO.SecretAccessKey)
	assert.Empty(t, red.Speech.PerspectiveKey, "unset secrets stay empty")
	assert.Equal(t, cfg.Server.Addr, red.Server.Addr)

	assert.Equal(t, "hunter2", cfg.Alert.SMTP.Password, "original untouched")
}

func TestLoadDecryptsSealedSecrets(t *testing.T) {
	key, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	sealed, err := crypto.EncryptString("pg-pass", key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"storage": {"postgres": {"password": "` + sealed + `"}}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv(MasterKeyEnv, key)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pg-pass", cfg.Storage.Postgres.Password)

	t.Setenv(MasterKeyEnv, "")
	_, err = Load(path)
	assert.ErrorIs(t, err, crypto.ErrNoKey)
}
