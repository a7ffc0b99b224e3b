package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikeyg42/anomalycam/internal/config"
	"github.com/mikeyg42/anomalycam/internal/crypto"
)

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["scan"])
	assert.True(t, names["devices"])
	assert.True(t, names["secret"])
	assert.True(t, names["gmail"])

	auth, _, err := rootCmd.Find([]string{"gmail", "auth"})
	require.NoError(t, err)
	assert.Equal(t, "auth", auth.Name())
	assert.NotNil(t, auth.Flags().Lookup("redirect-url"))
}

func TestGmailAuthRequiresClientCredentials(t *testing.T) {
	cfg = config.NewDefaultConfig()
	logger = zap.NewNop()
	t.Cleanup(func() { cfg, logger = nil, nil })

	gmailAuthCmd.SetContext(context.Background())
	err := gmailAuthCmd.RunE(gmailAuthCmd, nil)
	assert.ErrorContains(t, err, "ClientID/ClientSecret")
}

func TestScanRequiresExistingVideo(t *testing.T) {
	cfg = config.NewDefaultConfig()
	logger = zap.NewNop()
	t.Cleanup(func() { cfg, logger = nil, nil })

	err := runScan(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot read video")
	assert.False(t, cfg.Speech.Enabled, "offline scans never open the microphone")
}

func TestScanRejectsInvalidConfig(t *testing.T) {
	cfg = config.NewDefaultConfig()
	cfg.Video.WindowSize = 0
	logger = zap.NewNop()
	t.Cleanup(func() { cfg, logger = nil, nil })

	err := runScan(context.Background(), "clip.mp4")
	assert.ErrorContains(t, err, "windowSize")
}

func TestSecretEncryptUsesMasterKey(t *testing.T) {
	key, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	t.Setenv(config.MasterKeyEnv, key)

	var out bytes.Buffer
	secretEncryptCmd.SetOut(&out)
	t.Cleanup(func() { secretEncryptCmd.SetOut(nil) })
	require.NoError(t, secretEncryptCmd.RunE(secretEncryptCmd, []string{"hunter2"}))

	sealed := strings.TrimSpace(out.String())
	assert.True(t, crypto.IsSealed(sealed))
	plain, err := crypto.DecryptString(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}
