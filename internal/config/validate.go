package config

import (
	"fmt"
	"net"
	"net/mail"
	"os"
	"strconv"
	"strings"
)

// -----------------------------------------------------------------------------
// Top-level full-config validation
// -----------------------------------------------------------------------------

type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// Validate delegates to per-section validators and reports every problem at once.
func (c *Config) Validate() error {
	v := &Validator{}

	validateServerConfig(v, &c.Server)
	validateVideoConfig(v, &c.Video)
	validateSpeechConfig(v, &c.Speech)
	validateAlertConfig(v, &c.Alert)
	validateStorageConfig(v, &c.Storage)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

// EnsureDirs creates the upload and detected-frame directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Server.UploadDir, c.Storage.DetectedFramesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func validateServerConfig(v *Validator, cfg *ServerConfig) {
	if cfg.Addr == "" {
		v.AddError("server address cannot be empty")
		return
	}
	_, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		v.AddError("server address must be host:port: %v", err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		v.AddError("invalid port in server address: %s", portStr)
	}
	if cfg.UploadDir == "" {
		v.AddError("server.uploadDir is required")
	}
	if cfg.MaxUploadMB <= 0 {
		v.AddError("server.maxUploadMB must be positive")
	}
}

func validateVideoConfig(v *Validator, cfg *VideoConfig) {
	if cfg.FrameWidth <= 0 || cfg.FrameHeight <= 0 {
		v.AddError("invalid model frame dimensions: %dx%d", cfg.FrameWidth, cfg.FrameHeight)
	}
	if cfg.WindowSize <= 0 {
		v.AddError("video.windowSize must be positive")
	}
	if cfg.UploadThreshold <= 0 {
		v.AddError("video.uploadThreshold must be positive")
	}
	if cfg.LiveThreshold <= 0 {
		v.AddError("video.liveThreshold must be positive")
	}
	if cfg.UploadFrameSkip < 1 || cfg.LiveFrameSkip < 1 {
		v.AddError("frame skip must be at least 1 (upload=%d live=%d)", cfg.UploadFrameSkip, cfg.LiveFrameSkip)
	}
}

func validateSpeechConfig(v *Validator, cfg *SpeechConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.SampleRate <= 0 {
		v.AddError("speech.sampleRate must be positive")
	}
	if cfg.UploadTimeout <= 0 || cfg.LiveTimeout <= 0 {
		v.AddError("speech listen timeouts must be positive")
	}
	if cfg.PhraseTimeLimit <= 0 {
		v.AddError("speech.phraseTimeLimit must be positive")
	}
	if cfg.GoogleAPIKey == "" {
		v.AddError("speech.googleApiKey is required when speech monitoring is enabled")
	}
	if cfg.PerspectiveKey == "" {
		v.AddError("speech.perspectiveApiKey is required when speech monitoring is enabled")
	}
}

func validateAlertConfig(v *Validator, cfg *AlertConfig) {
	if !cfg.Enabled || cfg.Method == "disabled" {
		return
	}
	switch cfg.Method {
	case "smtp":
		if cfg.SMTP.Host == "" {
			v.AddError("alert.smtp.host is required")
		}
		if cfg.SMTP.Port <= 0 || cfg.SMTP.Port > 65535 {
			v.AddError("invalid alert.smtp.port: %d", cfg.SMTP.Port)
		}
		switch cfg.SMTP.TLSPolicy {
		case "", "mandatory", "opportunistic", "none":
		default:
			v.AddError("invalid alert.smtp.tlsPolicy: %s (must be 'mandatory', 'opportunistic' or 'none')", cfg.SMTP.TLSPolicy)
		}
	case "gmail":
		if cfg.Gmail.ClientID == "" || cfg.Gmail.ClientSecret == "" {
			v.AddError("Gmail OAuth2 client ID and secret are required")
		}
		if cfg.Gmail.TokenFile == "" {
			v.AddError("alert.gmail.tokenFile is required")
		}
	default:
		v.AddError("invalid alert method: %s (must be 'smtp', 'gmail', or 'disabled')", cfg.Method)
	}
	if cfg.FromEmail != "" {
		if _, err := mail.ParseAddress(cfg.FromEmail); err != nil {
			v.AddError("invalid from email: %s", cfg.FromEmail)
		}
	}
	switch cfg.ContactSource {
	case "xlsx", "csv":
		if cfg.ContactsFile == "" {
			v.AddError("alert.contactsFile is required for %s contacts", cfg.ContactSource)
		}
	case "postgres":
	default:
		v.AddError("invalid contact source: %s (must be 'xlsx', 'csv' or 'postgres')", cfg.ContactSource)
	}
	if cfg.MaxAttempts < 1 {
		v.AddError("alert.maxAttempts must be at least 1")
	}
}

func validateStorageConfig(v *Validator, cfg *StorageConfig) {
	if cfg.DetectedFramesDir == "" {
		v.AddError("storage.detectedFramesDir is required")
	}
	if cfg.SnapshotName == "" {
		v.AddError("storage.snapshotName is required")
	}
	if cfg.MinIO.Enabled {
		if cfg.MinIO.Endpoint == "" {
			v.AddError("storage.minio.endpoint is required when using MinIO")
		}
		if cfg.MinIO.Bucket == "" {
			v.AddError("storage.minio.bucket is required when using MinIO")
		}
	}
	if cfg.Postgres.Enabled {
		if cfg.Postgres.Host == "" {
			v.AddError("storage.postgres.host is required for event storage")
		}
		if cfg.Postgres.Database == "" {
			v.AddError("storage.postgres.database is required for event storage")
		}
	}
}
