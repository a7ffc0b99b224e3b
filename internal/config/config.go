package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mikeyg42/anomalycam/internal/crypto"
)

// MasterKeyEnv names the variable holding the key for "enc:" config values.
const MasterKeyEnv = "ANOMALYCAM_MASTER_KEY"

// Config holds all application configuration
type Config struct {
	Server  ServerConfig  `json:"server"`
	Video   VideoConfig   `json:"video"`
	Model   ModelConfig   `json:"model"`
	Speech  SpeechConfig  `json:"speech"`
	Alert   AlertConfig   `json:"alert"`
	Storage StorageConfig `json:"storage"`
	Logging LoggingConfig `json:"logging"`
}

type ServerConfig struct {
	Addr               string   `json:"addr"`
	UploadDir          string   `json:"uploadDir"`
	MaxUploadMB        int64    `json:"maxUploadMB"`
	AllowedOrigins     []string `json:"allowedOrigins"`
	UploadRatePerMin   int      `json:"uploadRatePerMin"`
	StreamPollInterval Duration `json:"streamPollInterval"`
	ShutdownTimeout    Duration `json:"shutdownTimeout"`
}

// VideoConfig covers both capture modes. The thresholds and frame skips are
// intentionally separate per mode.
type VideoConfig struct {
	Device          string  `json:"device"` // camera index ("0") or stream URL
	FrameWidth      int     `json:"frameWidth"`
	FrameHeight     int     `json:"frameHeight"`
	WindowSize      int     `json:"windowSize"`
	UploadThreshold float64 `json:"uploadThreshold"`
	LiveThreshold   float64 `json:"liveThreshold"`
	UploadFrameSkip int     `json:"uploadFrameSkip"`
	LiveFrameSkip   int     `json:"liveFrameSkip"`
	OverlayText     string  `json:"overlayText"`
}

type ModelConfig struct {
	Path    string `json:"path"`
	Backend string `json:"backend"` // "default", "cuda", "openvino"
	Target  string `json:"target"`  // "cpu", "cuda", "cuda_fp16"
}

type SpeechConfig struct {
	Enabled         bool     `json:"enabled"`
	Device          string   `json:"device"` // microphone device ID, empty for the default input
	SampleRate      int      `json:"sampleRate"`
	UploadTimeout   Duration `json:"uploadTimeout"`
	LiveTimeout     Duration `json:"liveTimeout"`
	PhraseTimeLimit Duration `json:"phraseTimeLimit"`
	PauseThreshold  Duration `json:"pauseThreshold"`
	AmbientDuration Duration `json:"ambientDuration"`
	LanguageCode    string   `json:"languageCode"`
	GoogleAPIKey    string   `json:"googleApiKey,omitempty"`
	PerspectiveKey  string   `json:"perspectiveApiKey,omitempty"`
	RequestTimeout  Duration `json:"requestTimeout"`
}

type AlertConfig struct {
	Enabled       bool        `json:"enabled"`
	Method        string      `json:"method"` // "smtp", "gmail", "disabled"
	FromEmail     string      `json:"fromEmail"`
	ContactSource string      `json:"contactSource"` // "xlsx", "csv" or "postgres"
	ContactsFile  string      `json:"contactsFile"`
	MaxAttempts   int         `json:"maxAttempts"`
	SMTP          SMTPConfig  `json:"smtp"`
	Gmail         GmailConfig `json:"gmail"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	// TLSPolicy is "mandatory", "opportunistic" or "none"
	TLSPolicy string `json:"tlsPolicy"`
}

type GmailConfig struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret,omitempty"`
	TokenFile    string `json:"tokenFile"`
	TokenKey     string `json:"tokenKey,omitempty"` // hex AES key when the token file is encrypted
}

type StorageConfig struct {
	DetectedFramesDir string         `json:"detectedFramesDir"`
	SnapshotName      string         `json:"snapshotName"`
	MinIO             MinIOConfig    `json:"minio"`
	Postgres          PostgresConfig `json:"postgres"`
}

type MinIOConfig struct {
	Enabled         bool   `json:"enabled"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
	Bucket          string `json:"bucket"`
	Region          string `json:"region"`
	UseSSL          bool   `json:"useSSL"`
	MaxRetries      int    `json:"maxRetries"`
}

type PostgresConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	SSLMode  string `json:"sslMode"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "json" or "console"
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:               ":5000",
			UploadDir:          "uploads",
			MaxUploadMB:        512,
			AllowedOrigins:     []string{"*"},
			UploadRatePerMin:   10,
			StreamPollInterval: Duration(30 * time.Millisecond),
			ShutdownTimeout:    Duration(10 * time.Second),
		},
		Video: VideoConfig{
			Device:          "0",
			FrameWidth:      227,
			FrameHeight:     227,
			WindowSize:      10,
			UploadThreshold: 0.00054,
			LiveThreshold:   0.00060,
			UploadFrameSkip: 5,
			LiveFrameSkip:   1,
			OverlayText:     "Anomaly Detected!",
		},
		Model: ModelConfig{
			Path:    "saved_model.onnx",
			Backend: "default",
			Target:  "cpu",
		},
		Speech: SpeechConfig{
			Enabled:         true,
			SampleRate:      16000,
			UploadTimeout:   Duration(10 * time.Second),
			LiveTimeout:     Duration(5 * time.Second),
			PhraseTimeLimit: Duration(10 * time.Second),
			PauseThreshold:  Duration(800 * time.Millisecond),
			AmbientDuration: Duration(time.Second),
			LanguageCode:    "en-US",
			RequestTimeout:  Duration(15 * time.Second),
		},
		Alert: AlertConfig{
			Enabled:       true,
			Method:        "smtp",
			ContactSource: "xlsx",
			ContactsFile:  "contacts.xlsx",
			MaxAttempts:   3,
			SMTP: SMTPConfig{
				Host:      "smtp.gmail.com",
				Port:      587,
				TLSPolicy: "mandatory",
			},
			Gmail: GmailConfig{
				TokenFile: "./gmail_token.json",
			},
		},
		Storage: StorageConfig{
			DetectedFramesDir: filepath.Join("frontend", "detected_frames"),
			SnapshotName:      "anomaly_frame.jpg",
			MinIO: MinIOConfig{
				Bucket:     "anomaly-snapshots",
				MaxRetries: 3,
			},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "anomalycam",
				SSLMode:  "disable",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load returns the default config overlaid with the JSON file at path (if
// any) and then with environment overrides. An empty path falls back to
// CONFIG_FILE; a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.decryptSecrets(os.Getenv(MasterKeyEnv)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets secrets stay out of the config file.
func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.Addr, "ANOMALYCAM_ADDR")
	set(&cfg.Model.Path, "ANOMALYCAM_MODEL_PATH")
	set(&cfg.Video.Device, "ANOMALYCAM_DEVICE")
	set(&cfg.Speech.Device, "ANOMALYCAM_MICROPHONE")
	set(&cfg.Speech.GoogleAPIKey, "ANOMALYCAM_GOOGLE_API_KEY")
	set(&cfg.Speech.PerspectiveKey, "ANOMALYCAM_PERSPECTIVE_API_KEY")
	set(&cfg.Alert.FromEmail, "ANOMALYCAM_ALERT_FROM")
	set(&cfg.Alert.SMTP.Username, "ANOMALYCAM_SMTP_USERNAME")
	set(&cfg.Alert.SMTP.Password, "ANOMALYCAM_SMTP_PASSWORD")
	set(&cfg.Alert.Gmail.ClientID, "ANOMALYCAM_GMAIL_CLIENT_ID")
	set(&cfg.Alert.Gmail.ClientSecret, "ANOMALYCAM_GMAIL_CLIENT_SECRET")
	set(&cfg.Alert.Gmail.TokenKey, "ANOMALYCAM_GMAIL_TOKEN_KEY")
	set(&cfg.Storage.MinIO.AccessKeyID, "ANOMALYCAM_MINIO_ACCESS_KEY")
	set(&cfg.Storage.MinIO.SecretAccessKey, "ANOMALYCAM_MINIO_SECRET_KEY")
	set(&cfg.Storage.Postgres.Username, "ANOMALYCAM_POSTGRES_USER")
	set(&cfg.Storage.Postgres.Password, "ANOMALYCAM_POSTGRES_PASSWORD")
	set(&cfg.Logging.Level, "ANOMALYCAM_LOG_LEVEL")
}

// SnapshotPath is where the upload scan persists the triggering frame.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.Storage.DetectedFramesDir, c.Storage.SnapshotName)
}

// PostgresDSN returns the PostgreSQL connection string
func (c *Config) PostgresDSN() string {
	pg := c.Storage.Postgres
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		pg.Host, pg.Port, pg.Username, pg.Password, pg.Database, pg.SSLMode)
}

// Duration is a time.Duration that reads and writes as "5s" in JSON.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// plain numbers are taken as seconds
		var secs float64
		if err2 := json.Unmarshal(b, &secs); err2 != nil {
			return fmt.Errorf("invalid duration %s", string(b))
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (c *Config) secrets() []*string {
	return []*string{
		&c.Speech.GoogleAPIKey,
		&c.Speech.PerspectiveKey,
		&c.Alert.SMTP.Password,
		&c.Alert.Gmail.ClientSecret,
		&c.Alert.Gmail.TokenKey,
		&c.Storage.MinIO.SecretAccessKey,
		&c.Storage.Postgres.Password,
	}
}

// decryptSecrets opens every credential written with crypto.EncryptString.
func (c *Config) decryptSecrets(masterKey string) error {
	for _, secret := range c.secrets() {
		if !crypto.IsSealed(*secret) {
			continue
		}
		plain, err := crypto.DecryptString(*secret, masterKey)
		if err != nil {
			return fmt.Errorf("failed to decrypt config secret: %w", err)
		}
		*secret = plain
	}
	return nil
}

const redactedMask = "********"

// Redacted returns a copy with credentials masked, safe to expose over HTTP.
func (c *Config) Redacted() Config {
	out := *c
	out.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	for _, secret := range out.secrets() {
		if *secret != "" {
			*secret = redactedMask
		}
	}
	return out
}
