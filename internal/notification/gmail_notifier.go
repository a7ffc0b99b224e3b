// gmail_notifier.go
package notification

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/mikeyg42/anomalycam/internal/crypto"
)

const (
	defaultSendTimeout = 30 * time.Second
	defaultTokenPath   = "./gmail_token.json"
	tokenFilePerms     = 0o600
)

// GmailConfig holds configuration for Gmail OAuth2 sending
type GmailConfig struct {
	// OAuth2 app credentials from Google Cloud Console
	ClientID     string
	ClientSecret string

	// TokenStorePath holds a previously authorised token. It is either
	// plain oauth2.Token JSON or, when TokenEncryptionKey is set, the
	// AES-GCM sealed tokenData written by `anomalycam gmail auth`.
	// Refreshed tokens are written back in the same form.
	TokenStorePath     string
	TokenEncryptionKey string

	Logger *zap.Logger
}

func (c GmailConfig) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailSendScope},
	}
}

// GmailTransport sends through the Gmail API as the authorised account.
type GmailTransport struct {
	svc *gmail.Service
}

// NewGmailTransport loads the stored token and builds an auto-refreshing
// Gmail client. Interactive authorisation is not performed here.
func NewGmailTransport(ctx context.Context, cfg GmailConfig) (*GmailTransport, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("Gmail OAuth2 ClientID/ClientSecret are required")
	}
	if cfg.TokenStorePath == "" {
		cfg.TokenStorePath = defaultTokenPath
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}

	token, err := loadToken(cfg.TokenStorePath, cfg.TokenEncryptionKey)
	if err != nil {
		return nil, err
	}
	if token.AccessToken == "" && token.RefreshToken == "" {
		return nil, fmt.Errorf("invalid token: missing access and refresh tokens")
	}

	src := &savingTokenSource{
		base:    cfg.oauthConfig().TokenSource(ctx, token),
		path:    cfg.TokenStorePath,
		key:     cfg.TokenEncryptionKey,
		logger:  cfg.Logger.Named("gmail"),
		current: token.AccessToken,
	}
	httpClient := oauth2.NewClient(ctx, src)
	httpClient.Timeout = defaultSendTimeout

	return newGmailTransportWithClient(ctx, httpClient)
}

func newGmailTransportWithClient(ctx context.Context, client *http.Client, opts ...option.ClientOption) (*GmailTransport, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to init Gmail service: %w", err)
	}
	return &GmailTransport{svc: svc}, nil
}

func (g *GmailTransport) Name() string { return "gmail" }

func (g *GmailTransport) Send(ctx context.Context, email *Email) error {
	raw, err := BuildMIMEMessage(email)
	if err != nil {
		return err
	}

	// Gmail wants base64url without padding
	encoded := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)
	if _, err := g.svc.Users.Messages.Send("me", &gmail.Message{Raw: encoded}).Context(ctx).Do(); err != nil {
		return fmt.Errorf("gmail send failed: %w", err)
	}
	return nil
}

// --- Token storage ---

// tokenData wraps OAuth token with validation fields
type tokenData struct {
	Token     *oauth2.Token `json:"token"`
	CreatedAt time.Time     `json:"created_at"`
	Checksum  string        `json:"checksum"`
}

func loadToken(path, key string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	if key == "" {
		var token oauth2.Token
		if err := json.Unmarshal(data, &token); err != nil {
			return nil, fmt.Errorf("failed to parse token file: %w", err)
		}
		return &token, nil
	}

	rawKey, err := crypto.DecodeKey(key)
	if err != nil {
		return nil, fmt.Errorf("invalid decryption key: %w", err)
	}
	plain, err := crypto.Open(data, rawKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token: %w", err)
	}
	var td tokenData
	if err := json.Unmarshal(plain, &td); err != nil {
		return nil, fmt.Errorf("failed to parse token data: %w", err)
	}
	if td.Token == nil || calculateChecksum(td.Token) != td.Checksum {
		return nil, fmt.Errorf("token integrity check failed")
	}
	return td.Token, nil
}

// SaveToken writes token to path: sealed tokenData when key is set, plain
// oauth2.Token JSON otherwise. The file is readable by the owner only.
func SaveToken(path, key string, token *oauth2.Token) error {
	if token == nil {
		return fmt.Errorf("no token to save")
	}
	var (
		out []byte
		err error
	)
	if key == "" {
		out, err = json.MarshalIndent(token, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal token: %w", err)
		}
	} else {
		rawKey, err := crypto.DecodeKey(key)
		if err != nil {
			return fmt.Errorf("invalid encryption key: %w", err)
		}
		plain, err := json.Marshal(tokenData{
			Token:     token,
			CreatedAt: time.Now(),
			Checksum:  calculateChecksum(token),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal token: %w", err)
		}
		if out, err = crypto.Seal(plain, rawKey); err != nil {
			return fmt.Errorf("failed to encrypt token: %w", err)
		}
	}
	if err := os.WriteFile(path, out, tokenFilePerms); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	// WriteFile keeps the mode of an existing file
	return os.Chmod(path, tokenFilePerms)
}

// savingTokenSource writes a token back to disk whenever the underlying
// source hands out a new access token, so refreshes survive restarts.
type savingTokenSource struct {
	base   oauth2.TokenSource
	path   string
	key    string
	logger *zap.Logger

	mu      sync.Mutex
	current string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken == s.current {
		return tok, nil
	}
	s.current = tok.AccessToken
	if err := SaveToken(s.path, s.key, tok); err != nil {
		// the refresh token still works; the next start just refreshes again
		s.logger.Warn("Failed to persist refreshed token", zap.String("path", s.path), zap.Error(err))
	} else {
		s.logger.Debug("Persisted refreshed token", zap.Time("expiry", tok.Expiry))
	}
	return tok, nil
}

func calculateChecksum(token *oauth2.Token) string {
	data := fmt.Sprintf("%s:%s:%s:%v",
		token.AccessToken, token.RefreshToken, token.TokenType, token.Expiry.Unix())
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
