package notification

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultRedirectURL  = "http://127.0.0.1:8787/oauth2/callback"
	defaultOAuthTimeout = 5 * time.Minute
)

// AuthOptions tunes the interactive consent flow.
type AuthOptions struct {
	// RedirectURL must be a loopback URL registered for the OAuth client.
	// If its port is taken a free one is used instead.
	RedirectURL string
	Timeout     time.Duration
	// Out receives the consent URL and progress messages.
	Out io.Writer
	// OpenURL launches a browser; nil leaves it to the user.
	OpenURL func(string) error
}

// AuthorizeGmail runs the OAuth consent flow for the send scope: it prints
// the consent URL, waits for Google to redirect to a loopback callback and
// exchanges the code. The token includes a refresh token.
func AuthorizeGmail(ctx context.Context, cfg GmailConfig, opts AuthOptions) (*oauth2.Token, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("Gmail OAuth2 ClientID/ClientSecret are required")
	}
	return authorize(ctx, cfg.oauthConfig(), opts)
}

func authorize(ctx context.Context, oauthCfg *oauth2.Config, opts AuthOptions) (*oauth2.Token, error) {
	if opts.RedirectURL == "" {
		opts.RedirectURL = DefaultRedirectURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultOAuthTimeout
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}

	redirect, err := url.Parse(opts.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URL: %w", err)
	}
	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		// port in use: fall back to any free loopback port
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("failed to bind OAuth callback listener: %w", err)
		}
		redirect.Host = ""
	}
	defer listener.Close()
	if redirect.Host == "" || redirect.Port() == "0" {
		redirect.Host = listener.Addr().String()
	}

	cfg := *oauthCfg
	cfg.RedirectURL = redirect.String()

	state, err := randomState()
	if err != nil {
		return nil, err
	}
	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	srv := &http.Server{
		Handler:      callbackHandler(redirect.Path, state, codeCh, errCh),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() { _ = srv.Serve(listener) }()
	defer srv.Close()

	fmt.Fprintf(opts.Out, "\n=== Gmail OAuth Setup ===\n")
	fmt.Fprintf(opts.Out, "Please visit this URL to authorize sending:\n\n%s\n\n", authURL)
	if opts.OpenURL != nil {
		if err := opts.OpenURL(authURL); err != nil {
			fmt.Fprintf(opts.Out, "Could not open a browser (%v); open the URL manually.\n", err)
		}
	}
	fmt.Fprintf(opts.Out, "Waiting for authorization...\n")

	waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var code string
	select {
	case <-waitCtx.Done():
		return nil, fmt.Errorf("OAuth authorization timeout: %w", waitCtx.Err())
	case err := <-errCh:
		return nil, err
	case code = <-codeCh:
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, errors.New("authorization returned no refresh token; revoke the app's access and retry")
	}
	fmt.Fprintf(opts.Out, "\n=== Authorization Complete ===\n\n")
	return tok, nil
}

func callbackHandler(path, state string, codeCh chan<- string, errCh chan<- error) http.Handler {
	if path == "" {
		path = "/"
	}
	fail := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		if r.FormValue("state") != state {
			http.Error(w, "Invalid state parameter", http.StatusBadRequest)
			fail(errors.New("OAuth state mismatch (possible CSRF)"))
			return
		}
		if msg := r.FormValue("error"); msg != "" {
			http.Error(w, "Authorization failed: "+msg, http.StatusBadRequest)
			fail(fmt.Errorf("OAuth provider error: %s", msg))
			return
		}
		code := r.FormValue("code")
		if code == "" {
			http.Error(w, "Missing authorization code", http.StatusBadRequest)
			fail(errors.New("missing OAuth authorization code"))
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><h1>Authorization Successful!</h1>
<p>You can close this window and return to the terminal.</p></body></html>`)
		select {
		case codeCh <- code:
		default:
		}
	})
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// OpenBrowser starts the platform's URL handler without waiting for it.
func OpenBrowser(u string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", u)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", u)
	default:
		cmd = exec.Command("xdg-open", u)
	}
	return cmd.Start()
}
