// Package auth supplies OAuth2 bearer credentials for both channels: the
// Gmail REST client consumes the Provider as an oauth2.TokenSource, and the
// IMAP session logs in with XOAUTH2 built from the same tokens.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// MailScope grants IMAP access and send rights in one consent.
const MailScope = "https://mail.google.com/"

// expiryMargin keeps the provider from handing out a token that would die
// mid-handshake.
const expiryMargin = 60 * time.Second

// AuthError marks a credential failure. The monitor treats it like any other
// bootstrap fault: log and retry on the fixed backoff until resolved
// externally.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return "auth: " + e.Op + ": " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is or wraps an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// Options configures a Provider. TokenURL overrides the Google endpoint for
// tests; CachePath, when set, persists refreshed tokens across runs.
type Options struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
	CachePath    string
}

// Provider exchanges a long-lived refresh token for short-lived access
// tokens, caching them in memory and optionally on disk. Safe for use from
// multiple goroutines.
type Provider struct {
	conf      *oauth2.Config
	cachePath string

	mu      sync.Mutex
	refresh string
	tok     *oauth2.Token
}

var _ oauth2.TokenSource = (*Provider)(nil)

func NewProvider(opts Options) *Provider {
	endpoint := google.Endpoint
	if opts.TokenURL != "" {
		endpoint = oauth2.Endpoint{TokenURL: opts.TokenURL}
	}
	p := &Provider{
		conf: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{MailScope},
		},
		cachePath: expandHome(opts.CachePath),
		refresh:   opts.RefreshToken,
	}
	p.loadCache()
	return p
}

// Token implements oauth2.TokenSource.
func (p *Provider) Token() (*oauth2.Token, error) {
	return p.token(context.Background())
}

// Credential returns a currently valid access token and its expiry,
// refreshing through the token endpoint when the cached one is stale.
func (p *Provider) Credential(ctx context.Context) (string, time.Time, error) {
	tok, err := p.token(ctx)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok.AccessToken, tok.Expiry, nil
}

// Invalidate drops the cached access token so the next call refreshes. The
// monitor calls this when a send comes back with an expired-credential
// rejection.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.tok = nil
	p.mu.Unlock()
}

// ValidFor reports whether the cached credential outlives d. Used to recycle
// the IMAP connection before its bearer token expires mid-idle.
func (p *Provider) ValidFor(d time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tok != nil && p.tok.AccessToken != "" && p.tok.Expiry.After(time.Now().Add(d))
}

func (p *Provider) token(ctx context.Context) (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tok != nil && p.tok.AccessToken != "" && p.tok.Expiry.After(time.Now().Add(expiryMargin)) {
		return p.tok, nil
	}
	if p.refresh == "" {
		return nil, &AuthError{Op: "refresh", Err: errors.New("no refresh token configured")}
	}
	src := p.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: p.refresh})
	tok, err := src.Token()
	if err != nil {
		return nil, &AuthError{Op: "refresh", Err: err}
	}
	// Some providers rotate the refresh token on use.
	if tok.RefreshToken != "" {
		p.refresh = tok.RefreshToken
	}
	p.tok = tok
	p.writeCacheLocked(tok)
	return tok, nil
}

func (p *Provider) loadCache() {
	if p.cachePath == "" {
		return
	}
	raw, err := os.ReadFile(p.cachePath)
	if err != nil {
		return
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.RefreshToken != "" {
		p.refresh = tok.RefreshToken
	}
	if tok.AccessToken != "" {
		p.tok = &tok
	}
}

func (p *Provider) writeCacheLocked(tok *oauth2.Token) {
	if p.cachePath == "" {
		return
	}
	out := *tok
	out.RefreshToken = p.refresh
	raw, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return
	}
	// Cache writes are best effort; a read-only filesystem just means a
	// refresh on next start.
	if err := os.MkdirAll(filepath.Dir(p.cachePath), 0o700); err != nil {
		return
	}
	_ = os.WriteFile(p.cachePath, raw, 0o600)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
