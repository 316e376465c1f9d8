// Package token stores per-session mailbox token material encrypted in
// Redis and refreshes OAuth access tokens when they go stale.
package token

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"scan_server/core/port/out"
	"scan_server/pkg/crypto"
	"scan_server/pkg/httputil"
)

// tokenTTL outlives any session: deep scans can run for hours, and the
// diagnostics endpoint reads sessions for a while after they finish.
const tokenTTL = 48 * time.Hour

// refreshSkew refreshes tokens slightly before their advertised expiry.
const refreshSkew = 60 * time.Second

type tokenRecord struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAtMs  int64  `json:"expiresAtMs,omitempty"`
}

// OAuthConfig is the client material for the refresh flow.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
}

// Adapter implements out.TokenProvider on Redis with AES-256-GCM at
// rest.
type Adapter struct {
	redis *redis.Client
	oauth OAuthConfig
}

func NewAdapter(redisClient *redis.Client, oauth OAuthConfig) *Adapter {
	return &Adapter{redis: redisClient, oauth: oauth}
}

func tokenKey(sessionID string) string {
	return "scan:tokens:" + sessionID
}

// StoreTokens encrypts and saves token material for the session.
func (a *Adapter) StoreTokens(ctx context.Context, sessionID, accessToken, refreshToken string, expiresAtMs int64) error {
	raw, err := json.Marshal(tokenRecord{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAtMs:  expiresAtMs,
	})
	if err != nil {
		return err
	}
	sealed, err := crypto.EncryptToken(string(raw))
	if err != nil {
		return fmt.Errorf("encrypting token material: %w", err)
	}
	return a.redis.Set(ctx, tokenKey(sessionID), sealed, tokenTTL).Err()
}

// AccessToken returns a usable token for the session, refreshing via
// OAuth when the stored one is stale and a refresh token exists.
func (a *Adapter) AccessToken(ctx context.Context, sessionID string) (string, error) {
	sealed, err := a.redis.Get(ctx, tokenKey(sessionID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	raw, err := crypto.DecryptToken(sealed)
	if err != nil {
		return "", fmt.Errorf("decrypting token material: %w", err)
	}
	var record tokenRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return "", err
	}

	if !a.isStale(record) {
		return record.AccessToken, nil
	}
	if record.RefreshToken == "" {
		// No refresh path; hand back what we have and let the driver
		// surface the auth failure.
		return record.AccessToken, nil
	}

	refreshed, err := a.refresh(ctx, record.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refreshing access token: %w", err)
	}
	if err := a.StoreTokens(ctx, sessionID, refreshed.AccessToken, record.RefreshToken, refreshed.Expiry.UnixMilli()); err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

func (a *Adapter) isStale(record tokenRecord) bool {
	if record.ExpiresAtMs == 0 {
		return false
	}
	return time.Now().Add(refreshSkew).UnixMilli() >= record.ExpiresAtMs
}

func (a *Adapter) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	cfg := &oauth2.Config{
		ClientID:     a.oauth.ClientID,
		ClientSecret: a.oauth.ClientSecret,
		Endpoint:     google.Endpoint,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httputil.OAuthClient())
	return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

var _ out.TokenProvider = (*Adapter)(nil)
