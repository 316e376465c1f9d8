// Package httputil provides optimized HTTP client utilities.
package httputil

import (
	"context"
	"net"
	"net/http"
	"time"
)

// =============================================================================
// Optimized HTTP Client Pool
// =============================================================================

// ClientConfig holds HTTP client configuration.
type ClientConfig struct {
	// Connection settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	// Timeout settings
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	ResponseTimeout     time.Duration

	// Keep-alive settings
	DisableKeepAlives bool
	KeepAliveInterval time.Duration
}

// DefaultClientConfig returns optimized default configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     30 * time.Second,
		DisableKeepAlives:   false,
		KeepAliveInterval:   30 * time.Second,
	}
}

// NewOptimizedClient creates an optimized HTTP client with connection pooling.
func NewOptimizedClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAliveInterval,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		ForceAttemptHTTP2:     true,
		DisableCompression:    false,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.ResponseTimeout,
	}
}

// =============================================================================
// API-Specific Client Configurations
// =============================================================================

// GmailClientConfig returns optimized configuration for the Gmail API.
// Metadata fan-out drives high per-host concurrency; batch body fetches
// need the longer response timeout.
func GmailClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 50,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     120 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     60 * time.Second,
		DisableKeepAlives:   false,
		KeepAliveInterval:   30 * time.Second,
	}
}

// OAuthClientConfig returns configuration for token refresh calls.
// Refreshes are rare and small, so the pool stays tiny.
func OAuthClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		MaxConnsPerHost:     10,
		IdleConnTimeout:     60 * time.Second,
		DialTimeout:         5 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		ResponseTimeout:     15 * time.Second,
		DisableKeepAlives:   false,
		KeepAliveInterval:   30 * time.Second,
	}
}

// =============================================================================
// Global Shared Client Pool (Singleton)
// =============================================================================

var (
	defaultClient *http.Client
	gmailClient   *http.Client
	oauthClient   *http.Client
)

func init() {
	defaultClient = NewOptimizedClient(DefaultClientConfig())
	gmailClient = NewOptimizedClient(GmailClientConfig())
	oauthClient = NewOptimizedClient(OAuthClientConfig())
}

// DefaultClient returns the shared default HTTP client.
func DefaultClient() *http.Client {
	return defaultClient
}

// GmailClient returns the optimized HTTP client for the Gmail API.
func GmailClient() *http.Client {
	return gmailClient
}

// OAuthClient returns the HTTP client for OAuth token refresh.
func OAuthClient() *http.Client {
	return oauthClient
}

// =============================================================================
// Request Helper with Context
// =============================================================================

// DoWithContext executes HTTP request with context and timeout.
func DoWithContext(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	if client == nil {
		client = defaultClient
	}
	return client.Do(req.WithContext(ctx))
}
