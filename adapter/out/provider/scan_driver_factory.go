// Package provider implements mailbox drivers and their factory.
package provider

import (
	"context"

	json "github.com/goccy/go-json"

	"scan_server/adapter/out/provider/gmail"
	"scan_server/adapter/out/provider/imapdrv"
	"scan_server/core/domain"
	"scan_server/core/port/out"
	"scan_server/pkg/apperr"
)

// imapCredentials is the token blob stored for IMAP sessions.
type imapCredentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Factory builds a mailbox driver per session. For Gmail the token is
// an OAuth bearer token; for IMAP it is a JSON credentials blob.
type Factory struct{}

// NewFactory creates the driver factory.
func NewFactory() *Factory {
	return &Factory{}
}

// NewDriver builds a driver for the session's provider.
func (f *Factory) NewDriver(ctx context.Context, session *domain.Session, accessToken string, opts domain.ScanOptions) (out.MailboxDriver, error) {
	switch session.Provider {
	case domain.ProviderGmail:
		return gmail.NewDriver(ctx, accessToken, opts)
	case domain.ProviderIMAP:
		var creds imapCredentials
		if err := json.Unmarshal([]byte(accessToken), &creds); err != nil {
			return nil, apperr.MissingToken(string(session.Provider)).WithError(err)
		}
		if creds.Host == "" || creds.Username == "" || creds.Password == "" {
			return nil, apperr.MissingToken(string(session.Provider))
		}
		if creds.Port == 0 {
			creds.Port = 993
		}
		return imapdrv.NewDriver(imapdrv.Config{
			Host:     creds.Host,
			Port:     creds.Port,
			Username: creds.Username,
			Password: creds.Password,
		}, opts), nil
	default:
		return nil, apperr.UnsupportedProvider(string(session.Provider))
	}
}

// EncodeIMAPCredentials renders IMAP connection material as the token
// blob StoreTokens expects.
func EncodeIMAPCredentials(host string, port int, username, password string) (string, error) {
	raw, err := json.Marshal(imapCredentials{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
