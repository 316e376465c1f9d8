package domain

import (
	"strings"
	"time"
)

// EmailMeta is the header-level view of a message, enough for
// screening and clustering without a body fetch.
type EmailMeta struct {
	ID      string
	From    string
	Subject string
	Snippet string
	DateMs  int64
	Headers map[string]string
}

// Header returns a header value, case-insensitively.
func (m *EmailMeta) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	if v, ok := m.Headers[name]; ok {
		return v
	}
	lower := strings.ToLower(name)
	for k, v := range m.Headers {
		if strings.ToLower(k) == lower {
			return v
		}
	}
	return ""
}

// SenderEmail extracts the bare address from the From header.
func (m *EmailMeta) SenderEmail() string {
	return ExtractAddress(m.From)
}

// SenderDomain extracts the domain of the From address, lowercased.
func (m *EmailMeta) SenderDomain() string {
	return AddressDomain(m.SenderEmail())
}

// Date converts DateMs to a time.Time.
func (m *EmailMeta) Date() time.Time {
	return time.UnixMilli(m.DateMs)
}

// EmailBody holds the fetched message bodies.
type EmailBody struct {
	Text string
	HTML string
}

// ExtractAddress pulls the bare email address out of a display-name
// header like `Netflix <info@account.netflix.com>`.
func ExtractAddress(header string) string {
	header = strings.TrimSpace(header)
	if start := strings.LastIndex(header, "<"); start >= 0 {
		if end := strings.Index(header[start:], ">"); end > 0 {
			return strings.ToLower(strings.TrimSpace(header[start+1 : start+end]))
		}
	}
	return strings.ToLower(header)
}

// AddressDomain returns the part after '@', lowercased.
func AddressDomain(address string) string {
	if at := strings.LastIndex(address, "@"); at >= 0 && at < len(address)-1 {
		return strings.ToLower(address[at+1:])
	}
	return ""
}
