package detect

import "testing"

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Mail.Spotify.com", "spotify.com"},
		{"email.apple.com", "apple.com"},
		{"em.netflix.com", "netflix.com"},
		{"news.linkedin.com", "linkedin.com"},
		{"account.netflix.com", "account.netflix.com"},
		{"netflix.com", "netflix.com"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeDomain(tt.in); got != tt.want {
			t.Errorf("NormalizeDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBaseDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"u12345.ct.sendgrid.net", "sendgrid.net"},
		{"account.netflix.com", "netflix.com"},
		{"netflix.com", "netflix.com"},
		{"localhost", "localhost"},
	}
	for _, tt := range tests {
		if got := BaseDomain(tt.in); got != tt.want {
			t.Errorf("BaseDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDomainMatches(t *testing.T) {
	tests := []struct {
		candidate, target string
		want              bool
	}{
		{"netflix.com", "netflix.com", true},
		{"mail.netflix.com", "netflix.com", true},
		{"notnetflix.com", "netflix.com", false},
		{"netflix.com", "mail.netflix.com", false},
		{"", "netflix.com", false},
	}
	for _, tt := range tests {
		if got := DomainMatches(tt.candidate, tt.target); got != tt.want {
			t.Errorf("DomainMatches(%q, %q) = %v, want %v", tt.candidate, tt.target, got, tt.want)
		}
	}
}

func TestIsInfraDomain(t *testing.T) {
	if !IsInfraDomain("u12345.ct.sendgrid.net") {
		t.Error("sendgrid subdomain should be infra")
	}
	if !IsInfraDomain("amazonses.com") {
		t.Error("amazonses.com should be infra")
	}
	if IsInfraDomain("netflix.com") {
		t.Error("netflix.com should not be infra")
	}
}

func TestPlatformKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"apple.com", "apple"},
		{"email.apple.com", "apple"},
		{"paypal.com", "paypal"},
		{"play.google.com", "googleplay"},
		{"netflix.com", ""},
	}
	for _, tt := range tests {
		if got := PlatformKey(tt.in); got != tt.want {
			t.Errorf("PlatformKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrettyNameFromDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"account.netflix.com", "Netflix"},
		{"mail.crunchy-roll.com", "Crunchy Roll"},
		{"spotify.com", "Spotify"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := PrettyNameFromDomain(tt.in); got != tt.want {
			t.Errorf("PrettyNameFromDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
