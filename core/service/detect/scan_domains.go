// Package detect implements the per-message subscription detection
// pipeline: merchant resolution, classification, field extraction,
// candidate building, metadata clustering and aggregation.
package detect

import (
	"strings"
)

// Consumer mailbox domains. A sender here is a person, never a merchant
// identity.
var consumerDomains = map[string]struct{}{
	"gmail.com":      {},
	"googlemail.com": {},
	"yahoo.com":      {},
	"ymail.com":      {},
	"hotmail.com":    {},
	"outlook.com":    {},
	"live.com":       {},
	"msn.com":        {},
	"icloud.com":     {},
	"me.com":         {},
	"mac.com":        {},
	"aol.com":        {},
	"protonmail.com": {},
	"proton.me":      {},
}

// Mail-sending infrastructure (ESP) domains. These route mail for
// merchants but are never the merchant themselves.
var infraDomains = map[string]struct{}{
	"sendgrid.net":      {},
	"sendgrid.com":      {},
	"mailgun.org":       {},
	"mailgun.net":       {},
	"amazonses.com":     {},
	"list-manage.com":   {},
	"mailchimp.com":     {},
	"mcsv.net":          {},
	"sparkpostmail.com": {},
	"sparkpost.com":     {},
	"postmarkapp.com":   {},
	"sendinblue.com":    {},
	"brevo.com":         {},
	"customeriomail.com": {},
}

// Platform aggregator domains whose receipts bill on behalf of another
// merchant.
var platformDomains = map[string]string{
	"apple.com":  "apple",
	"itunes.com": "apple",
	"paypal.com": "paypal",
	"google.com": "googleplay",
}

var mailSubdomainPrefixes = []string{"mail", "email", "em", "m", "news", "notify", "noreply"}

// IsConsumerDomain reports whether the domain (or its base) is a
// consumer mailbox provider.
func IsConsumerDomain(domain string) bool {
	_, ok := consumerDomains[BaseDomain(domain)]
	return ok
}

// IsInfraDomain reports whether the domain belongs to mail-sending
// infrastructure.
func IsInfraDomain(domain string) bool {
	base := BaseDomain(domain)
	if _, ok := infraDomains[base]; ok {
		return true
	}
	// ESP subdomain conventions like u12345.ct.sendgrid.net.
	for infra := range infraDomains {
		if DomainMatches(domain, infra) {
			return true
		}
	}
	return false
}

// PlatformKey returns "apple", "paypal" or "googleplay" when the
// domain belongs to a receipt aggregator, else "".
func PlatformKey(domain string) string {
	for plat, key := range platformDomains {
		if DomainMatches(domain, plat) {
			return key
		}
	}
	return ""
}

// DomainMatches reports whether candidate equals target or is a
// subdomain of it (mail.example.com matches example.com).
func DomainMatches(candidate, target string) bool {
	candidate = strings.ToLower(strings.TrimSpace(candidate))
	target = strings.ToLower(strings.TrimSpace(target))
	if candidate == "" || target == "" {
		return false
	}
	return candidate == target || strings.HasSuffix(candidate, "."+target)
}

// NormalizeDomain lowercases and strips one known mail subdomain
// prefix (mail., em., news., ...).
func NormalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	for _, prefix := range mailSubdomainPrefixes {
		if strings.HasPrefix(domain, prefix+".") && strings.Count(domain, ".") >= 2 {
			return domain[len(prefix)+1:]
		}
	}
	return domain
}

// BaseDomain reduces a host to its registrable two-label tail. Good
// enough for the closed sets used here; no public-suffix table.
func BaseDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	parts := strings.Split(domain, ".")
	if len(parts) <= 2 {
		return domain
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

// PrettyNameFromDomain turns "account.netflix.com" into "Netflix".
func PrettyNameFromDomain(domain string) string {
	base := BaseDomain(NormalizeDomain(domain))
	if base == "" {
		return ""
	}
	label := strings.SplitN(base, ".", 2)[0]
	if label == "" {
		return ""
	}
	label = strings.ReplaceAll(label, "-", " ")
	words := strings.Fields(label)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
