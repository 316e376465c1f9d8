package domain

// DirectoryEntry is one row of the merchant directory. The directory is
// read-only to the scan core and cached process-wide.
type DirectoryEntry struct {
	CanonicalName string   `json:"canonicalName"`
	SenderEmails  []string `json:"senderEmails,omitempty"`
	SenderDomains []string `json:"senderDomains,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
}

// UserOverride pins a sender email or domain to a canonical merchant
// for one user. Exactly one of SenderEmail/SenderDomain is set.
type UserOverride struct {
	UserID        string `json:"userId"`
	SenderEmail   string `json:"senderEmail,omitempty"`
	SenderDomain  string `json:"senderDomain,omitempty"`
	CanonicalName string `json:"canonicalName"`
}

// ResolveReason names the tier a merchant resolution came from.
type ResolveReason string

const (
	ReasonOverrideEmail  ResolveReason = "override-email"
	ReasonOverrideDomain ResolveReason = "override-domain"
	ReasonSenderEmail    ResolveReason = "sender-email"
	ReasonDomain         ResolveReason = "domain"
	ReasonKeywords       ResolveReason = "keywords"
	ReasonFallbackDomain ResolveReason = "fallback-domain"
	ReasonNoMatch        ResolveReason = "no-match"
)

// MerchantResolution is the output of the merchant resolver.
type MerchantResolution struct {
	Canonical      string        `json:"canonical,omitempty"`
	PrettyFallback string        `json:"prettyFallback,omitempty"`
	Confidence     int           `json:"confidence"`
	Reason         ResolveReason `json:"reason"`
	Signals        []string      `json:"signals,omitempty"`
	FromDomain     string        `json:"fromDomain"`
}

// Name returns the canonical merchant if resolved, else the pretty
// fallback label.
func (r *MerchantResolution) Name() string {
	if r.Canonical != "" {
		return r.Canonical
	}
	return r.PrettyFallback
}
