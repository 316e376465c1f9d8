package detect

import (
	"strings"

	"scan_server/core/domain"
)

// ResolveInput is the normalized surface of one email handed to the
// merchant resolver.
type ResolveInput struct {
	From            string
	ReplyTo         string
	ReturnPath      string
	ListUnsubscribe string
	LinkDomains     []string
	Haystack        string
}

// Resolver maps an email surface to a canonical merchant. It holds a
// snapshot of the directory plus the requesting user's overrides; both
// are read-only.
type Resolver struct {
	entries          []*domain.DirectoryEntry
	overrideByEmail  map[string]string
	overrideByDomain map[string]string
	emailIndex       map[string]*domain.DirectoryEntry
}

// NewResolver builds a resolver over a directory snapshot and a user's
// overrides.
func NewResolver(entries []*domain.DirectoryEntry, overrides []*domain.UserOverride) *Resolver {
	r := &Resolver{
		entries:          entries,
		overrideByEmail:  make(map[string]string),
		overrideByDomain: make(map[string]string),
		emailIndex:       make(map[string]*domain.DirectoryEntry),
	}
	for _, o := range overrides {
		if o.SenderEmail != "" {
			r.overrideByEmail[strings.ToLower(o.SenderEmail)] = o.CanonicalName
		}
		if o.SenderDomain != "" {
			r.overrideByDomain[strings.ToLower(o.SenderDomain)] = o.CanonicalName
		}
	}
	for _, e := range entries {
		for _, email := range e.SenderEmails {
			r.emailIndex[strings.ToLower(email)] = e
		}
	}
	return r
}

// Resolve walks the match tiers in order; the first tier that matches
// wins and the score accumulates within it.
func (r *Resolver) Resolve(in ResolveInput) *domain.MerchantResolution {
	fromEmail := domain.ExtractAddress(in.From)
	fromDomain := NormalizeDomain(domain.AddressDomain(fromEmail))

	res := &domain.MerchantResolution{FromDomain: fromDomain, Reason: domain.ReasonNoMatch}

	candidates := r.candidateDomains(in, fromDomain)

	// Tier 1: user override by exact sender email.
	if name, ok := r.overrideByEmail[fromEmail]; ok {
		res.Canonical = name
		res.Confidence = 95
		res.Reason = domain.ReasonOverrideEmail
		res.Signals = append(res.Signals, "override:email")
		return res
	}

	// Tier 2: user override by any candidate domain.
	for _, cand := range candidates {
		for overrideDomain, name := range r.overrideByDomain {
			if DomainMatches(cand, overrideDomain) {
				res.Canonical = name
				res.Confidence = 90
				res.Reason = domain.ReasonOverrideDomain
				res.Signals = append(res.Signals, "override:domain:"+overrideDomain)
				return res
			}
		}
	}

	// Tier 3: directory exact sender email.
	if entry, ok := r.emailIndex[fromEmail]; ok {
		score := 50
		if agree := r.domainAgrees(entry, domain.AddressDomain(domain.ExtractAddress(in.ReplyTo))); agree {
			score += 10
			res.Signals = append(res.Signals, "replyTo:agrees")
		}
		if agree := r.domainAgrees(entry, domain.AddressDomain(domain.ExtractAddress(in.ReturnPath))); agree {
			score += 10
			res.Signals = append(res.Signals, "returnPath:agrees")
		}
		res.Canonical = entry.CanonicalName
		res.Confidence = clampScore(score)
		res.Reason = domain.ReasonSenderEmail
		return res
	}

	// Tier 4: directory domain over candidate domains, fromDomain first.
	if entry, matched, viaFrom := r.matchDomain(candidates, fromDomain); entry != nil {
		score := 45
		if viaFrom {
			score = 55
		}
		if r.domainAgrees(entry, listUnsubDomain(in.ListUnsubscribe)) {
			score += 8
			res.Signals = append(res.Signals, "listUnsub:agrees")
		}
		for _, link := range in.LinkDomains {
			if r.domainAgrees(entry, link) {
				score += 5
				res.Signals = append(res.Signals, "link:agrees")
				break
			}
		}
		if IsConsumerDomain(fromDomain) {
			score -= 30
			res.Signals = append(res.Signals, "penalty:consumer")
		}
		res.Canonical = entry.CanonicalName
		res.Confidence = clampScore(score)
		res.Reason = domain.ReasonDomain
		res.Signals = append(res.Signals, "domain:"+matched)
		return res
	}

	// Tier 5: keyword hits against the haystack.
	if entry, hits := r.keywordMatch(in.Haystack); entry != nil {
		score := 10 + 7*hits
		if score > 38 {
			score = 38
		}
		if score < 10 {
			score = 10
		}
		if IsConsumerDomain(fromDomain) {
			score -= 10
			res.Signals = append(res.Signals, "penalty:consumer")
		}
		res.Canonical = entry.CanonicalName
		res.Confidence = clampScore(score)
		res.Reason = domain.ReasonKeywords
		res.Signals = append(res.Signals, "keywords")
		return res
	}

	// Tier 6: pretty label straight from a non-consumer, non-infra
	// sender domain.
	if fromDomain != "" && !IsConsumerDomain(fromDomain) && !IsInfraDomain(fromDomain) {
		res.PrettyFallback = PrettyNameFromDomain(fromDomain)
		if res.PrettyFallback != "" {
			res.Confidence = 35
			res.Reason = domain.ReasonFallbackDomain
			return res
		}
	}

	return res
}

func (r *Resolver) candidateDomains(in ResolveInput, fromDomain string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(d string) {
		d = NormalizeDomain(d)
		if d == "" {
			return
		}
		if _, dup := seen[d]; dup {
			return
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	add(fromDomain)
	add(domain.AddressDomain(domain.ExtractAddress(in.ReplyTo)))
	add(domain.AddressDomain(domain.ExtractAddress(in.ReturnPath)))
	add(listUnsubDomain(in.ListUnsubscribe))
	for _, link := range in.LinkDomains {
		add(link)
	}
	return out
}

// matchDomain finds the first directory entry whose sender domains
// cover a candidate, checking fromDomain before the rest.
func (r *Resolver) matchDomain(candidates []string, fromDomain string) (*domain.DirectoryEntry, string, bool) {
	ordered := make([]string, 0, len(candidates))
	if fromDomain != "" {
		ordered = append(ordered, fromDomain)
	}
	for _, c := range candidates {
		if c != fromDomain {
			ordered = append(ordered, c)
		}
	}
	for i, cand := range ordered {
		for _, entry := range r.entries {
			for _, d := range entry.SenderDomains {
				if DomainMatches(cand, d) {
					return entry, d, i == 0 && cand == fromDomain
				}
			}
		}
	}
	return nil, "", false
}

func (r *Resolver) domainAgrees(entry *domain.DirectoryEntry, candidate string) bool {
	candidate = NormalizeDomain(candidate)
	if candidate == "" {
		return false
	}
	for _, d := range entry.SenderDomains {
		if DomainMatches(candidate, d) {
			return true
		}
	}
	return false
}

func (r *Resolver) keywordMatch(haystack string) (*domain.DirectoryEntry, int) {
	if haystack == "" {
		return nil, 0
	}
	hay := strings.ToLower(haystack)
	var best *domain.DirectoryEntry
	bestHits := 0
	for _, entry := range r.entries {
		hits := 0
		for _, kw := range entry.Keywords {
			if kw != "" && strings.Contains(hay, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = entry, hits
		}
	}
	return best, bestHits
}

// listUnsubDomain pulls a domain out of a List-Unsubscribe header,
// which carries <https://...> and/or <mailto:...> entries.
func listUnsubDomain(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.Trim(strings.TrimSpace(part), "<>")
		switch {
		case strings.HasPrefix(part, "mailto:"):
			return domain.AddressDomain(strings.TrimPrefix(part, "mailto:"))
		case strings.HasPrefix(part, "http://"), strings.HasPrefix(part, "https://"):
			rest := part[strings.Index(part, "//")+2:]
			if slash := strings.IndexAny(rest, "/?"); slash >= 0 {
				rest = rest[:slash]
			}
			return strings.ToLower(rest)
		}
	}
	return ""
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
