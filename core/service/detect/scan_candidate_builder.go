package detect

import (
	"regexp"
	"strings"
	"time"

	"scan_server/core/domain"
)

// Drop reasons counted into per-chunk nullReasons.
const (
	DropMarketingHeavy = "marketingHeavy"
	DropLowConfidence  = "lowConfidence"
	DropNoMerchant     = "noMerchant"
)

const maxLinkDomains = 200

// BuildResult is either a candidate or a drop with a reason; never
// both.
type BuildResult struct {
	Candidate  *domain.Candidate
	DropReason string
}

// Dropped reports whether the message was rejected.
func (r BuildResult) Dropped() bool { return r.Candidate == nil }

// CandidateBuilder turns one fetched message into a candidate. It is
// pure: all inputs come in, all verdicts come out, nothing is stored.
type CandidateBuilder struct {
	resolver *Resolver
	now      func() time.Time
}

// NewCandidateBuilder creates a builder over a resolver snapshot.
func NewCandidateBuilder(resolver *Resolver) *CandidateBuilder {
	return &CandidateBuilder{resolver: resolver, now: time.Now}
}

// Build runs the per-message pipeline of resolve, classify, extract
// and score.
func (b *CandidateBuilder) Build(meta *domain.EmailMeta, body *domain.EmailBody) BuildResult {
	text := ""
	html := ""
	if body != nil {
		text = NormalizeText(body.Text)
		html = body.HTML
	}
	snippet := NormalizeText(meta.Snippet)
	haystack := meta.Subject + "\n" + snippet + "\n" + text

	linkDomains := ExtractLinkDomains(text, html)

	res := b.resolver.Resolve(ResolveInput{
		From:            meta.From,
		ReplyTo:         meta.Header("Reply-To"),
		ReturnPath:      meta.Header("Return-Path"),
		ListUnsubscribe: meta.Header("List-Unsubscribe"),
		LinkDomains:     linkDomains,
		Haystack:        haystack,
	})

	flags := Classify(meta.Subject, snippet, text, meta.Headers, res.FromDomain)

	if flags.MarketingHeavy && !flags.LikelyTransactional {
		return BuildResult{DropReason: DropMarketingHeavy}
	}

	merchant := res.Name()
	reasons := []string{"resolver:" + string(res.Reason)}

	platformExtract := false
	if PlatformKey(res.FromDomain) != "" {
		if extracted := ExtractPlatformMerchant(haystack); len(extracted) >= 2 {
			merchant = extracted
			platformExtract = true
			reasons = append(reasons, "platform:merchant")
		}
	}
	if merchant == "" {
		return BuildResult{DropReason: DropNoMerchant}
	}

	amount, currency := ExtractAmount(haystack)
	nextRenewal := ExtractNextRenewal(haystack, b.now())
	plan := ExtractPlan(haystack)

	var cadence domain.Cadence
	if flags.LikelyTransactional || nextRenewal != "" {
		cadence = ExtractCadence(haystack)
	}
	// A single receipt carries no cadence keyword, but the span from the
	// message date to the renewal date is the billing period.
	if cadence == "" && nextRenewal != "" && meta.DateMs > 0 {
		if renew, err := time.Parse("2006-01-02", nextRenewal); err == nil {
			gapDays := renew.Sub(time.UnixMilli(meta.DateMs).UTC()).Hours() / 24
			cadence = CadenceFromGap(gapDays)
		}
	}

	eventType := DetectEventType(haystack, flags, amount != nil)
	isTrial := eventType == domain.EventTrial

	confidence := res.Confidence * 6 / 10
	if confidence > 60 {
		confidence = 60
	}
	if flags.LikelyTransactional {
		confidence += 12
		reasons = append(reasons, "transactional")
	}
	if platformExtract {
		confidence += 10
	}
	if amount != nil && flags.LikelyTransactional {
		confidence += 10
		reasons = append(reasons, "amount")
	}
	if nextRenewal != "" {
		confidence += 8
		reasons = append(reasons, "nextRenewal")
	}
	if cadence != "" {
		confidence += 4
		reasons = append(reasons, "cadence:"+string(cadence))
	}
	if amount != nil && nextRenewal != "" && cadence != "" {
		confidence += 8
		reasons = append(reasons, "billingComplete")
	}
	if res.Reason == domain.ReasonFallbackDomain && strongBillingProof(flags, amount, eventType) {
		confidence += 18
		reasons = append(reasons, "strongBillingProof")
	}
	if flags.BulkHeader {
		confidence -= 10
		reasons = append(reasons, "bulkHeader")
	}
	if IsConsumerDomain(res.FromDomain) {
		confidence -= 15
		reasons = append(reasons, "consumerSender")
	}
	if keywordConflict(res) {
		confidence -= 30
		reasons = append(reasons, "keywordConflict")
	}

	// Without any billing anchor the score stays speculative.
	if amount == nil && nextRenewal == "" && cadence == "" && !isTrial && confidence > 55 {
		confidence = 55
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}

	floor := 45
	if isTrial {
		floor = 35
	}
	if confidence < floor {
		return BuildResult{DropReason: DropLowConfidence}
	}

	evidenceType := domain.EvidenceUnknown
	switch {
	case isTrial:
		evidenceType = domain.EvidenceTrial
	case platformExtract:
		evidenceType = domain.EvidencePlatformReceipt
	case flags.LikelyTransactional:
		evidenceType = domain.EvidenceTransactional
	}

	senderDomain := res.FromDomain
	cand := &domain.Candidate{
		Fingerprint:     domain.EmailFingerprint(merchant, senderDomain, amount, currency),
		Merchant:        merchant,
		Plan:            plan,
		Amount:          amount,
		Currency:        currency,
		CadenceGuess:    cadence,
		NextDateGuess:   nextRenewal,
		Confidence:      confidence,
		ConfidenceLabel: domain.ConfidenceLabel(confidence),
		EvidenceType:    evidenceType,
		EventType:       eventType,
		Reasons:         reasons,
		Evidence: domain.EvidenceSample{
			From:         meta.From,
			Subject:      meta.Subject,
			Snippet:      snippet,
			SenderEmail:  meta.SenderEmail(),
			SenderDomain: senderDomain,
			DateMs:       meta.DateMs,
		},
		NeedsConfirm:  confidence < 80,
		FullBody:      body != nil && (body.Text != "" || body.HTML != ""),
		EvidenceDates: []int64{meta.DateMs},
	}
	if eventType == domain.EventPaused || eventType == domain.EventPaymentFailed {
		cand.ExcludeFromSpend = true
		cand.CardType = "status"
	}
	return BuildResult{Candidate: cand}
}

// strongBillingProof gates the fallback-domain bonus: an amount plus a
// concrete billing event, or repeated positive phrasing.
func strongBillingProof(flags Flags, amount *float64, eventType domain.CandidateEventType) bool {
	if amount == nil {
		return false
	}
	return eventType == domain.EventReceipt || eventType == domain.EventRenewal || flags.PosHits >= 2
}

// keywordConflict flags a keyword-tier match whose sender domain bears
// no resemblance to the resolved merchant.
func keywordConflict(res *domain.MerchantResolution) bool {
	if res.Reason != domain.ReasonKeywords || res.Canonical == "" || res.FromDomain == "" {
		return false
	}
	if IsConsumerDomain(res.FromDomain) || IsInfraDomain(res.FromDomain) {
		return false
	}
	first := strings.ToLower(strings.Fields(res.Canonical)[0])
	return !strings.Contains(strings.ToLower(res.FromDomain), first)
}

var whitespaceRe = regexp.MustCompile(`[ \t]{2,}`)

// NormalizeText collapses whitespace noise out of a body: tabs and CRs
// go away, NBSP becomes a plain space, runs of spaces dedupe.
func NormalizeText(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, " ", " ")
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\t", " ")
	return whitespaceRe.ReplaceAllString(s, " ")
}

var urlRe = regexp.MustCompile(`https?://([A-Za-z0-9.-]+)`)

// ExtractLinkDomains collects distinct link hosts from the text and
// html bodies, capped at 200.
func ExtractLinkDomains(text, html string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, body := range []string{text, html} {
		for _, m := range urlRe.FindAllStringSubmatch(body, -1) {
			d := strings.ToLower(m[1])
			if _, dup := seen[d]; dup {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
			if len(out) >= maxLinkDomains {
				return out
			}
		}
	}
	return out
}
