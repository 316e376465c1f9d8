package detect

import (
	"strings"

	"scan_server/core/domain"
)

// Positive phrases: evidence the message is about a charge, receipt or
// subscription event.
var positivePhrases = []string{
	"payment successful",
	"payment received",
	"payment confirmation",
	"we charged",
	"you were charged",
	"your card was charged",
	"invoice",
	"receipt",
	"order confirmation",
	"subscription renewed",
	"subscription confirmation",
	"renews on",
	"renewal date",
	"next billing date",
	"billing statement",
	"amount due",
	"amount paid",
	"you paid",
	"trial ends",
	"trial will end",
	"expires on",
	"membership renewal",
}

// Negative phrases: marketing vocabulary.
var negativePhrases = []string{
	"newsletter",
	"promo",
	"promotion",
	"sale",
	"discount",
	"% off",
	"limited time",
	"recommended for you",
	"don't miss",
	"new arrivals",
	"special offer",
	"deal of the day",
	"free shipping",
}

var transactionalMarkers = []string{"invoice", "receipt", "charged", "payment", "subscription renewed"}

var appleHints = []string{"subscription", "purchase", "app store", "itunes", "receipt"}

// Flags is the classifier output for one message surface.
type Flags struct {
	BulkHeader          bool
	MarketingHeavy      bool
	LikelyTransactional bool
	AppleReceiptHint    bool
	PosHits             int
	NegHits             int
}

// ScreenReason explains a quick-screen verdict.
type ScreenReason string

const (
	ScreenOK         ScreenReason = "ok"
	ScreenHardNo     ScreenReason = "hard_no"
	ScreenWeakSignal ScreenReason = "weak_signal"
	ScreenMarketing  ScreenReason = "marketing"
)

// ScreenResult is the metadata-only screening verdict. WeakSignal
// passes so screening never empties a chunk.
type ScreenResult struct {
	OK     bool
	Reason ScreenReason
	Flags  Flags
}

// Classify computes the signal flags for a message.
func Classify(subject, snippet, text string, headers map[string]string, fromDomain string) Flags {
	hay := strings.ToLower(subject + "\n" + snippet + "\n" + text)

	var f Flags
	f.BulkHeader = bulkHeader(headers)
	f.PosHits = countHits(hay, positivePhrases)
	f.NegHits = countHits(hay, negativePhrases)
	f.AppleReceiptHint = DomainMatches(fromDomain, "apple.com") && countHits(hay, appleHints) > 0
	f.LikelyTransactional = f.AppleReceiptHint || f.PosHits >= 2 || countHits(hay, transactionalMarkers) > 0
	f.MarketingHeavy = f.BulkHeader && f.NegHits >= 1 && f.PosHits == 0 && !f.AppleReceiptHint
	return f
}

// QuickScreen classifies from headers, subject and snippet alone,
// before any body fetch.
func QuickScreen(meta *domain.EmailMeta) ScreenResult {
	f := Classify(meta.Subject, meta.Snippet, "", meta.Headers, meta.SenderDomain())

	switch {
	case f.MarketingHeavy:
		return ScreenResult{OK: false, Reason: ScreenMarketing, Flags: f}
	case f.NegHits >= 2 && f.PosHits == 0 && !f.AppleReceiptHint:
		return ScreenResult{OK: false, Reason: ScreenHardNo, Flags: f}
	case f.LikelyTransactional:
		return ScreenResult{OK: true, Reason: ScreenOK, Flags: f}
	default:
		return ScreenResult{OK: true, Reason: ScreenWeakSignal, Flags: f}
	}
}

// bulkHeader detects list/bulk senders. List-Unsubscribe alone does
// not count; too many legitimate receipts carry it.
func bulkHeader(headers map[string]string) bool {
	get := func(name string) string {
		for k, v := range headers {
			if strings.EqualFold(k, name) {
				return strings.ToLower(v)
			}
		}
		return ""
	}
	if p := get("Precedence"); strings.Contains(p, "bulk") || strings.Contains(p, "list") || strings.Contains(p, "junk") {
		return true
	}
	if a := get("Auto-Submitted"); strings.Contains(a, "auto-generated") || strings.Contains(a, "auto-replied") {
		return true
	}
	return get("List-Id") != ""
}

func countHits(haystack string, phrases []string) int {
	hits := 0
	for _, p := range phrases {
		if strings.Contains(haystack, p) {
			hits++
		}
	}
	return hits
}
