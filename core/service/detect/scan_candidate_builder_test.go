package detect

import (
	"fmt"
	"testing"
	"time"

	"scan_server/core/domain"
)

func TestBuildNetflixReceipt(t *testing.T) {
	b := NewCandidateBuilder(NewResolver(testDirectory(), nil))

	renewDate := time.Now().UTC().AddDate(0, 0, 30).Format("2006-01-02")
	meta := &domain.EmailMeta{
		ID:      "m1",
		From:    "Netflix <info@account.netflix.com>",
		Subject: "Your Netflix receipt",
		DateMs:  time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC).UnixMilli(),
		Headers: map[string]string{"List-Unsubscribe": "<https://netflix.com/unsubscribe>"},
	}
	body := &domain.EmailBody{
		Text: fmt.Sprintf("We charged $15.49 to your card.\nPlan: Premium\nYour plan renews on %s.\nBilled monthly.\nManage at https://www.netflix.com/account", renewDate),
	}

	r := b.Build(meta, body)
	if r.Dropped() {
		t.Fatalf("dropped: %s", r.DropReason)
	}
	c := r.Candidate

	if c.Merchant != "Netflix" {
		t.Errorf("merchant = %q, want Netflix", c.Merchant)
	}
	if !c.HasAmount() || *c.Amount != 15.49 || c.Currency != "USD" {
		t.Errorf("amount = %v %s, want 15.49 USD", c.Amount, c.Currency)
	}
	if c.Plan != "Premium" {
		t.Errorf("plan = %q, want Premium", c.Plan)
	}
	if c.CadenceGuess != domain.CadenceMonthly {
		t.Errorf("cadence = %q, want monthly", c.CadenceGuess)
	}
	if c.NextDateGuess != renewDate {
		t.Errorf("nextDateGuess = %q, want %s", c.NextDateGuess, renewDate)
	}
	if c.EventType != domain.EventReceipt {
		t.Errorf("eventType = %q, want receipt", c.EventType)
	}
	if c.EvidenceType != domain.EvidenceTransactional {
		t.Errorf("evidenceType = %q, want transactional", c.EvidenceType)
	}
	if c.Confidence != 82 {
		t.Errorf("confidence = %d, want 82", c.Confidence)
	}
	if c.ConfidenceLabel != "High" || c.NeedsConfirm {
		t.Errorf("label=%s needsConfirm=%v, want High/false", c.ConfidenceLabel, c.NeedsConfirm)
	}
	want := domain.EmailFingerprint("Netflix", "account.netflix.com", c.Amount, "USD")
	if c.Fingerprint != want {
		t.Errorf("fingerprint = %s, want %s", c.Fingerprint, want)
	}
	if !c.FullBody {
		t.Error("FullBody should be set when a body was fetched")
	}
}

func TestBuildInfersCadenceFromRenewalGap(t *testing.T) {
	b := NewCandidateBuilder(NewResolver(testDirectory(), nil))

	// No cadence keyword anywhere; only the 30-day span from the charge
	// to the renewal date says this is monthly.
	now := time.Now().UTC()
	renewDate := now.AddDate(0, 0, 30).Format("2006-01-02")
	meta := &domain.EmailMeta{
		ID:      "m9",
		From:    "Netflix <info@account.netflix.com>",
		Subject: "Your Netflix receipt",
		DateMs:  now.UnixMilli(),
		Headers: map[string]string{"List-Unsubscribe": "<https://netflix.com/unsubscribe>"},
	}
	body := &domain.EmailBody{
		Text: fmt.Sprintf("We charged $15.49 to your card.\nYour plan renews on %s.\nManage at https://www.netflix.com/account", renewDate),
	}

	r := b.Build(meta, body)
	if r.Dropped() {
		t.Fatalf("dropped: %s", r.DropReason)
	}
	c := r.Candidate
	if c.CadenceGuess != domain.CadenceMonthly {
		t.Errorf("cadence = %q, want monthly inferred from the renewal gap", c.CadenceGuess)
	}
	if c.ConfidenceLabel != "High" || c.NeedsConfirm {
		t.Errorf("label=%s conf=%d needsConfirm=%v, want High/false", c.ConfidenceLabel, c.Confidence, c.NeedsConfirm)
	}

	// A yearly plan's gap lands on yearly.
	yearBody := &domain.EmailBody{
		Text: fmt.Sprintf("We charged $139.00 to your card.\nYour plan renews on %s.", now.AddDate(0, 0, 365).Format("2006-01-02")),
	}
	r = b.Build(meta, yearBody)
	if r.Dropped() || r.Candidate.CadenceGuess != domain.CadenceYearly {
		t.Errorf("yearly gap: got %+v", r)
	}
}

func TestBuildApplePlatformReceipt(t *testing.T) {
	b := NewCandidateBuilder(NewResolver(nil, nil))

	renewDate := time.Now().UTC().AddDate(0, 0, 25).Format("2006-01-02")
	meta := &domain.EmailMeta{
		ID:      "m2",
		From:    "Apple <no_reply@email.apple.com>",
		Subject: "Your receipt from Apple",
		DateMs:  time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC).UnixMilli(),
	}
	body := &domain.EmailBody{
		Text: fmt.Sprintf("App: LinkedIn: Network & Job Finder\nSubscription: Premium Career Monthly\nRenewal date: %s\nTotal: US$39.99", renewDate),
	}

	r := b.Build(meta, body)
	if r.Dropped() {
		t.Fatalf("dropped: %s", r.DropReason)
	}
	c := r.Candidate

	// The app name, not Apple, is the merchant.
	if c.Merchant != "LinkedIn" {
		t.Errorf("merchant = %q, want LinkedIn", c.Merchant)
	}
	if c.EvidenceType != domain.EvidencePlatformReceipt {
		t.Errorf("evidenceType = %q, want platform_receipt", c.EvidenceType)
	}
	if !c.HasAmount() || *c.Amount != 39.99 || c.Currency != "USD" {
		t.Errorf("amount = %v %s, want 39.99 USD", c.Amount, c.Currency)
	}
	if c.Plan != "Premium Career Monthly" {
		t.Errorf("plan = %q", c.Plan)
	}
	if c.Confidence != 91 {
		t.Errorf("confidence = %d, want 91", c.Confidence)
	}
	if c.ConfidenceLabel != "High" || c.NeedsConfirm {
		t.Errorf("label=%s needsConfirm=%v, want High/false", c.ConfidenceLabel, c.NeedsConfirm)
	}
}

func TestBuildDropsMarketing(t *testing.T) {
	b := NewCandidateBuilder(NewResolver(nil, nil))

	meta := &domain.EmailMeta{
		From:    "deals@shop.example",
		Subject: "Special offer just for you",
		Headers: map[string]string{"Precedence": "bulk"},
	}
	body := &domain.EmailBody{Text: "Limited time discount on everything"}

	r := b.Build(meta, body)
	if !r.Dropped() || r.DropReason != DropMarketingHeavy {
		t.Errorf("got %+v, want marketingHeavy drop", r)
	}
}

func TestBuildDropsLowConfidence(t *testing.T) {
	b := NewCandidateBuilder(NewResolver(nil, nil))

	meta := &domain.EmailMeta{
		From:    "updates@randomco.io",
		Subject: "Hello",
	}
	r := b.Build(meta, &domain.EmailBody{Text: "Just an update from the team."})
	if !r.Dropped() || r.DropReason != DropLowConfidence {
		t.Errorf("got %+v, want lowConfidence drop", r)
	}
}

func TestBuildDropsNoMerchant(t *testing.T) {
	b := NewCandidateBuilder(NewResolver(nil, nil))

	// Consumer sender with no directory match never yields a merchant.
	meta := &domain.EmailMeta{
		From:    "friend@gmail.com",
		Subject: "Your receipt",
	}
	r := b.Build(meta, &domain.EmailBody{Text: "We charged $9.99 invoice receipt"})
	if !r.Dropped() || r.DropReason != DropNoMerchant {
		t.Errorf("got %+v, want noMerchant drop", r)
	}
}

func TestBuildKeywordConflictDrops(t *testing.T) {
	b := NewCandidateBuilder(NewResolver(testDirectory(), nil))

	// Spotify keywords from an unrelated sender domain.
	meta := &domain.EmailMeta{
		From:    "deals@randomstore.com",
		Subject: "Spotify Premium Individual",
	}
	r := b.Build(meta, &domain.EmailBody{Text: "Spotify Premium Individual receipt invoice"})
	if !r.Dropped() || r.DropReason != DropLowConfidence {
		t.Errorf("got %+v, want lowConfidence drop from keyword conflict", r)
	}
}

func TestBuildPausedBecomesStatusCard(t *testing.T) {
	b := NewCandidateBuilder(NewResolver(nil, nil))

	meta := &domain.EmailMeta{
		From:    "billing@hulu.com",
		Subject: "Your subscription is paused",
		DateMs:  time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC).UnixMilli(),
	}
	body := &domain.EmailBody{
		Text: "Your subscription is paused. Your last payment of $11.99 was received. Billed monthly.",
	}

	r := b.Build(meta, body)
	if r.Dropped() {
		t.Fatalf("dropped: %s", r.DropReason)
	}
	c := r.Candidate
	if c.EventType != domain.EventPaused {
		t.Errorf("eventType = %q, want paused", c.EventType)
	}
	if !c.ExcludeFromSpend || c.CardType != "status" {
		t.Errorf("excludeFromSpend=%v cardType=%q, want true/status", c.ExcludeFromSpend, c.CardType)
	}
}

func TestBuildTrialFloor(t *testing.T) {
	b := NewCandidateBuilder(NewResolver(nil, nil))

	trialEnd := time.Now().UTC().AddDate(0, 0, 10).Format("2006-01-02")
	meta := &domain.EmailMeta{
		From:    "team@superhuman.com",
		Subject: "Your free trial will end soon",
		DateMs:  time.Date(2026, 8, 4, 9, 0, 0, 0, time.UTC).UnixMilli(),
	}
	body := &domain.EmailBody{
		Text: fmt.Sprintf("Your trial ends on %s. Then $30.00/month.", trialEnd),
	}

	r := b.Build(meta, body)
	if r.Dropped() {
		t.Fatalf("dropped: %s", r.DropReason)
	}
	c := r.Candidate
	if c.EventType != domain.EventTrial || c.EvidenceType != domain.EvidenceTrial {
		t.Errorf("eventType=%q evidenceType=%q, want trial/trial", c.EventType, c.EvidenceType)
	}
	if c.NextDateGuess != trialEnd {
		t.Errorf("nextDateGuess = %q, want %s", c.NextDateGuess, trialEnd)
	}
}

func TestNormalizeText(t *testing.T) {
	in := "Total: $9.99\r\n  spaced\tout   text"
	want := "Total: $9.99\n spaced out text"
	if got := NormalizeText(in); got != want {
		t.Errorf("NormalizeText = %q, want %q", got, want)
	}
}

func TestExtractLinkDomains(t *testing.T) {
	text := "Visit https://netflix.com/account and https://Netflix.com/help"
	html := `<a href="https://assets.example.net/logo.png">x</a>`
	got := ExtractLinkDomains(text, html)
	want := []string{"netflix.com", "assets.example.net"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}
