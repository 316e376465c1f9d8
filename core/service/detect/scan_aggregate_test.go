package detect

import (
	"testing"
	"time"

	"scan_server/core/domain"
)

func amt(v float64) *float64 { return &v }

func sampleAt(subject string, dateMs int64) domain.EvidenceSample {
	return domain.EvidenceSample{
		From:         "billing@netflix.com",
		Subject:      subject,
		SenderEmail:  "billing@netflix.com",
		SenderDomain: "netflix.com",
		DateMs:       dateMs,
	}
}

func TestAggregateChunkMergesByFingerprint(t *testing.T) {
	d1 := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC).UnixMilli()
	d2 := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC).UnixMilli()

	c1 := &domain.Candidate{
		Fingerprint:   "fp1",
		Merchant:      "Netflix",
		Confidence:    60,
		EventType:     domain.EventReceipt,
		Evidence:      sampleAt("June receipt", d1),
		EvidenceDates: []int64{d1},
	}
	c2 := &domain.Candidate{
		Fingerprint:   "fp1",
		Merchant:      "Netflix",
		Confidence:    70,
		EventType:     domain.EventReceipt,
		Evidence:      sampleAt("July receipt", d2),
		EvidenceDates: []int64{d2},
	}

	out := AggregateChunk([]*domain.Candidate{c1, c2})
	if len(out) != 1 {
		t.Fatalf("got %d candidates, want 1", len(out))
	}
	merged := out[0]

	if len(merged.EvidenceDates) != 2 {
		t.Errorf("evidence dates = %v, want both pooled", merged.EvidenceDates)
	}
	// A ~30 day gap across evidence infers a cadence and adds 10.
	if merged.CadenceGuess != domain.CadenceMonthly {
		t.Errorf("cadence = %q, want monthly", merged.CadenceGuess)
	}
	if merged.Confidence != 80 {
		t.Errorf("confidence = %d, want 80 (70 + 10)", merged.Confidence)
	}
	if merged.ConfidenceLabel != "High" {
		t.Errorf("label = %q, want High", merged.ConfidenceLabel)
	}
	if !hasReason(merged, multiDateCadenceReason) {
		t.Errorf("reasons = %v, missing %s", merged.Reasons, multiDateCadenceReason)
	}

	// Re-aggregation must not stack the bonus.
	again := AggregateChunk(out)
	if len(again) != 1 || again[0].Confidence != 80 {
		t.Errorf("re-aggregation changed confidence: %d", again[0].Confidence)
	}

	// Inputs stay untouched.
	if c1.Confidence != 60 || c2.Confidence != 70 {
		t.Error("aggregation mutated its inputs")
	}
}

func TestAggregateChunkKeepsDistinctFingerprints(t *testing.T) {
	c1 := &domain.Candidate{Fingerprint: "a", Merchant: "Netflix", Confidence: 60}
	c2 := &domain.Candidate{Fingerprint: "b", Merchant: "Spotify", Confidence: 70}
	out := AggregateChunk([]*domain.Candidate{c1, c2})
	if len(out) != 2 {
		t.Fatalf("got %d candidates, want 2", len(out))
	}
	if out[0].Merchant != "Netflix" || out[1].Merchant != "Spotify" {
		t.Errorf("order not preserved: %s, %s", out[0].Merchant, out[1].Merchant)
	}
}

func TestBestPerMerchant(t *testing.T) {
	d := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC).UnixMilli()

	receipt := &domain.Candidate{
		Fingerprint: "r",
		Merchant:    "Netflix",
		Amount:      amt(15.49),
		Confidence:  60,
		EventType:   domain.EventReceipt,
		Evidence:    sampleAt("Receipt", d),
	}
	renewal := &domain.Candidate{
		Fingerprint: "n",
		Merchant:    "netflix",
		Confidence:  90,
		EventType:   domain.EventRenewal,
		Evidence:    sampleAt("Renewal notice", d+1000),
	}
	other := &domain.Candidate{
		Fingerprint: "s",
		Merchant:    "Spotify",
		Confidence:  70,
		EventType:   domain.EventBillingSignal,
		Evidence:    sampleAt("Spotify", d),
	}

	out := BestPerMerchant([]*domain.Candidate{receipt, renewal, other})
	if len(out) != 2 {
		t.Fatalf("got %d candidates, want 2", len(out))
	}
	// Receipt outranks renewal despite the lower confidence; merchant
	// keys are case-insensitive.
	if out[0].EventType != domain.EventReceipt {
		t.Errorf("best netflix = %s, want receipt", out[0].EventType)
	}
	if out[1].Merchant != "Spotify" {
		t.Errorf("second = %s, want Spotify", out[1].Merchant)
	}
	// The losing candidate's evidence folds into the winner's samples.
	found := false
	for _, s := range out[0].EvidenceSamples {
		if s.Subject == "Renewal notice" {
			found = true
		}
	}
	if !found {
		t.Errorf("samples = %v, missing runner-up evidence", out[0].EvidenceSamples)
	}
}

func TestBestPerMerchantTrimsSamples(t *testing.T) {
	d := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC).UnixMilli()
	day := int64(24 * time.Hour / time.Millisecond)

	var group []*domain.Candidate
	for i := 0; i < 5; i++ {
		group = append(group, &domain.Candidate{
			Fingerprint: string(rune('a' + i)),
			Merchant:    "Netflix",
			Confidence:  50 + i,
			EventType:   domain.EventReceipt,
			Evidence:    sampleAt("Receipt", d+int64(i)*day),
		})
	}

	out := BestPerMerchant(group)
	if len(out) != 1 {
		t.Fatalf("got %d, want 1", len(out))
	}
	if len(out[0].EvidenceSamples) != 3 {
		t.Fatalf("samples = %d, want 3", len(out[0].EvidenceSamples))
	}
	for i := 1; i < len(out[0].EvidenceSamples); i++ {
		if out[0].EvidenceSamples[i].DateMs > out[0].EvidenceSamples[i-1].DateMs {
			t.Error("samples not sorted most recent first")
		}
	}
}

func TestStrictGate(t *testing.T) {
	d := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC).UnixMilli()

	keep := &domain.Candidate{Merchant: "Netflix", EventType: domain.EventReceipt, Evidence: sampleAt("Receipt", d)}
	topUp := &domain.Candidate{Merchant: "Wallet", EventType: domain.CandidateEventType("top_up"), Evidence: sampleAt("Top up", d)}
	hardNeg := &domain.Candidate{Merchant: "AdsPlatform", EventType: domain.EventReceipt, Evidence: sampleAt("Funds added to your balance", d)}
	paused := &domain.Candidate{Merchant: "Hulu", EventType: domain.EventPaused, Evidence: sampleAt("Paused", d)}

	out := StrictGate([]*domain.Candidate{keep, topUp, hardNeg, paused})
	if len(out) != 2 {
		t.Fatalf("got %d candidates, want 2", len(out))
	}
	if out[0].Merchant != "Netflix" {
		t.Errorf("first = %s, want Netflix", out[0].Merchant)
	}
	if !out[1].ExcludeFromSpend || out[1].CardType != "status" {
		t.Errorf("paused candidate not tagged as status: %+v", out[1])
	}
}
