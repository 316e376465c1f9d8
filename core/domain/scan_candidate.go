package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

// Cadence is a billing interval guess.
type Cadence string

const (
	CadenceWeekly    Cadence = "weekly"
	CadenceBiweekly  Cadence = "biweekly"
	CadenceMonthly   Cadence = "monthly"
	CadenceQuarterly Cadence = "quarterly"
	CadenceYearly    Cadence = "yearly"
)

// EvidenceType classifies the signal a candidate came from.
type EvidenceType string

const (
	EvidenceTransactional   EvidenceType = "transactional"
	EvidencePlatformReceipt EvidenceType = "platform_receipt"
	EvidenceTrial           EvidenceType = "trial"
	EvidenceCluster         EvidenceType = "cluster"
	EvidenceUnknown         EvidenceType = "unknown"
)

// CandidateEventType is the billing event a message describes.
type CandidateEventType string

const (
	EventReceipt               CandidateEventType = "receipt"
	EventRenewal               CandidateEventType = "renewal"
	EventTrial                 CandidateEventType = "trial"
	EventPaymentFailed         CandidateEventType = "payment_failed"
	EventPaused                CandidateEventType = "paused"
	EventCancellation          CandidateEventType = "cancellation"
	EventBillingSignal         CandidateEventType = "billing_signal"
	EventBillingSignalNoAmount CandidateEventType = "billing_signal_no_amount"
	EventMarketing             CandidateEventType = "marketing"
	EventUnknownType           CandidateEventType = "unknown"
)

// EventPriority ranks candidates of the same merchant when picking the
// best representative.
func (t CandidateEventType) EventPriority() int {
	switch t {
	case EventReceipt:
		return 100
	case EventRenewal:
		return 90
	case EventBillingSignal:
		return 80
	case EventBillingSignalNoAmount:
		return 70
	case EventTrial:
		return 60
	case EventPaymentFailed:
		return 50
	case EventPaused:
		return 40
	case EventCancellation:
		return 35
	case EventMarketing:
		return 0
	default:
		return 20
	}
}

// ConfidenceLabel buckets a 0-100 confidence score.
func ConfidenceLabel(confidence int) string {
	switch {
	case confidence >= 80:
		return "High"
	case confidence >= 55:
		return "Medium"
	default:
		return "Low"
	}
}

// EvidenceSample is one low-PII message reference backing a candidate.
type EvidenceSample struct {
	From         string `json:"from"`
	Subject      string `json:"subject"`
	Snippet      string `json:"snippet,omitempty"`
	SenderEmail  string `json:"senderEmail"`
	SenderDomain string `json:"senderDomain"`
	DateMs       int64  `json:"dateMs"`
}

// Candidate is one deduped (session, fingerprint) subscription guess.
// Rows are never mutated once inserted; duplicates are dropped.
type Candidate struct {
	Fingerprint      string             `json:"fingerprint"`
	Merchant         string             `json:"merchant"`
	Plan             string             `json:"plan,omitempty"`
	Amount           *float64           `json:"amount,omitempty"`
	Currency         string             `json:"currency,omitempty"`
	CadenceGuess     Cadence            `json:"cadenceGuess,omitempty"`
	NextDateGuess    string             `json:"nextDateGuess,omitempty"`
	Confidence       int                `json:"confidence"`
	ConfidenceLabel  string             `json:"confidenceLabel"`
	EvidenceType     EvidenceType       `json:"evidenceType"`
	EventType        CandidateEventType `json:"eventType"`
	Reasons          []string           `json:"reasons,omitempty"`
	Evidence         EvidenceSample     `json:"evidence"`
	EvidenceSamples  []EvidenceSample   `json:"evidenceSamples,omitempty"`
	NeedsConfirm     bool               `json:"needsConfirm"`
	ExcludeFromSpend bool               `json:"excludeFromSpend,omitempty"`
	CardType         string             `json:"cardType,omitempty"`
	FullBody         bool               `json:"-"`

	// Dates observed across evidence, used for cadence inference.
	EvidenceDates []int64 `json:"-"`
}

// HasAmount reports whether a usable positive amount is attached.
func (c *Candidate) HasAmount() bool {
	return c.Amount != nil && *c.Amount > 0
}

// EmailFingerprint computes the stable per-message fingerprint.
// Version 2: {email, merchant, senderDomain, amount in cents, currency}.
func EmailFingerprint(merchant, senderDomain string, amount *float64, currency string) string {
	return fingerprint("email", merchant, senderDomain, amount, currency, "")
}

// ClusterFingerprint computes the fingerprint of a metadata cluster.
func ClusterFingerprint(merchant, senderDomain string, cadence Cadence) string {
	return fingerprint("cluster", merchant, senderDomain, nil, "", string(cadence))
}

func fingerprint(kind, merchant, senderDomain string, amount *float64, currency, cadence string) string {
	amountPart := "null"
	if amount != nil {
		amountPart = fmt.Sprintf("%d", int64(math.Round(*amount*100)))
	}
	currencyPart := "null"
	if currency != "" {
		currencyPart = strings.ToUpper(currency)
	}
	raw := strings.Join([]string{
		"v=2",
		kind,
		strings.ToLower(strings.TrimSpace(merchant)),
		strings.ToLower(strings.TrimSpace(senderDomain)),
		amountPart,
		currencyPart,
		cadence,
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:16])
}
