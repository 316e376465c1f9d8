package detect

import (
	"sort"
	"strings"

	"scan_server/core/domain"
)

// Event type strings rejected outright by the strict gate. These come
// from spend-adjacent flows that are not subscriptions.
var gatedEventTypes = map[string]struct{}{
	"top_up":   {},
	"ad_spend": {},
	"promo":    {},
}

// Hard-negative phrases: text that marks a non-subscription money
// movement regardless of score.
var hardNegativePhrases = []string{
	"funds added",
	"ad spend",
	"campaign",
	"top up",
	"top-up",
	"wallet reload",
	"added to your balance",
}

const fullBodyBoost = 5

const multiDateCadenceReason = "multiDateCadence"

// AggregateChunk merges candidates within one chunk by fingerprint,
// keeping the highest-confidence representative and pooling evidence
// dates. Applying it twice yields the same result.
func AggregateChunk(candidates []*domain.Candidate) []*domain.Candidate {
	byFingerprint := make(map[string]*domain.Candidate)
	var order []string

	for _, c := range candidates {
		existing, ok := byFingerprint[c.Fingerprint]
		if !ok {
			clone := *c
			clone.EvidenceDates = append([]int64(nil), c.EvidenceDates...)
			clone.EvidenceSamples = append([]domain.EvidenceSample(nil), c.EvidenceSamples...)
			byFingerprint[c.Fingerprint] = &clone
			order = append(order, c.Fingerprint)
			continue
		}
		existing.EvidenceDates = mergeDates(existing.EvidenceDates, c.EvidenceDates)
		existing.EvidenceSamples = append(existing.EvidenceSamples, c.Evidence)
		if c.Confidence > existing.Confidence {
			dates := existing.EvidenceDates
			samples := existing.EvidenceSamples
			clone := *c
			clone.EvidenceDates = dates
			clone.EvidenceSamples = samples
			byFingerprint[c.Fingerprint] = &clone
		}
	}

	out := make([]*domain.Candidate, 0, len(order))
	for _, fp := range order {
		c := byFingerprint[fp]
		if len(c.EvidenceDates) >= 2 && !hasReason(c, multiDateCadenceReason) {
			if inferred := InferCadence(c.EvidenceDates); inferred != "" {
				if c.CadenceGuess == "" {
					c.CadenceGuess = inferred
				}
				c.Confidence = clampScore(c.Confidence + 10)
				c.ConfidenceLabel = domain.ConfidenceLabel(c.Confidence)
				c.Reasons = append(c.Reasons, multiDateCadenceReason)
			}
		}
		trimSamples(c)
		out = append(out, c)
	}
	return out
}

// BestPerMerchant keeps one representative per merchant, ranked by
// event priority, then amount, then confidence, then date presence.
func BestPerMerchant(candidates []*domain.Candidate) []*domain.Candidate {
	byMerchant := make(map[string][]*domain.Candidate)
	var order []string
	for _, c := range candidates {
		key := strings.ToLower(strings.TrimSpace(c.Merchant))
		if _, ok := byMerchant[key]; !ok {
			order = append(order, key)
		}
		byMerchant[key] = append(byMerchant[key], c)
	}

	out := make([]*domain.Candidate, 0, len(order))
	for _, key := range order {
		group := byMerchant[key]
		sort.SliceStable(group, func(i, j int) bool {
			ri, rj := rank(group[i]), rank(group[j])
			if ri != rj {
				return ri > rj
			}
			return group[i].Evidence.DateMs > group[j].Evidence.DateMs
		})
		best := group[0]
		for _, other := range group[1:] {
			best.EvidenceSamples = append(best.EvidenceSamples, other.Evidence)
		}
		trimSamples(best)
		out = append(out, best)
	}
	return out
}

func rank(c *domain.Candidate) int {
	r := c.EventType.EventPriority() * 10000
	if c.HasAmount() {
		r += 2000
	}
	r += c.Confidence * 100
	if c.Evidence.DateMs > 0 {
		r += 10
	}
	if c.FullBody {
		r += fullBodyBoost
	}
	return r
}

// StrictGate drops non-subscription spend flows and tags status-only
// candidates out of spend totals.
func StrictGate(candidates []*domain.Candidate) []*domain.Candidate {
	out := make([]*domain.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, gated := gatedEventTypes[string(c.EventType)]; gated {
			continue
		}
		if matchesHardNegative(c) {
			continue
		}
		if c.EventType == domain.EventPaused || c.EventType == domain.EventPaymentFailed {
			c.CardType = "status"
			c.ExcludeFromSpend = true
		}
		out = append(out, c)
	}
	return out
}

func matchesHardNegative(c *domain.Candidate) bool {
	hay := strings.ToLower(c.Merchant + "\n" + c.Plan + "\n" + c.Evidence.Subject + "\n" + c.Evidence.Snippet)
	for _, phrase := range hardNegativePhrases {
		if strings.Contains(hay, phrase) {
			return true
		}
	}
	return false
}

func hasReason(c *domain.Candidate, reason string) bool {
	for _, r := range c.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

// trimSamples keeps the three most recent evidence samples, most
// recent first, always including the primary evidence.
func trimSamples(c *domain.Candidate) {
	samples := append([]domain.EvidenceSample{}, c.EvidenceSamples...)
	found := false
	for _, s := range samples {
		if s == c.Evidence {
			found = true
			break
		}
	}
	if !found {
		samples = append(samples, c.Evidence)
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].DateMs > samples[j].DateMs })
	deduped := samples[:0]
	var prev *domain.EvidenceSample
	for i := range samples {
		if prev != nil && samples[i] == *prev {
			continue
		}
		deduped = append(deduped, samples[i])
		prev = &deduped[len(deduped)-1]
	}
	if len(deduped) > 3 {
		deduped = deduped[:3]
	}
	c.EvidenceSamples = append([]domain.EvidenceSample(nil), deduped...)
}

func mergeDates(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, list := range [][]int64{a, b} {
		for _, d := range list {
			if _, dup := seen[d]; dup {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
