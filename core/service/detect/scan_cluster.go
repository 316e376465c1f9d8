package detect

import (
	"math"
	"sort"
	"strings"

	"scan_server/core/domain"
)

const (
	clusterMinMessages = 3
	clusterMinScore    = 55
)

// ClusterBuilder infers subscriptions from metadata cadence alone,
// covering senders whose bodies were never fetched.
type ClusterBuilder struct {
	resolver *Resolver
}

// NewClusterBuilder creates a cluster builder over a resolver
// snapshot.
func NewClusterBuilder(resolver *Resolver) *ClusterBuilder {
	return &ClusterBuilder{resolver: resolver}
}

type clusterGroup struct {
	key        string
	domain     string
	metas      []*domain.EmailMeta
	flags      []Flags
	resolution *domain.MerchantResolution
}

// Build groups screened-in metadata by best domain and scores each
// group. cap bounds the number of emitted candidates.
func (b *ClusterBuilder) Build(metas []*domain.EmailMeta, cap int) []*domain.Candidate {
	groups := make(map[string]*clusterGroup)

	for _, meta := range metas {
		res := b.resolver.Resolve(ResolveInput{
			From:            meta.From,
			ReplyTo:         meta.Header("Reply-To"),
			ReturnPath:      meta.Header("Return-Path"),
			ListUnsubscribe: meta.Header("List-Unsubscribe"),
			Haystack:        meta.Subject + "\n" + meta.Snippet,
		})

		bestDomain := res.FromDomain
		if bestDomain == "" {
			continue
		}
		key := bestDomain
		if IsInfraDomain(bestDomain) {
			key = "infra:" + bestDomain + ":" + meta.SenderDomain()
		}

		g := groups[key]
		if g == nil {
			g = &clusterGroup{key: key, domain: bestDomain, resolution: res}
			groups[key] = g
		}
		g.metas = append(g.metas, meta)
		g.flags = append(g.flags, Classify(meta.Subject, meta.Snippet, "", meta.Headers, res.FromDomain))
	}

	var out []*domain.Candidate
	for _, g := range groups {
		if c := b.score(g); c != nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if cap > 0 && len(out) > cap {
		out = out[:cap]
	}
	return out
}

func (b *ClusterBuilder) score(g *clusterGroup) *domain.Candidate {
	var dates []int64
	for _, m := range g.metas {
		if m.DateMs > 0 {
			dates = append(dates, m.DateMs)
		}
	}
	if len(dates) < clusterMinMessages {
		return nil
	}

	cadence := InferCadence(dates)

	var joined strings.Builder
	transactional := 0
	bulk := 0
	for i, m := range g.metas {
		joined.WriteString(strings.ToLower(m.Subject))
		joined.WriteString("\n")
		joined.WriteString(strings.ToLower(m.Snippet))
		joined.WriteString("\n")
		if g.flags[i].LikelyTransactional {
			transactional++
		}
		if g.flags[i].BulkHeader {
			bulk++
		}
	}
	joinedText := joined.String()
	billingHit := false
	for _, kw := range billingKeywords {
		if strings.Contains(joinedText, kw) {
			billingHit = true
			break
		}
	}
	transactionalRatio := float64(transactional) / float64(len(g.metas))
	bulkRatio := float64(bulk) / float64(len(g.metas))

	score := math.Min(35, math.Log2(float64(len(g.metas)+1))*12)
	if cadence != "" {
		score += 22
	}
	if billingHit {
		score += 18
	}
	score += math.Min(15, 20*transactionalRatio)
	score += math.Min(20, 0.35*float64(g.resolution.Confidence))
	if bulkRatio > 0.8 && !billingHit {
		score -= 10
	}
	confidence := int(math.Round(math.Max(0, math.Min(100, score))))
	if confidence < clusterMinScore {
		return nil
	}

	merchant := g.resolution.Name()
	if merchant == "" {
		merchant = PrettyNameFromDomain(g.domain)
	}
	if merchant == "" {
		return nil
	}

	sort.Slice(g.metas, func(i, j int) bool { return g.metas[i].DateMs > g.metas[j].DateMs })
	latest := g.metas[0]
	senderDomain := latest.SenderDomain()

	reasons := []string{"cluster:" + g.key}
	if cadence != "" {
		reasons = append(reasons, "cadence:"+string(cadence))
	}
	if billingHit {
		reasons = append(reasons, "billingKeywords")
	}

	var samples []domain.EvidenceSample
	for _, m := range g.metas {
		if len(samples) == 3 {
			break
		}
		samples = append(samples, domain.EvidenceSample{
			From:         m.From,
			Subject:      m.Subject,
			Snippet:      m.Snippet,
			SenderEmail:  m.SenderEmail(),
			SenderDomain: m.SenderDomain(),
			DateMs:       m.DateMs,
		})
	}

	return &domain.Candidate{
		Fingerprint:     domain.ClusterFingerprint(merchant, senderDomain, cadence),
		Merchant:        merchant,
		CadenceGuess:    cadence,
		Confidence:      confidence,
		ConfidenceLabel: domain.ConfidenceLabel(confidence),
		EvidenceType:    domain.EvidenceCluster,
		EventType:       domain.EventBillingSignalNoAmount,
		Reasons:         reasons,
		Evidence:        samples[0],
		EvidenceSamples: samples,
		NeedsConfirm:    true,
		EvidenceDates:   dates,
	}
}
