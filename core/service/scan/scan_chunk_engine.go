package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"scan_server/core/domain"
	"scan_server/core/port/out"
	"scan_server/core/service/detect"
)

// EngineVersion tags every ChunkStats for diagnostics.
const EngineVersion = "scan-engine/2"

// flushReserve is shaved off the chunk deadline so partial results can
// still be persisted and streamed.
const flushReserve = 900 * time.Millisecond

const enrichCap = 25

// ChunkInput is everything one chunk invocation needs.
type ChunkInput struct {
	Driver    out.MailboxDriver
	Options   domain.ScanOptions
	Cursor    *string
	Entries   []*domain.DirectoryEntry
	Overrides []*domain.UserOverride
}

// ChunkResult is the outcome of one chunk. NextCursor nil means the
// mailbox is exhausted.
type ChunkResult struct {
	Candidates []*domain.Candidate
	NextCursor *string
	Stats      domain.ChunkStats
}

// queryDescriber is implemented by drivers that can report their
// listing query for diagnostics.
type queryDescriber interface {
	QueryString() string
}

// ChunkEngine runs one bounded unit of scanning work under a hard
// wall-clock deadline. Per-item failures are isolated; deadline expiry
// is a normal early exit, never an error.
type ChunkEngine struct {
	log zerolog.Logger
}

// NewChunkEngine creates a chunk engine.
func NewChunkEngine(log zerolog.Logger) *ChunkEngine {
	return &ChunkEngine{log: log.With().Str("component", "chunk_engine").Logger()}
}

// Run executes list, screen, full-fetch, build, cluster, aggregate and
// enrich. It returns an error only when the opening list call fails;
// everything after that degrades to partial results.
func (e *ChunkEngine) Run(ctx context.Context, in ChunkInput) (*ChunkResult, error) {
	opts := in.Options
	start := time.Now()
	deadlineAt := start.Add(time.Duration(opts.ChunkMs) * time.Millisecond)
	softDeadline := deadlineAt.Add(-flushReserve)
	stop := func() bool { return time.Now().After(softDeadline) }

	ctx, cancel := context.WithDeadline(ctx, deadlineAt)
	defer cancel()

	stats := domain.ChunkStats{
		EngineVersion: EngineVersion,
		DeadlineMs:    opts.ChunkMs,
		NullReasons:   make(map[string]int),
	}
	if qd, ok := in.Driver.(queryDescriber); ok {
		stats.Query = qd.QueryString()
	}

	resolver := detect.NewResolver(in.Entries, in.Overrides)
	builder := detect.NewCandidateBuilder(resolver)
	clusters := detect.NewClusterBuilder(resolver)

	// Stage 1: list ids until exhaustion, the id budget or the clock.
	ids, nextCursor, listErr := e.list(ctx, in, stop, &stats)
	if listErr != nil {
		return nil, listErr
	}

	// Stage 2: metadata fetch + quick screen with bounded fan-out.
	screened, msgByEvidence := e.screen(ctx, in, ids, stop, &stats)

	// Stage 3+4: full fetch the head of the screened-in set and build.
	bodyCandidates := e.buildFromBodies(ctx, in, builder, screened, msgByEvidence, stop, &stats)

	// Stage 5: metadata clustering over everything screened in.
	clusterCandidates := clusters.Build(screened, opts.ClusterCap)
	stats.RawMatched = len(bodyCandidates) + len(clusterCandidates)

	// Stage 6: aggregate, gate, then enrich amountless candidates if
	// the clock allows.
	merged := detect.StrictGate(detect.AggregateChunk(append(bodyCandidates, clusterCandidates...)))
	e.enrich(ctx, in, merged, msgByEvidence, stop, &stats)

	stats.Matched = len(merged)
	stats.TookMs = time.Since(start).Milliseconds()

	e.log.Info().
		Int("listed", stats.Listed).
		Int("screened_in", stats.ScreenedIn).
		Int("matched", stats.Matched).
		Int64("took_ms", stats.TookMs).
		Msg("chunk complete")

	return &ChunkResult{Candidates: merged, NextCursor: nextCursor, Stats: stats}, nil
}

func (e *ChunkEngine) list(ctx context.Context, in ChunkInput, stop func() bool, stats *domain.ChunkStats) ([]string, *string, error) {
	var ids []string
	cursor := in.Cursor
	nextCursor := in.Cursor
	firstPage := true

	for !stop() && len(ids) < in.Options.MaxListIds {
		lctx, lcancel := context.WithTimeout(ctx, time.Duration(in.Options.ListMs)*time.Millisecond)
		page, err := in.Driver.ListPage(lctx, cursor)
		lcancel()
		if err != nil {
			if firstPage {
				return nil, nil, err
			}
			stats.NullReasons["listError"]++
			break
		}
		firstPage = false
		ids = append(ids, page.IDs...)
		nextCursor = page.NextCursor
		cursor = page.NextCursor
		if page.NextCursor == nil {
			break
		}
	}
	if len(ids) > in.Options.MaxListIds {
		ids = ids[:in.Options.MaxListIds]
	}
	stats.Listed = len(ids)
	return ids, nextCursor, nil
}

// screen fetches metadata with bounded concurrency and quick-screens
// each message. The returned index maps (senderEmail, dateMs) back to
// the provider message id for later enrichment.
func (e *ChunkEngine) screen(ctx context.Context, in ChunkInput, ids []string, stop func() bool, stats *domain.ChunkStats) ([]*domain.EmailMeta, map[string]string) {
	type screenResult struct {
		index  int
		meta   *domain.EmailMeta
		reason detect.ScreenReason
		ok     bool
		failed bool
	}

	sem := make(chan struct{}, in.Options.Concurrency)
	results := make(chan screenResult, len(ids))
	launched := 0

	for i, id := range ids {
		if stop() {
			break
		}
		launched++
		go func(idx int, msgID string) {
			sem <- struct{}{}
			defer func() { <-sem }()
			if stop() {
				results <- screenResult{index: idx, failed: true}
				return
			}
			mctx, mcancel := context.WithTimeout(ctx, time.Duration(in.Options.MetaMs)*time.Millisecond)
			defer mcancel()
			meta, err := in.Driver.FetchMetadata(mctx, msgID)
			if err != nil || meta == nil {
				results <- screenResult{index: idx, failed: true}
				return
			}
			verdict := detect.QuickScreen(meta)
			results <- screenResult{index: idx, meta: meta, reason: verdict.Reason, ok: verdict.OK}
		}(i, id)
	}

	ordered := make([]*domain.EmailMeta, len(ids))
	msgByEvidence := make(map[string]string)
	for i := 0; i < launched; i++ {
		r := <-results
		if r.failed {
			stats.NullReasons["metaError"]++
			continue
		}
		stats.Scanned++
		msgByEvidence[evidenceKey(r.meta.SenderEmail(), r.meta.DateMs)] = r.meta.ID
		if !r.ok {
			switch r.reason {
			case detect.ScreenMarketing:
				stats.NullReasons[detect.DropMarketingHeavy]++
			default:
				stats.NullReasons["hardNo"]++
			}
			continue
		}
		ordered[r.index] = r.meta
	}

	screened := make([]*domain.EmailMeta, 0, stats.Scanned)
	for _, m := range ordered {
		if m != nil {
			screened = append(screened, m)
		}
	}
	stats.ScreenedIn = len(screened)
	return screened, msgByEvidence
}

func (e *ChunkEngine) buildFromBodies(ctx context.Context, in ChunkInput, builder *detect.CandidateBuilder, screened []*domain.EmailMeta, msgByEvidence map[string]string, stop func() bool, stats *domain.ChunkStats) []*domain.Candidate {
	head := screened
	if len(head) > in.Options.FullFetchCap {
		head = head[:in.Options.FullFetchCap]
	}

	type fetchResult struct {
		index int
		body  *domain.EmailBody
	}
	sem := make(chan struct{}, in.Options.Concurrency)
	results := make(chan fetchResult, len(head))
	launched := 0

	for i := range head {
		if stop() {
			break
		}
		launched++
		go func(idx int) {
			sem <- struct{}{}
			defer func() { <-sem }()
			if stop() {
				results <- fetchResult{index: idx}
				return
			}
			fctx, fcancel := context.WithTimeout(ctx, time.Duration(in.Options.FullMs)*time.Millisecond)
			defer fcancel()
			body, err := in.Driver.FetchFull(fctx, head[idx].ID)
			if err != nil {
				results <- fetchResult{index: idx}
				return
			}
			results <- fetchResult{index: idx, body: body}
		}(i)
	}

	bodies := make([]*domain.EmailBody, len(head))
	for i := 0; i < launched; i++ {
		r := <-results
		if r.body == nil {
			stats.NullReasons["fullFetchError"]++
			continue
		}
		stats.FullFetched++
		bodies[r.index] = r.body
	}

	var candidates []*domain.Candidate
	for i, meta := range head {
		if bodies[i] == nil {
			continue
		}
		result := builder.Build(meta, bodies[i])
		if result.Dropped() {
			stats.NullReasons[result.DropReason]++
			continue
		}
		candidates = append(candidates, result.Candidate)
		msgByEvidence[evidenceKey(meta.SenderEmail(), meta.DateMs)] = meta.ID
		if len(candidates) >= in.Options.MaxCandidates {
			break
		}
	}
	return candidates
}

// enrich refetches bodies for the leading amountless candidates and
// retries amount extraction. Fingerprints are recomputed when an
// amount materializes.
func (e *ChunkEngine) enrich(ctx context.Context, in ChunkInput, candidates []*domain.Candidate, msgByEvidence map[string]string, stop func() bool, stats *domain.ChunkStats) {
	enriched := 0
	for _, c := range candidates {
		if enriched >= enrichCap || stop() {
			return
		}
		if c.HasAmount() || c.EvidenceType == domain.EvidenceCluster {
			continue
		}
		msgID, ok := msgByEvidence[evidenceKey(c.Evidence.SenderEmail, c.Evidence.DateMs)]
		if !ok {
			continue
		}
		enriched++

		fctx, fcancel := context.WithTimeout(ctx, time.Duration(in.Options.FullMs)*time.Millisecond)
		body, err := in.Driver.FetchFull(fctx, msgID)
		fcancel()
		if err != nil || body == nil {
			continue
		}
		stats.FullFetched++
		haystack := c.Evidence.Subject + "\n" + detect.NormalizeText(body.Text)
		amount, currency := detect.ExtractAmount(haystack)
		if amount == nil {
			continue
		}
		c.Amount = amount
		c.Currency = currency
		c.Fingerprint = domain.EmailFingerprint(c.Merchant, c.Evidence.SenderDomain, amount, currency)
		c.Reasons = append(c.Reasons, "enriched:amount")
	}
}

func evidenceKey(senderEmail string, dateMs int64) string {
	return fmt.Sprintf("%s|%d", senderEmail, dateMs)
}
