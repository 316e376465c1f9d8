package scan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"scan_server/core/domain"
	"scan_server/core/port/out"
)

type fakePage struct {
	ids  []string
	next *string
}

// fakeDriver serves canned pages, metadata and bodies. Missing entries
// turn into per-item errors, the way a flaky provider would.
type fakeDriver struct {
	mu     sync.Mutex
	pages  map[string]fakePage
	metas  map[string]*domain.EmailMeta
	bodies map[string]*domain.EmailBody

	listErr   error
	listCalls int
	fullCalls int
}

func (d *fakeDriver) ListPage(_ context.Context, cursor *string) (*out.ListPage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listCalls++
	key := ""
	if cursor != nil {
		key = *cursor
	}
	if d.listErr != nil && key == "" {
		return nil, d.listErr
	}
	p, ok := d.pages[key]
	if !ok {
		return &out.ListPage{}, nil
	}
	return &out.ListPage{IDs: p.ids, NextCursor: p.next}, nil
}

func (d *fakeDriver) FetchMetadata(_ context.Context, id string) (*domain.EmailMeta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.metas[id]
	if !ok {
		return nil, errors.New("metadata fetch failed")
	}
	return m, nil
}

func (d *fakeDriver) FetchFull(_ context.Context, id string) (*domain.EmailBody, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fullCalls++
	b, ok := d.bodies[id]
	if !ok {
		return nil, errors.New("full fetch failed")
	}
	return b, nil
}

type describedDriver struct {
	*fakeDriver
	query string
}

func (d *describedDriver) QueryString() string { return d.query }

func engineDirectory() []*domain.DirectoryEntry {
	return []*domain.DirectoryEntry{
		{CanonicalName: "Netflix", SenderDomains: []string{"netflix.com"}},
	}
}

func newEngineDriver() *fakeDriver {
	p2 := "p2"
	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	d := &fakeDriver{
		pages: map[string]fakePage{
			"":   {ids: []string{"netflix-1", "marketing-1", "hardno-1", "badmeta-1"}, next: &p2},
			"p2": {ids: []string{"s1", "s2", "s3", "s4", "s5", "s6"}, next: nil},
		},
		metas: map[string]*domain.EmailMeta{
			"netflix-1": {
				ID:      "netflix-1",
				From:    "Netflix <info@account.netflix.com>",
				Subject: "Your Netflix receipt",
				DateMs:  base.UnixMilli(),
			},
			"marketing-1": {
				ID:      "marketing-1",
				From:    "deals@shop.example",
				Subject: "Special offer just for you",
				DateMs:  base.UnixMilli(),
				Headers: map[string]string{"Precedence": "bulk"},
			},
			"hardno-1": {
				ID:      "hardno-1",
				From:    "deals@shop.example",
				Subject: "Limited time deal",
				Snippet: "Free shipping on everything",
				DateMs:  base.UnixMilli(),
			},
		},
		bodies: map[string]*domain.EmailBody{
			"netflix-1": {Text: "We charged $15.49 to your card.\nPlan: Premium"},
		},
	}
	for i, id := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		d.metas[id] = &domain.EmailMeta{
			ID:      id,
			From:    "Spotify <billing@spotify.com>",
			Subject: "Your Spotify receipt",
			DateMs:  base.AddDate(0, 0, 30*i).UnixMilli(),
		}
	}
	return d
}

func TestChunkEngineRun(t *testing.T) {
	engine := NewChunkEngine(zerolog.Nop())
	driver := newEngineDriver()

	result, err := engine.Run(context.Background(), ChunkInput{
		Driver:  driver,
		Options: EnforceBudgets(domain.ScanOptions{}),
		Entries: engineDirectory(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.NextCursor != nil {
		t.Errorf("nextCursor = %v, want nil (exhausted)", *result.NextCursor)
	}

	stats := result.Stats
	if stats.Listed != 10 {
		t.Errorf("listed = %d, want 10", stats.Listed)
	}
	if stats.Scanned != 9 {
		t.Errorf("scanned = %d, want 9 (one metadata failure)", stats.Scanned)
	}
	if stats.ScreenedIn != 7 {
		t.Errorf("screenedIn = %d, want 7", stats.ScreenedIn)
	}
	if stats.FullFetched != 1 {
		t.Errorf("fullFetched = %d, want 1", stats.FullFetched)
	}
	if stats.NullReasons["marketingHeavy"] != 1 {
		t.Errorf("nullReasons = %v, want marketingHeavy=1", stats.NullReasons)
	}
	if stats.NullReasons["hardNo"] != 1 {
		t.Errorf("nullReasons = %v, want hardNo=1", stats.NullReasons)
	}
	if stats.NullReasons["metaError"] != 1 {
		t.Errorf("nullReasons = %v, want metaError=1", stats.NullReasons)
	}
	if stats.NullReasons["fullFetchError"] != 6 {
		t.Errorf("nullReasons = %v, want fullFetchError=6", stats.NullReasons)
	}
	if stats.EngineVersion != EngineVersion || stats.DeadlineMs != 9000 {
		t.Errorf("engineVersion=%q deadlineMs=%d", stats.EngineVersion, stats.DeadlineMs)
	}

	// One body-built candidate plus one metadata cluster.
	if len(result.Candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(result.Candidates))
	}
	byMerchant := map[string]*domain.Candidate{}
	for _, c := range result.Candidates {
		byMerchant[c.Merchant] = c
	}
	netflix := byMerchant["Netflix"]
	if netflix == nil || netflix.EvidenceType == domain.EvidenceCluster {
		t.Fatalf("missing body candidate: %+v", byMerchant)
	}
	if !netflix.HasAmount() || *netflix.Amount != 15.49 {
		t.Errorf("netflix amount = %v", netflix.Amount)
	}
	spotify := byMerchant["Spotify"]
	if spotify == nil || spotify.EvidenceType != domain.EvidenceCluster {
		t.Fatalf("missing cluster candidate: %+v", byMerchant)
	}
	if spotify.CadenceGuess != domain.CadenceMonthly {
		t.Errorf("cluster cadence = %q, want monthly", spotify.CadenceGuess)
	}
}

func TestChunkEngineFirstListErrorFails(t *testing.T) {
	engine := NewChunkEngine(zerolog.Nop())
	driver := &fakeDriver{listErr: errors.New("boom")}

	_, err := engine.Run(context.Background(), ChunkInput{
		Driver:  driver,
		Options: EnforceBudgets(domain.ScanOptions{}),
	})
	if err == nil {
		t.Fatal("want error when the opening list call fails")
	}
}

func TestChunkEngineRecordsQuery(t *testing.T) {
	engine := NewChunkEngine(zerolog.Nop())
	driver := &describedDriver{fakeDriver: newEngineDriver(), query: "newer_than:90d"}

	result, err := engine.Run(context.Background(), ChunkInput{
		Driver:  driver,
		Options: EnforceBudgets(domain.ScanOptions{}),
		Entries: engineDirectory(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Stats.Query != "newer_than:90d" {
		t.Errorf("query = %q, want newer_than:90d", result.Stats.Query)
	}
}

func TestChunkEngineHonorsCursor(t *testing.T) {
	engine := NewChunkEngine(zerolog.Nop())
	driver := newEngineDriver()

	cursor := "p2"
	result, err := engine.Run(context.Background(), ChunkInput{
		Driver:  driver,
		Options: EnforceBudgets(domain.ScanOptions{}),
		Cursor:  &cursor,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Resuming from p2 only sees the second page.
	if result.Stats.Listed != 6 {
		t.Errorf("listed = %d, want 6", result.Stats.Listed)
	}
}
