package scan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"scan_server/core/domain"
	"scan_server/core/port/out"
	"scan_server/pkg/apperr"
)

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	// leaseBusy simulates another worker holding every lease.
	leaseBusy bool
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]*domain.Session)}
}

func (s *memSessionStore) CreateSession(_ context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *session
	s.sessions[session.ID] = &clone
	return nil
}

func (s *memSessionStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, apperr.NotFound("session")
	}
	clone := *session
	return &clone, nil
}

func (s *memSessionStore) CancelSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.sessions[sessionID]
	if session != nil && !session.Status.IsTerminal() {
		session.Status = domain.SessionCanceled
	}
	return nil
}

func (s *memSessionStore) AcquireLease(_ context.Context, sessionID, workerID string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leaseBusy {
		return false, nil
	}
	session := s.sessions[sessionID]
	if session == nil || session.Status.IsTerminal() {
		return false, nil
	}
	session.LeasedBy = workerID
	session.LeaseExpiresAt = &expiresAt
	return true, nil
}

func (s *memSessionStore) RenewLease(_ context.Context, sessionID, workerID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session := s.sessions[sessionID]; session != nil && session.LeasedBy == workerID {
		session.LeaseExpiresAt = &expiresAt
	}
	return nil
}

func (s *memSessionStore) ReleaseLease(_ context.Context, sessionID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session := s.sessions[sessionID]; session != nil && session.LeasedBy == workerID {
		session.LeasedBy = ""
		session.LeaseExpiresAt = nil
	}
	return nil
}

func (s *memSessionStore) MarkRunning(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session := s.sessions[sessionID]; session != nil && session.Status == domain.SessionQueued {
		session.Status = domain.SessionRunning
	}
	return nil
}

func (s *memSessionStore) UpdateProgress(_ context.Context, sessionID string, scannedDelta, foundDelta int, cursor *string, stats *domain.ChunkStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.sessions[sessionID]
	if session == nil {
		return apperr.NotFound("session")
	}
	session.Pages++
	session.ScannedTotal += scannedDelta
	session.FoundTotal += foundDelta
	session.Cursor = cursor
	session.LastStats = stats
	return nil
}

func (s *memSessionStore) MarkDone(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session := s.sessions[sessionID]; session != nil && !session.Status.IsTerminal() {
		session.Status = domain.SessionDone
	}
	return nil
}

func (s *memSessionStore) MarkError(_ context.Context, sessionID, code, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session := s.sessions[sessionID]; session != nil && !session.Status.IsTerminal() {
		session.Status = domain.SessionError
		session.ErrorCode = code
		session.ErrorMessage = message
	}
	return nil
}

type memCandidateStore struct {
	mu   sync.Mutex
	rows map[string]map[string]*domain.Candidate
}

func newMemCandidateStore() *memCandidateStore {
	return &memCandidateStore{rows: make(map[string]map[string]*domain.Candidate)}
}

func (s *memCandidateStore) UpsertCandidates(_ context.Context, sessionID string, candidates []*domain.Candidate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySession := s.rows[sessionID]
	if bySession == nil {
		bySession = make(map[string]*domain.Candidate)
		s.rows[sessionID] = bySession
	}
	inserted := 0
	for _, c := range candidates {
		if _, dup := bySession[c.Fingerprint]; dup {
			continue
		}
		bySession[c.Fingerprint] = c
		inserted++
	}
	return inserted, nil
}

func (s *memCandidateStore) ListCandidates(_ context.Context, sessionID string) ([]*domain.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Candidate
	for _, c := range s.rows[sessionID] {
		out = append(out, c)
	}
	return out, nil
}

type memEventLog struct {
	mu      sync.Mutex
	nextID  int64
	events  []*domain.Event
	deduped map[string]struct{}
}

func newMemEventLog() *memEventLog {
	return &memEventLog{deduped: make(map[string]struct{})}
}

func (l *memEventLog) AppendEvent(_ context.Context, sessionID, userID string, eventType domain.EventType, payload map[string]any, dedupeKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if dedupeKey != "" {
		key := sessionID + "|" + dedupeKey
		if _, dup := l.deduped[key]; dup {
			return nil
		}
		l.deduped[key] = struct{}{}
	}
	l.nextID++
	l.events = append(l.events, &domain.Event{
		ID:        l.nextID,
		SessionID: sessionID,
		UserID:    userID,
		Type:      eventType,
		Payload:   payload,
		DedupeKey: dedupeKey,
		CreatedAt: time.Now(),
	})
	return nil
}

func (l *memEventLog) PollEventsAfter(_ context.Context, sessionID string, afterID int64, limit int) ([]*domain.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*domain.Event
	for _, e := range l.events {
		if e.SessionID == sessionID && e.ID > afterID {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (l *memEventLog) typesFor(sessionID string) []domain.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var types []domain.EventType
	for _, e := range l.events {
		if e.SessionID == sessionID {
			types = append(types, e.Type)
		}
	}
	return types
}

func (l *memEventLog) lastOfType(sessionID string, t domain.EventType) *domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var found *domain.Event
	for _, e := range l.events {
		if e.SessionID == sessionID && e.Type == t {
			found = e
		}
	}
	return found
}

type memQueue struct {
	mu   sync.Mutex
	jobs []*string
	err  error
}

func (q *memQueue) EnqueueChunk(_ context.Context, sessionID, userID string, cursor *string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, cursor)
	return nil
}

func (q *memQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type memTokens struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newMemTokens() *memTokens {
	return &memTokens{tokens: make(map[string]string)}
}

func (t *memTokens) AccessToken(_ context.Context, sessionID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokens[sessionID], nil
}

func (t *memTokens) StoreTokens(_ context.Context, sessionID, accessToken, _ string, _ int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[sessionID] = accessToken
	return nil
}

type staticDirectory struct{}

func (staticDirectory) Entries(context.Context) ([]*domain.DirectoryEntry, error) {
	return engineDirectory(), nil
}

func (staticDirectory) Overrides(context.Context, string) ([]*domain.UserOverride, error) {
	return nil, nil
}

func (staticDirectory) UpsertOverride(context.Context, *domain.UserOverride) error { return nil }

type staticFactory struct {
	driver out.MailboxDriver
	err    error
}

func (f *staticFactory) NewDriver(_ context.Context, _ *domain.Session, _ string, _ domain.ScanOptions) (out.MailboxDriver, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.driver, nil
}

type orchestratorFixture struct {
	orch     *Orchestrator
	sessions *memSessionStore
	cands    *memCandidateStore
	events   *memEventLog
	queue    *memQueue
	tokens   *memTokens
}

func newFixture(driver out.MailboxDriver) *orchestratorFixture {
	f := &orchestratorFixture{
		sessions: newMemSessionStore(),
		cands:    newMemCandidateStore(),
		events:   newMemEventLog(),
		queue:    &memQueue{},
		tokens:   newMemTokens(),
	}
	f.orch = NewOrchestrator(
		f.sessions, f.cands, f.events, f.queue, f.tokens,
		NewDirectoryCache(staticDirectory{}),
		&staticFactory{driver: driver},
		NewChunkEngine(zerolog.Nop()),
		"worker-test",
		zerolog.Nop(),
	)
	return f
}

// newLoopDriver serves an endless mailbox: every page points at
// itself, so sessions only terminate through page or candidate budgets.
func newLoopDriver() *fakeDriver {
	loop := "loop"
	return &fakeDriver{
		pages: map[string]fakePage{
			"":     {ids: []string{"x1"}, next: &loop},
			"loop": {ids: []string{"x1"}, next: &loop},
		},
		metas: map[string]*domain.EmailMeta{
			"x1": {ID: "x1", From: "updates@quiet.example", Subject: "Note", DateMs: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC).UnixMilli()},
		},
	}
}

func gmailStart() StartInput {
	return StartInput{
		UserID:      "user-1",
		Provider:    domain.ProviderGmail,
		AccessToken: "tok",
	}
}

func TestStartValidation(t *testing.T) {
	f := newFixture(newEngineDriver())
	ctx := context.Background()

	_, err := f.orch.Start(ctx, StartInput{UserID: "u", Provider: "outlook", AccessToken: "tok"})
	if apperr.Code(err) != apperr.CodeUnsupportedProvider {
		t.Errorf("code = %q, want UNSUPPORTED_PROVIDER", apperr.Code(err))
	}

	_, err = f.orch.Start(ctx, StartInput{UserID: "u", Provider: domain.ProviderGmail})
	if apperr.Code(err) != apperr.CodeMissingToken {
		t.Errorf("code = %q, want MISSING_TOKEN", apperr.Code(err))
	}
}

func TestStartCreatesSessionAndEnqueues(t *testing.T) {
	f := newFixture(newEngineDriver())
	ctx := context.Background()

	session, err := f.orch.Start(ctx, gmailStart())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if session.Status != domain.SessionQueued {
		t.Errorf("status = %s, want queued", session.Status)
	}
	if session.Options.Mode != domain.ModeQuick {
		t.Errorf("mode = %s, want quick (budgets applied)", session.Options.Mode)
	}
	if f.queue.count() != 1 {
		t.Errorf("jobs = %d, want 1", f.queue.count())
	}
	hello := f.events.lastOfType(session.ID, domain.EventHello)
	if hello == nil || hello.DedupeKey != domain.HelloDedupeKey(session.ID) {
		t.Errorf("hello event missing or misdeduped: %+v", hello)
	}
	if tok, _ := f.tokens.AccessToken(ctx, session.ID); tok != "tok" {
		t.Errorf("stored token = %q", tok)
	}
}

func TestRunDrivesSessionToDone(t *testing.T) {
	f := newFixture(newEngineDriver())
	ctx := context.Background()

	session, err := f.orch.Start(ctx, gmailStart())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final, err := f.orch.Run(ctx, session.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Status != domain.SessionDone {
		t.Fatalf("status = %s, want done", final.Status)
	}
	if final.Pages != 1 || final.FoundTotal != 2 {
		t.Errorf("pages=%d foundTotal=%d, want 1/2", final.Pages, final.FoundTotal)
	}
	if final.LastStats == nil || final.LastStats.Listed != 10 {
		t.Errorf("lastStats = %+v", final.LastStats)
	}

	types := f.events.typesFor(session.ID)
	want := []domain.EventType{domain.EventHello, domain.EventProgress, domain.EventCandidates, domain.EventDone}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
	done := f.events.lastOfType(session.ID, domain.EventDone)
	if done.Payload["canceled"] != false || done.Payload["exhausted"] != true {
		t.Errorf("done payload = %v", done.Payload)
	}

	cands, err := f.orch.Candidates(ctx, session.ID, "user-1")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(cands) != 2 {
		t.Errorf("candidates = %d, want 2", len(cands))
	}

	// A redelivered job for a terminal session is a no-op.
	if err := f.orch.ProcessChunk(ctx, session.ID, nil); err != nil {
		t.Fatalf("ProcessChunk after done: %v", err)
	}
	if got := len(f.events.typesFor(session.ID)); got != len(want) {
		t.Errorf("events after redelivery = %d, want %d", got, len(want))
	}
}

func TestProcessChunkSkipsWhenLeaseHeld(t *testing.T) {
	f := newFixture(newEngineDriver())
	ctx := context.Background()

	session, err := f.orch.Start(ctx, gmailStart())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.sessions.leaseBusy = true

	if err := f.orch.ProcessChunk(ctx, session.ID, nil); err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	fresh, _ := f.sessions.GetSession(ctx, session.ID)
	if fresh.Status != domain.SessionQueued || fresh.Pages != 0 {
		t.Errorf("session advanced despite foreign lease: %+v", fresh)
	}
}

func TestProcessChunkFailsWithoutToken(t *testing.T) {
	f := newFixture(newEngineDriver())
	ctx := context.Background()

	session, err := f.orch.Start(ctx, gmailStart())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.tokens.tokens[session.ID] = ""

	if err := f.orch.ProcessChunk(ctx, session.ID, nil); err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	fresh, _ := f.sessions.GetSession(ctx, session.ID)
	if fresh.Status != domain.SessionError || fresh.ErrorCode != apperr.CodeMissingToken {
		t.Errorf("session = %s/%s, want error/MISSING_TOKEN", fresh.Status, fresh.ErrorCode)
	}
	if e := f.events.lastOfType(session.ID, domain.EventError); e == nil {
		t.Error("error event missing")
	}
}

func TestCancelQueuedSession(t *testing.T) {
	f := newFixture(newEngineDriver())
	ctx := context.Background()

	session, err := f.orch.Start(ctx, gmailStart())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := f.orch.Cancel(ctx, session.ID, "someone-else"); apperr.Code(err) != apperr.CodeNotFound {
		t.Errorf("cancel by stranger: %v, want not_found", err)
	}

	if err := f.orch.Cancel(ctx, session.ID, "user-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	fresh, _ := f.sessions.GetSession(ctx, session.ID)
	if fresh.Status != domain.SessionCanceled {
		t.Errorf("status = %s, want canceled", fresh.Status)
	}
	done := f.events.lastOfType(session.ID, domain.EventDone)
	if done == nil || done.Payload["canceled"] != true {
		t.Errorf("done payload = %+v", done)
	}

	// Cancel is idempotent.
	if err := f.orch.Cancel(ctx, session.ID, "user-1"); err != nil {
		t.Errorf("second Cancel: %v", err)
	}
}

func TestCancelBetweenChunks(t *testing.T) {
	// An endless mailbox keeps the session multi-chunk.
	f := newFixture(newLoopDriver())
	ctx := context.Background()

	in := gmailStart()
	in.Options = domain.ScanOptions{MaxListIds: 300}
	session, err := f.orch.Start(ctx, in)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := f.orch.ProcessChunk(ctx, session.ID, nil); err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	if err := f.orch.Cancel(ctx, session.ID, "user-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// The redelivered job observes the cancellation and terminates.
	if err := f.orch.ProcessChunk(ctx, session.ID, nil); err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	done := f.events.lastOfType(session.ID, domain.EventDone)
	if done == nil || done.Payload["canceled"] != true {
		t.Errorf("done payload = %+v", done)
	}
}

// newRepeatDriver serves the same Netflix receipt on every page, so a
// second chunk only re-finds candidates the first already stored.
func newRepeatDriver() *fakeDriver {
	loop := "loop"
	return &fakeDriver{
		pages: map[string]fakePage{
			"":     {ids: []string{"n1"}, next: &loop},
			"loop": {ids: []string{"n1"}, next: &loop},
		},
		metas: map[string]*domain.EmailMeta{
			"n1": {
				ID:      "n1",
				From:    "Netflix <info@account.netflix.com>",
				Subject: "Your Netflix receipt",
				DateMs:  time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC).UnixMilli(),
			},
		},
		bodies: map[string]*domain.EmailBody{
			"n1": {Text: "We charged $15.49 to your card.\nPlan: Premium"},
		},
	}
}

func TestCandidatesEventOnlyOnNewInserts(t *testing.T) {
	f := newFixture(newRepeatDriver())
	ctx := context.Background()

	in := gmailStart()
	in.Options = domain.ScanOptions{MaxListIds: 300}
	session, err := f.orch.Start(ctx, in)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := f.orch.ProcessChunk(ctx, session.ID, nil); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	if err := f.orch.ProcessChunk(ctx, session.ID, nil); err != nil {
		t.Fatalf("second chunk: %v", err)
	}

	fresh, _ := f.sessions.GetSession(ctx, session.ID)
	if fresh.Pages != 2 {
		t.Fatalf("pages = %d, want 2", fresh.Pages)
	}

	candidateEvents := 0
	for _, typ := range f.events.typesFor(session.ID) {
		if typ == domain.EventCandidates {
			candidateEvents++
		}
	}
	if candidateEvents != 1 {
		t.Errorf("candidates events = %d, want 1 (duplicate chunk stays quiet)", candidateEvents)
	}
}

func TestCandidatesReturnsBestPerMerchant(t *testing.T) {
	f := newFixture(newEngineDriver())
	ctx := context.Background()

	session, err := f.orch.Start(ctx, gmailStart())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	amount := 9.99
	rows := []*domain.Candidate{
		{Fingerprint: "fp-a", Merchant: "Netflix", Amount: &amount, Currency: "USD", Confidence: 60, EventType: domain.EventReceipt},
		{Fingerprint: "fp-b", Merchant: "netflix", Confidence: 70, EventType: domain.EventReceipt},
	}
	if _, err := f.cands.UpsertCandidates(ctx, session.ID, rows); err != nil {
		t.Fatalf("seed candidates: %v", err)
	}

	got, err := f.orch.Candidates(ctx, session.ID, "user-1")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("candidates = %d, want 1 best row per merchant", len(got))
	}
	if !got[0].HasAmount() || *got[0].Amount != 9.99 {
		t.Errorf("winner = %+v, want the amount-bearing row", got[0])
	}
}

func TestProcessChunkStopsAtMaxPages(t *testing.T) {
	f := newFixture(newLoopDriver())
	ctx := context.Background()

	in := gmailStart()
	in.Options = domain.ScanOptions{MaxPages: 1, MaxListIds: 300}
	session, err := f.orch.Start(ctx, in)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final, err := f.orch.Run(ctx, session.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Status != domain.SessionDone || final.Pages != 1 {
		t.Errorf("status=%s pages=%d, want done/1", final.Status, final.Pages)
	}
	done := f.events.lastOfType(session.ID, domain.EventDone)
	if done == nil || done.Payload["exhausted"] != false {
		t.Errorf("done payload = %+v", done)
	}
}
