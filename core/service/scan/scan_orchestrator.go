package scan

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"scan_server/core/domain"
	"scan_server/core/port/out"
	"scan_server/core/service/detect"
	"scan_server/pkg/apperr"
)

const leaseDuration = 30 * time.Second

// DriverFactory builds a mailbox driver for a session using the token
// material resolved for it.
type DriverFactory interface {
	NewDriver(ctx context.Context, session *domain.Session, accessToken string, opts domain.ScanOptions) (out.MailboxDriver, error)
}

// StartInput is everything needed to open a scan session.
type StartInput struct {
	UserID       string
	Provider     domain.Provider
	AccessToken  string
	RefreshToken string
	ExpiresAtMs  int64
	Options      domain.ScanOptions
}

// Orchestrator owns the session lifecycle: creation, chunk-by-chunk
// execution under a worker lease, event emission and termination. It
// keeps no state of its own; everything lives in the stores so any
// worker can pick up any chunk.
type Orchestrator struct {
	sessions   out.SessionStore
	candidates out.CandidateStore
	events     out.EventLog
	queue      out.ChunkQueue
	tokens     out.TokenProvider
	directory  *DirectoryCache
	drivers    DriverFactory
	engine     *ChunkEngine
	workerID   string
	log        zerolog.Logger
	now        func() time.Time
}

// NewOrchestrator wires the orchestrator. workerID identifies this
// process in session leases.
func NewOrchestrator(
	sessions out.SessionStore,
	candidates out.CandidateStore,
	events out.EventLog,
	queue out.ChunkQueue,
	tokens out.TokenProvider,
	directory *DirectoryCache,
	drivers DriverFactory,
	engine *ChunkEngine,
	workerID string,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		sessions:   sessions,
		candidates: candidates,
		events:     events,
		queue:      queue,
		tokens:     tokens,
		directory:  directory,
		drivers:    drivers,
		engine:     engine,
		workerID:   workerID,
		log:        log.With().Str("component", "orchestrator").Logger(),
		now:        time.Now,
	}
}

// Start creates a session, stores its token material, emits hello and
// enqueues the first chunk.
func (o *Orchestrator) Start(ctx context.Context, in StartInput) (*domain.Session, error) {
	if in.Provider != domain.ProviderGmail && in.Provider != domain.ProviderIMAP {
		return nil, apperr.UnsupportedProvider(string(in.Provider))
	}
	if in.AccessToken == "" {
		return nil, apperr.MissingToken(string(in.Provider))
	}

	now := o.now()
	session := &domain.Session{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		Provider:  in.Provider,
		Status:    domain.SessionQueued,
		Cursor:    in.Options.Cursor,
		Options:   EnforceBudgets(in.Options),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := o.tokens.StoreTokens(ctx, session.ID, in.AccessToken, in.RefreshToken, in.ExpiresAtMs); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeTokenBootstrapFailed, "storing mailbox tokens failed", 500)
	}
	if err := o.sessions.CreateSession(ctx, session); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSessionCreateFailed, "creating scan session failed", 500)
	}

	o.appendEvent(ctx, session, domain.EventHello, map[string]any{
		"sessionId": session.ID,
		"provider":  session.Provider,
		"mode":      session.Options.Mode,
	}, domain.HelloDedupeKey(session.ID))

	if err := o.queue.EnqueueChunk(ctx, session.ID, session.UserID, session.Cursor); err != nil {
		o.failSession(ctx, session, apperr.CodeQueueEnqueueFailed, "enqueueing first chunk failed")
		return nil, apperr.QueueUnavailable(err)
	}

	o.log.Info().
		Str("session_id", session.ID).
		Str("provider", string(session.Provider)).
		Str("mode", string(session.Options.Mode)).
		Msg("scan session started")
	return session, nil
}

// Run drives a session to a terminal state in the calling goroutine,
// bypassing the queue. Used by the synchronous scan endpoint.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) (*domain.Session, error) {
	for {
		session, err := o.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if session.Status.IsTerminal() {
			return session, nil
		}
		if err := o.ProcessChunk(ctx, sessionID, session.Cursor); err != nil {
			return nil, err
		}
	}
}

// Cancel requests cancellation. A queued session terminates here; a
// running one terminates at its next between-chunk checkpoint.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID, userID string) error {
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.UserID != userID {
		return apperr.NotFound("session")
	}
	if session.Status.IsTerminal() {
		return nil
	}
	if err := o.sessions.CancelSession(ctx, sessionID); err != nil {
		return err
	}
	if session.Status == domain.SessionQueued {
		o.appendEvent(ctx, session, domain.EventDone, map[string]any{
			"canceled":     true,
			"pages":        session.Pages,
			"scannedTotal": session.ScannedTotal,
			"foundTotal":   session.FoundTotal,
		}, domain.DoneDedupeKey)
	}
	return nil
}

// Status returns the session for its owner.
func (o *Orchestrator) Status(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, apperr.NotFound("session")
	}
	return session, nil
}

// Candidates returns what the session found so far, reduced to the
// best representative per merchant.
func (o *Orchestrator) Candidates(ctx context.Context, sessionID, userID string) ([]*domain.Candidate, error) {
	if _, err := o.Status(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	rows, err := o.candidates.ListCandidates(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return detect.BestPerMerchant(rows), nil
}

// ProcessChunk executes one chunk of the session under a lease. The
// cursor argument comes from the job payload and is advisory; the
// session row is authoritative, which makes redelivered jobs no-ops.
func (o *Orchestrator) ProcessChunk(ctx context.Context, sessionID string, _ *string) error {
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.IsTerminal() {
		if session.Status == domain.SessionCanceled {
			o.emitCanceled(ctx, session)
		}
		return nil
	}

	ok, err := o.sessions.AcquireLease(ctx, sessionID, o.workerID, o.now().Add(leaseDuration))
	if err != nil {
		return err
	}
	if !ok {
		o.log.Debug().Str("session_id", sessionID).Msg("lease held elsewhere, skipping chunk")
		return nil
	}
	defer func() {
		if err := o.sessions.ReleaseLease(context.WithoutCancel(ctx), sessionID, o.workerID); err != nil {
			o.log.Warn().Err(err).Str("session_id", sessionID).Msg("lease release failed")
		}
	}()

	if session.Status == domain.SessionQueued {
		if err := o.sessions.MarkRunning(ctx, sessionID); err != nil {
			return err
		}
	}

	opts := EnforceBudgets(session.Options)

	token, err := o.tokens.AccessToken(ctx, sessionID)
	if err != nil || token == "" {
		o.failSession(ctx, session, apperr.CodeMissingToken, "no usable token for mailbox")
		return nil
	}
	driver, err := o.drivers.NewDriver(ctx, session, token, opts)
	if err != nil {
		code, msg := classifyError(err)
		o.failSession(ctx, session, code, msg)
		return nil
	}

	entries, err := o.directory.Entries(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("merchant directory unavailable, scanning without it")
	}
	overrides, err := o.directory.Overrides(ctx, session.UserID)
	if err != nil {
		o.log.Warn().Err(err).Str("user_id", session.UserID).Msg("merchant overrides unavailable")
	}

	result, err := o.engine.Run(ctx, ChunkInput{
		Driver:    driver,
		Options:   opts,
		Cursor:    session.Cursor,
		Entries:   entries,
		Overrides: overrides,
	})
	if err != nil {
		code, msg := classifyError(err)
		o.failSession(ctx, session, code, msg)
		return nil
	}

	newCount, err := o.candidates.UpsertCandidates(ctx, sessionID, result.Candidates)
	if err != nil {
		o.failSession(ctx, session, apperr.CodeChunkError, "persisting candidates failed")
		return nil
	}

	if err := o.sessions.RenewLease(ctx, sessionID, o.workerID, o.now().Add(leaseDuration)); err != nil {
		o.log.Warn().Err(err).Str("session_id", sessionID).Msg("lease renew failed")
	}

	stats := result.Stats
	if err := o.sessions.UpdateProgress(ctx, sessionID, stats.Scanned, newCount, result.NextCursor, &stats); err != nil {
		o.failSession(ctx, session, apperr.CodeChunkError, "persisting progress failed")
		return nil
	}
	pages := session.Pages + 1
	scannedTotal := session.ScannedTotal + stats.Scanned
	foundTotal := session.FoundTotal + newCount

	o.appendEvent(ctx, session, domain.EventProgress, map[string]any{
		"pages":        pages,
		"scannedTotal": scannedTotal,
		"foundTotal":   foundTotal,
		"stats":        stats,
	}, domain.ProgressDedupeKey(pages, result.NextCursor))

	// Only chunks that persisted something new announce candidates;
	// re-finds of already stored fingerprints stay quiet.
	if newCount > 0 {
		o.appendEvent(ctx, session, domain.EventCandidates, map[string]any{
			"candidates": result.Candidates,
			"newCount":   newCount,
		}, domain.CandidatesDedupeKey(pages, result.NextCursor))
	}

	// Between-chunk cancellation checkpoint.
	fresh, err := o.sessions.GetSession(ctx, sessionID)
	if err == nil && fresh.Status == domain.SessionCanceled {
		o.emitCanceled(ctx, fresh)
		return nil
	}

	exhausted := result.NextCursor == nil
	if exhausted || pages >= opts.MaxPages || foundTotal >= opts.MaxCandidates {
		if err := o.sessions.MarkDone(ctx, sessionID); err != nil {
			return err
		}
		o.appendEvent(ctx, session, domain.EventDone, map[string]any{
			"canceled":     false,
			"pages":        pages,
			"scannedTotal": scannedTotal,
			"foundTotal":   foundTotal,
			"exhausted":    exhausted,
		}, domain.DoneDedupeKey)
		o.log.Info().
			Str("session_id", sessionID).
			Int("pages", pages).
			Int("found_total", foundTotal).
			Msg("scan session done")
		return nil
	}

	if err := o.queue.EnqueueChunk(ctx, sessionID, session.UserID, result.NextCursor); err != nil {
		o.failSession(ctx, session, apperr.CodeQueueEnqueueFailed, "enqueueing next chunk failed")
	}
	return nil
}

func (o *Orchestrator) emitCanceled(ctx context.Context, session *domain.Session) {
	o.appendEvent(ctx, session, domain.EventDone, map[string]any{
		"canceled":     true,
		"pages":        session.Pages,
		"scannedTotal": session.ScannedTotal,
		"foundTotal":   session.FoundTotal,
	}, domain.DoneDedupeKey)
}

func (o *Orchestrator) failSession(ctx context.Context, session *domain.Session, code, message string) {
	if err := o.sessions.MarkError(ctx, session.ID, code, message); err != nil {
		o.log.Error().Err(err).Str("session_id", session.ID).Msg("marking session errored failed")
	}
	o.appendEvent(ctx, session, domain.EventError, map[string]any{
		"code":    code,
		"message": message,
	}, "error")
	o.log.Warn().
		Str("session_id", session.ID).
		Str("code", code).
		Str("reason", message).
		Msg("scan session failed")
}

func (o *Orchestrator) appendEvent(ctx context.Context, session *domain.Session, eventType domain.EventType, payload map[string]any, dedupeKey string) {
	if err := o.events.AppendEvent(ctx, session.ID, session.UserID, eventType, payload, dedupeKey); err != nil {
		o.log.Error().Err(err).
			Str("session_id", session.ID).
			Str("event_type", string(eventType)).
			Msg("event append failed")
	}
}

// classifyError maps a driver or engine failure onto the closed error
// code set.
func classifyError(err error) (code, message string) {
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case apperr.CodeInternalError, apperr.CodeDatabaseError:
			return apperr.CodeChunkError, appErr.Message
		default:
			return appErr.Code, appErr.Message
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.CodeDeadline, "chunk deadline exceeded"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.CodeNetworkError, err.Error()
	}
	return apperr.CodeChunkError, err.Error()
}
