package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"scan_server/adapter/out/provider"
	"scan_server/adapter/out/provider/imapdrv"
	"scan_server/core/domain"
	"scan_server/core/port/out"
	"scan_server/core/service/scan"
	"scan_server/pkg/apperr"
)

// =============================================================================
// ScanHandler - session lifecycle endpoints
// =============================================================================

type ScanHandler struct {
	orchestrator *scan.Orchestrator
	directory    out.MerchantDirectory
	log          zerolog.Logger
}

func NewScanHandler(orchestrator *scan.Orchestrator, directory out.MerchantDirectory, log zerolog.Logger) *ScanHandler {
	return &ScanHandler{
		orchestrator: orchestrator,
		directory:    directory,
		log:          log.With().Str("handler", "scan").Logger(),
	}
}

// Register registers scan routes on an authenticated router.
func (h *ScanHandler) Register(v1 fiber.Router) {
	gmail := v1.Group("/gmail/scan")
	gmail.Post("/start", h.StartGmail)
	gmail.Post("/run", h.RunGmail)
	gmail.Post("/cancel", h.Cancel)
	gmail.Get("/status", h.Status)
	gmail.Get("/diagnostics/:sessionId", h.Diagnostics)

	email := v1.Group("/email")
	email.Post("/verify", h.VerifyIMAP)
	email.Post("/scan", h.ScanIMAP)

	v1.Post("/merchant/confirm", h.ConfirmMerchant)
}

// =============================================================================
// Requests
// =============================================================================

type startGmailRequest struct {
	AccessToken  string             `json:"accessToken"`
	RefreshToken string             `json:"refreshToken"`
	ExpiresAtMs  int64              `json:"expiresAtMs"`
	Options      domain.ScanOptions `json:"options"`
}

type imapRequest struct {
	Host     string             `json:"host"`
	Port     int                `json:"port"`
	Username string             `json:"username"`
	Password string             `json:"password"`
	Options  domain.ScanOptions `json:"options"`
}

type runRequest struct {
	SessionID string `json:"sessionId"`
}

type cancelRequest struct {
	SessionID string `json:"sessionId"`
}

type confirmMerchantRequest struct {
	SenderEmail   string `json:"senderEmail"`
	SenderDomain  string `json:"senderDomain"`
	CanonicalName string `json:"canonicalName"`
}

// =============================================================================
// Gmail
// =============================================================================

// StartGmail opens an asynchronous scan session and returns it
// immediately; progress flows over the event stream.
func (h *ScanHandler) StartGmail(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	var req startGmailRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}

	session, err := h.orchestrator.Start(c.Context(), scan.StartInput{
		UserID:       userID.String(),
		Provider:     domain.ProviderGmail,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAtMs:  req.ExpiresAtMs,
		Options:      req.Options,
	})
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, session)
}

// RunGmail drives an existing session to completion in the request,
// for callers that prefer one blocking call over the stream. The
// session must have been opened by /start and belong to the caller.
func (h *ScanHandler) RunGmail(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	var req runRequest
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return ErrorResponse(c, 400, "sessionId is required")
	}

	if _, err := h.orchestrator.Status(c.Context(), req.SessionID, userID.String()); err != nil {
		return AppErrorResponse(c, err)
	}

	final, err := h.orchestrator.Run(c.Context(), req.SessionID)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	candidates, err := h.orchestrator.Candidates(c.Context(), req.SessionID, userID.String())
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{
		"session":    final,
		"candidates": candidates,
	})
}

// =============================================================================
// Session control
// =============================================================================

func (h *ScanHandler) Cancel(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	var req cancelRequest
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return ErrorResponse(c, 400, "sessionId is required")
	}

	if err := h.orchestrator.Cancel(c.Context(), req.SessionID, userID.String()); err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"sessionId": req.SessionID, "canceled": true})
}

func (h *ScanHandler) Status(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		return ErrorResponse(c, 400, "sessionId is required")
	}

	session, err := h.orchestrator.Status(c.Context(), sessionID, userID.String())
	if err != nil {
		return AppErrorResponse(c, err)
	}
	candidates, err := h.orchestrator.Candidates(c.Context(), sessionID, userID.String())
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{
		"session":    session,
		"candidates": candidates,
	})
}

// Diagnostics exposes the last chunk stats and effective budgets for
// one session.
func (h *ScanHandler) Diagnostics(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}
	sessionID := c.Params("sessionId")

	session, err := h.orchestrator.Status(c.Context(), sessionID, userID.String())
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{
		"sessionId":    session.ID,
		"status":       session.Status,
		"pages":        session.Pages,
		"scannedTotal": session.ScannedTotal,
		"foundTotal":   session.FoundTotal,
		"options":      scan.EnforceBudgets(session.Options),
		"lastStats":    session.LastStats,
		"errorCode":    session.ErrorCode,
	})
}

// =============================================================================
// IMAP
// =============================================================================

// VerifyIMAP checks credentials without starting a scan.
func (h *ScanHandler) VerifyIMAP(c *fiber.Ctx) error {
	if _, err := GetUserID(c); err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	var req imapRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}
	if req.Host == "" || req.Username == "" || req.Password == "" {
		return ErrorResponse(c, 400, "host, username and password are required")
	}
	if req.Port == 0 {
		req.Port = 993
	}

	err := imapdrv.Verify(c.Context(), imapdrv.Config{
		Host:     req.Host,
		Port:     req.Port,
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		appErr := apperr.AsAppError(err)
		return SuccessResponse(c, fiber.Map{
			"ok":        false,
			"errorCode": appErr.Code,
			"message":   appErr.Message,
		})
	}
	return SuccessResponse(c, fiber.Map{"ok": true})
}

// ScanIMAP scans an IMAP mailbox synchronously: the session is created
// and driven to a terminal state before the response is written.
func (h *ScanHandler) ScanIMAP(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	var req imapRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}
	if req.Host == "" || req.Username == "" || req.Password == "" {
		return ErrorResponse(c, 400, "host, username and password are required")
	}

	creds, err := provider.EncodeIMAPCredentials(req.Host, req.Port, req.Username, req.Password)
	if err != nil {
		return InternalErrorResponse(c, err, "encoding credentials")
	}

	session, err := h.orchestrator.Start(c.Context(), scan.StartInput{
		UserID:      userID.String(),
		Provider:    domain.ProviderIMAP,
		AccessToken: creds,
		Options:     req.Options,
	})
	if err != nil {
		return AppErrorResponse(c, err)
	}

	final, err := h.orchestrator.Run(c.Context(), session.ID)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	candidates, err := h.orchestrator.Candidates(c.Context(), session.ID, userID.String())
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{
		"ok":         final.Status == domain.SessionDone,
		"sessionId":  final.ID,
		"stats":      final.LastStats,
		"candidates": candidates,
		"nextCursor": final.Cursor,
	})
}

// =============================================================================
// Merchant overrides
// =============================================================================

// ConfirmMerchant records a user correction of a merchant name. The
// override wins over every directory tier on later scans.
func (h *ScanHandler) ConfirmMerchant(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	var req confirmMerchantRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}
	if req.CanonicalName == "" || (req.SenderEmail == "" && req.SenderDomain == "") {
		return ErrorResponse(c, 400, "canonicalName and a sender email or domain are required")
	}

	override := &domain.UserOverride{
		UserID:        userID.String(),
		SenderEmail:   req.SenderEmail,
		SenderDomain:  req.SenderDomain,
		CanonicalName: req.CanonicalName,
	}
	if err := h.directory.UpsertOverride(c.Context(), override); err != nil {
		return InternalErrorResponse(c, err, "saving merchant override")
	}
	h.log.Info().
		Str("user_id", override.UserID).
		Str("merchant", override.CanonicalName).
		Msg("merchant override saved")
	return SuccessResponse(c, override)
}
