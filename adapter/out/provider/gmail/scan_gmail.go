// Package gmail implements the mailbox driver for the Gmail API.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"scan_server/core/domain"
	"scan_server/core/port/out"
	"scan_server/pkg/apperr"
	"scan_server/pkg/httputil"
	"scan_server/pkg/logger"
	"scan_server/pkg/resilience"
)

// metadataHeaders is the exact header set requested in metadata-format
// fetches. Anything else is unavailable during screening.
var metadataHeaders = []string{
	"From",
	"Subject",
	"Date",
	"Reply-To",
	"Return-Path",
	"List-Unsubscribe",
	"List-Id",
	"Precedence",
	"Auto-Submitted",
}

// transactionalPhrases narrows the transactions-mode listing query to
// billing-shaped mail before any local screening runs.
var transactionalPhrases = []string{
	"receipt",
	"invoice",
	"payment",
	"subscription",
	"renewal",
	"billing",
	"trial",
	"\"order confirmation\"",
}

// attachmentByteCap bounds decoded attachment text merged into bodies.
const attachmentByteCap = 250 * 1024

// Driver implements out.MailboxDriver on the Gmail API.
type Driver struct {
	service  *gmail.Service
	query    string
	pageSize int
	attachMs int
	breaker  *resilience.Breaker
	retry    *resilience.RetryConfig
}

// NewDriver builds a Gmail driver bound to one access token. The
// listing query is fixed for the driver's lifetime so every page of a
// session sees the same result set.
func NewDriver(ctx context.Context, accessToken string, opts domain.ScanOptions) (*Driver, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httputil.GmailClient())
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	service, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, apperr.AuthFailed("gmail", err)
	}

	return &Driver{
		service:  service,
		query:    BuildQuery(opts),
		pageSize: opts.PageSize,
		attachMs: opts.AttachMs,
		breaker:  resilience.NewBreaker(resilience.DefaultBreakerConfig("gmail-list"), nil),
		retry:    resilience.DefaultRetryConfig(),
	}, nil
}

// BuildQuery renders the Gmail search expression for the given options.
func BuildQuery(opts domain.ScanOptions) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "in:anywhere newer_than:%dd", opts.DaysBack)
	if !opts.IncludePromotions {
		sb.WriteString(" -category:promotions")
	}
	sb.WriteString(" -category:social")
	if opts.QueryMode != domain.QueryBroad {
		sb.WriteString(" (")
		sb.WriteString(strings.Join(transactionalPhrases, " OR "))
		sb.WriteString(")")
	}
	return sb.String()
}

// QueryString reports the listing query for chunk diagnostics.
func (d *Driver) QueryString() string {
	return d.query
}

// ListPage fetches one page of message ids.
func (d *Driver) ListPage(ctx context.Context, cursor *string) (*out.ListPage, error) {
	var resp *gmail.ListMessagesResponse
	call := func() error {
		req := d.service.Users.Messages.List("me").
			Q(d.query).
			MaxResults(int64(d.pageSize))
		if cursor != nil && *cursor != "" {
			req = req.PageToken(*cursor)
		}
		var err error
		resp, err = req.Context(ctx).Do()
		return err
	}
	err := d.breaker.Execute(func() error {
		return resilience.Retry(ctx, d.retry, isRetryable, call)
	})
	if err != nil {
		if isAuthError(err) {
			return nil, apperr.AuthFailed("gmail", err)
		}
		return nil, apperr.GmailListFailed(err)
	}

	page := &out.ListPage{IDs: make([]string, 0, len(resp.Messages))}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	if resp.NextPageToken != "" {
		token := resp.NextPageToken
		page.NextCursor = &token
	}
	return page, nil
}

// FetchMetadata fetches the screening header set for one message.
func (d *Driver) FetchMetadata(ctx context.Context, id string) (*domain.EmailMeta, error) {
	var msg *gmail.Message
	call := func() error {
		var err error
		msg, err = d.service.Users.Messages.Get("me", id).
			Format("metadata").
			MetadataHeaders(metadataHeaders...).
			Context(ctx).
			Do()
		return err
	}
	if err := resilience.Retry(ctx, d.retry, isRetryable, call); err != nil {
		return nil, fmt.Errorf("gmail metadata fetch %s: %w", id, err)
	}

	meta := &domain.EmailMeta{
		ID:      msg.Id,
		Snippet: msg.Snippet,
		DateMs:  msg.InternalDate,
		Headers: make(map[string]string),
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			meta.Headers[h.Name] = h.Value
			switch h.Name {
			case "From":
				meta.From = h.Value
			case "Subject":
				meta.Subject = h.Value
			}
		}
	}
	return meta, nil
}

// FetchFull fetches and decodes the message body. Text attachments are
// appended up to the byte cap; attachment failures degrade to the body
// alone.
func (d *Driver) FetchFull(ctx context.Context, id string) (*domain.EmailBody, error) {
	var msg *gmail.Message
	call := func() error {
		var err error
		msg, err = d.service.Users.Messages.Get("me", id).
			Format("full").
			Context(ctx).
			Do()
		return err
	}
	if err := resilience.Retry(ctx, d.retry, isRetryable, call); err != nil {
		return nil, fmt.Errorf("gmail full fetch %s: %w", id, err)
	}

	body := &domain.EmailBody{}
	if msg.Payload != nil {
		body.HTML, body.Text = decodeBody(msg.Payload)
		d.appendTextAttachments(ctx, id, msg.Payload, body)
	}
	return body, nil
}

func (d *Driver) appendTextAttachments(ctx context.Context, msgID string, payload *gmail.MessagePart, body *domain.EmailBody) {
	for _, part := range collectAttachmentParts(payload) {
		if len(body.Text) >= attachmentByteCap {
			return
		}
		actx, cancel := context.WithTimeout(ctx, time.Duration(d.attachMs)*time.Millisecond)
		att, err := d.service.Users.Messages.Attachments.
			Get("me", msgID, part.Body.AttachmentId).
			Context(actx).
			Do()
		cancel()
		if err != nil {
			continue
		}
		data, err := decodeBase64URL(att.Data)
		if err != nil {
			logger.Warn("gmail attachment %s/%s: undecodable body: %v", msgID, part.Body.AttachmentId, err)
			continue
		}
		if len(data) > attachmentByteCap {
			data = data[:attachmentByteCap]
		}
		body.Text += "\n" + string(data)
	}
}

// collectAttachmentParts walks the MIME tree for text parts stored as
// attachments (plain text invoices, mostly).
func collectAttachmentParts(payload *gmail.MessagePart) []*gmail.MessagePart {
	var parts []*gmail.MessagePart
	if payload == nil {
		return parts
	}
	if payload.Body != nil && payload.Body.AttachmentId != "" &&
		payload.Body.Size <= attachmentByteCap &&
		(payload.MimeType == "text/plain" || payload.MimeType == "text/html") {
		parts = append(parts, payload)
	}
	for _, p := range payload.Parts {
		parts = append(parts, collectAttachmentParts(p)...)
	}
	return parts
}

func decodeBody(payload *gmail.MessagePart) (html, text string) {
	if payload == nil {
		return "", ""
	}

	if payload.Body != nil && payload.Body.Data != "" {
		data, err := decodeBase64URL(payload.Body.Data)
		if err != nil {
			logger.Warn("gmail body part (%s): undecodable data: %v", payload.MimeType, err)
		} else {
			switch payload.MimeType {
			case "text/html":
				html = string(data)
			case "text/plain":
				text = string(data)
			}
		}
	}

	for _, part := range payload.Parts {
		h, t := decodeBody(part)
		if html == "" && h != "" {
			html = h
		}
		if text == "" && t != "" {
			text = t
		}
	}

	return html, text
}

// decodeBase64URL decodes Gmail body data, which is unpadded base64url.
// Padded input shows up too, so fall back before giving up.
func decodeBase64URL(data string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(data)
}

// isRetryable covers rate limiting and transient upstream failures.
func isRetryable(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	switch gerr.Code {
	case 429, 403, 500, 502, 503, 504:
		return true
	}
	return false
}

func isAuthError(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 401
}

var _ out.MailboxDriver = (*Driver)(nil)
