// Package imapdrv implements the mailbox driver for IMAP accounts.
package imapdrv

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	json "github.com/goccy/go-json"

	"scan_server/core/domain"
	"scan_server/core/port/out"
	"scan_server/pkg/apperr"
)

// headerFields is the screening header set fetched with BODY.PEEK.
var headerFields = []string{
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

// Config is the connection material for one IMAP mailbox.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
}

// cursor is the resumable position in UID order.
type cursor struct {
	UID uint32 `json:"uid"`
}

// EncodeCursor renders a UID position as an opaque token.
func EncodeCursor(uid uint32) string {
	raw, _ := json.Marshal(cursor{UID: uid})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(token string) (uint32, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("decoding imap cursor: %w", err)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return 0, fmt.Errorf("decoding imap cursor: %w", err)
	}
	return c.UID, nil
}

// Driver implements out.MailboxDriver over one IMAP connection. The
// connection is serialized with a mutex; go-imap clients are not safe
// for concurrent commands.
type Driver struct {
	cfg      Config
	pageSize int
	daysBack int

	mu   sync.Mutex
	conn *client.Client
	uids []uint32
}

// NewDriver creates an IMAP driver. The connection is opened lazily on
// the first call.
func NewDriver(cfg Config, opts domain.ScanOptions) *Driver {
	return &Driver{
		cfg:      cfg,
		pageSize: opts.PageSize,
		daysBack: opts.DaysBack,
	}
}

// Verify dials and authenticates, then disconnects. Used by the
// credential check endpoint before any scan starts.
func Verify(ctx context.Context, cfg Config) error {
	d := &Driver{cfg: cfg}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.connectLocked(ctx); err != nil {
		return err
	}
	conn := d.conn
	d.conn = nil
	return conn.Logout()
}

func (d *Driver) connectLocked(ctx context.Context) error {
	if d.conn != nil {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)

	type dialResult struct {
		conn *client.Client
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		c, err := client.DialTLS(addr, &tls.Config{ServerName: d.cfg.Host})
		ch <- dialResult{conn: c, err: err}
	}()

	var conn *client.Client
	select {
	case <-ctx.Done():
		return apperr.NetworkError("imap dial", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return apperr.NetworkError("imap dial", r.err)
		}
		conn = r.conn
	}

	if err := conn.Login(d.cfg.Username, d.cfg.Password); err != nil {
		_ = conn.Logout()
		if needsAppPassword(err) {
			return apperr.NeedsAppPassword()
		}
		return apperr.AuthFailed("imap", err)
	}
	if _, err := conn.Select("INBOX", true); err != nil {
		_ = conn.Logout()
		return apperr.NetworkError("imap select", err)
	}
	d.conn = conn
	return nil
}

// needsAppPassword recognizes providers that reject account passwords
// on IMAP and demand an app-specific one.
func needsAppPassword(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "application-specific password") ||
		strings.Contains(msg, "app password") ||
		strings.Contains(msg, "app-specific password")
}

// ListPage returns one page of UIDs after the cursor position, oldest
// first. The UID search runs once per driver and is paged locally.
func (d *Driver) ListPage(ctx context.Context, token *string) (*out.ListPage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.connectLocked(ctx); err != nil {
		return nil, err
	}

	if d.uids == nil {
		criteria := imap.NewSearchCriteria()
		criteria.Since = time.Now().AddDate(0, 0, -d.daysBack)
		uids, err := d.conn.UidSearch(criteria)
		if err != nil {
			return nil, apperr.NetworkError("imap search", err)
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
		d.uids = uids
	}

	after := uint32(0)
	if token != nil && *token != "" {
		uid, err := DecodeCursor(*token)
		if err != nil {
			return nil, apperr.BadRequest(err.Error())
		}
		after = uid
	}

	start := sort.Search(len(d.uids), func(i int) bool { return d.uids[i] > after })
	end := start + d.pageSize
	if end > len(d.uids) {
		end = len(d.uids)
	}

	page := &out.ListPage{IDs: make([]string, 0, end-start)}
	for _, uid := range d.uids[start:end] {
		page.IDs = append(page.IDs, fmt.Sprintf("%d", uid))
	}
	if end < len(d.uids) {
		next := EncodeCursor(d.uids[end-1])
		page.NextCursor = &next
	}
	return page, nil
}

// FetchMetadata fetches the screening headers for one UID.
func (d *Driver) FetchMetadata(ctx context.Context, id string) (*domain.EmailMeta, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.connectLocked(ctx); err != nil {
		return nil, err
	}

	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{
			Specifier: imap.HeaderSpecifier,
			Fields:    headerFields,
		},
		Peek: true,
	}
	msg, err := d.fetchOneLocked(uid, []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()})
	if err != nil {
		return nil, err
	}

	meta := &domain.EmailMeta{
		ID:      id,
		DateMs:  msg.InternalDate.UnixMilli(),
		Headers: make(map[string]string),
	}
	if body := msg.GetBody(section); body != nil {
		hr, err := mail.CreateReader(io.MultiReader(body, strings.NewReader("\r\n")))
		if err == nil {
			fields := hr.Header.Fields()
			for fields.Next() {
				value, err := fields.Text()
				if err != nil {
					value = fields.Value()
				}
				meta.Headers[fields.Key()] = value
			}
			meta.From = meta.Header("From")
			meta.Subject = meta.Header("Subject")
		}
	}
	return meta, nil
}

// FetchFull fetches and parses the whole message body.
func (d *Driver) FetchFull(ctx context.Context, id string) (*domain.EmailBody, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.connectLocked(ctx); err != nil {
		return nil, err
	}

	section := &imap.BodySectionName{Peek: true}
	msg, err := d.fetchOneLocked(uid, []imap.FetchItem{imap.FetchUid, section.FetchItem()})
	if err != nil {
		return nil, err
	}
	literal := msg.GetBody(section)
	if literal == nil {
		return &domain.EmailBody{}, nil
	}

	mr, err := mail.CreateReader(literal)
	if err != nil {
		return nil, fmt.Errorf("parsing imap message %s: %w", id, err)
	}

	body := &domain.EmailBody{}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := header.ContentType()
		data, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch mediaType {
		case "text/plain":
			if body.Text == "" {
				body.Text = string(data)
			}
		case "text/html":
			if body.HTML == "" {
				body.HTML = string(data)
			}
		}
	}
	return body, nil
}

// Close logs out the underlying connection.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Logout()
	d.conn = nil
	return err
}

func (d *Driver) fetchOneLocked(uid uint32, items []imap.FetchItem) (*imap.Message, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- d.conn.UidFetch(seqset, items, ch)
	}()

	var msg *imap.Message
	for m := range ch {
		msg = m
	}
	if err := <-done; err != nil {
		return nil, apperr.NetworkError("imap fetch", err)
	}
	if msg == nil {
		return nil, apperr.NotFound("message")
	}
	return msg, nil
}

func parseUID(id string) (uint32, error) {
	var uid uint32
	if _, err := fmt.Sscanf(id, "%d", &uid); err != nil {
		return 0, apperr.BadRequest("invalid imap message id")
	}
	return uid, nil
}

var _ out.MailboxDriver = (*Driver)(nil)
