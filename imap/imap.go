// Package imap searches a mailbox for order notifications and streams them
// into the pipeline without changing any message flags.
package imap

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/hawkdelights/cake-orders/filter"
	"github.com/hawkdelights/cake-orders/model"
	"github.com/hawkdelights/cake-orders/runner"
	"github.com/hawkdelights/cake-orders/stats"
)

const fetchChunk = 50

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	UnseenOnly         bool
	Since              time.Time
}

// EventSink receives progress events. *runner.Runner implements it.
type EventSink interface {
	EmitEvent(stats.Event)
}

type Fetcher struct {
	opts   Options
	filter *filter.Filter
	events EventSink
	logger *slog.Logger
}

// NewFetcher validates opts. flt may be nil; its subject and sender become
// server-side search keys and the rest is applied to fetched messages.
func NewFetcher(opts Options, flt *filter.Filter, events EventSink, logger *slog.Logger) (*Fetcher, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if flt == nil {
		var err error
		if flt, err = filter.New(filter.Options{}); err != nil {
			return nil, err
		}
	}
	return &Fetcher{opts: opts, filter: flt, events: events, logger: logger}, nil
}

type Producer struct {
	fetcher *Fetcher
	runner  *runner.Runner
}

// NewProducer registers the fetcher as the pipeline's source stage.
func NewProducer(opts Options, flt *filter.Filter, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	fetcher, err := NewFetcher(opts, flt, r, logger)
	if err != nil {
		return nil, err
	}
	p := &Producer{fetcher: fetcher, runner: r}
	r.AddStage("imap", p.run)
	return p, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseMailbox()
	return p.fetcher.Stream(ctx, p.runner.MailboxWriter())
}

// Stream selects the mailbox read-only, searches it and sends every matching
// message to out. Messages are fetched with BODY.PEEK[] so \Seen is never set.
func (f *Fetcher) Stream(ctx context.Context, out chan<- model.Envelope) error {
	client, cleanup, err := f.dial(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	mailbox := f.mailbox()
	selected, err := client.Select(mailbox, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return fmt.Errorf("select %s: %w", mailbox, err)
	}

	searchData, err := client.UIDSearch(f.criteria(), nil).Wait()
	if err != nil {
		return fmt.Errorf("search %s: %w", mailbox, err)
	}
	uids := searchData.AllUIDs()

	if f.logger != nil {
		f.logger.Info("order emails found", "mailbox", mailbox, "count", len(uids), "subject", f.filter.SubjectContains())
	}
	f.emit(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeDiscovered, Count: len(uids)})

	for start := 0; start < len(uids); start += fetchChunk {
		end := min(start+fetchChunk, len(uids))
		if err := f.fetchChunk(ctx, client, selected.UIDValidity, uids[start:end], out); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fetcher) criteria() *imapv2.SearchCriteria {
	criteria := &imapv2.SearchCriteria{}
	if s := f.filter.SubjectContains(); s != "" {
		criteria.Header = append(criteria.Header, imapv2.SearchCriteriaHeaderField{Key: "Subject", Value: s})
	}
	if s := f.filter.SenderEquals(); s != "" {
		criteria.Header = append(criteria.Header, imapv2.SearchCriteriaHeaderField{Key: "From", Value: s})
	}
	if f.opts.UnseenOnly {
		criteria.NotFlag = []imapv2.Flag{imapv2.FlagSeen}
	}
	if !f.opts.Since.IsZero() {
		criteria.Since = f.opts.Since
	}
	return criteria
}

func (f *Fetcher) fetchChunk(ctx context.Context, client *imapclient.Client, validity uint32, uids []imapv2.UID, out chan<- model.Envelope) error {
	section := &imapv2.FetchItemBodySection{Peek: true}
	options := &imapv2.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imapv2.FetchItemBodySection{section},
	}

	msgs, err := client.Fetch(imapv2.UIDSetNum(uids...), options).Collect()
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}

	for _, buf := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw := buf.FindBodySection(section)
		if raw == nil {
			err := fmt.Errorf("uid %d: empty body", buf.UID)
			if err := send(ctx, out, model.Envelope{Err: err}); err != nil {
				return err
			}
			continue
		}
		if !f.filter.AllowsRaw(raw) {
			if f.logger != nil {
				f.logger.Debug("message filtered out", "uid", buf.UID)
			}
			continue
		}

		if err := send(ctx, out, model.Envelope{Message: toMessage(validity, buf, raw)}); err != nil {
			return err
		}
	}
	return nil
}

func toMessage(validity uint32, buf *imapclient.FetchMessageBuffer, raw []byte) model.Message {
	var id string
	if buf.Envelope != nil {
		id = strings.Trim(strings.TrimSpace(buf.Envelope.MessageID), "<>")
	}
	if id == "" {
		id = fmt.Sprintf("uid:%d:%d", validity, buf.UID)
	}

	sum := sha256.Sum256(raw)
	size := buf.RFC822Size
	if size == 0 {
		size = int64(len(raw))
	}

	return model.Message{
		ID:         id,
		Hash:       base64.StdEncoding.EncodeToString(sum[:]),
		ReceivedAt: buf.InternalDate,
		Size:       size,
		Raw:        raw,
	}
}

func send(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

func (f *Fetcher) emit(evt stats.Event) {
	if f.events != nil {
		f.events.EmitEvent(evt)
	}
}

func (f *Fetcher) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(f.opts.Host, strconv.Itoa(f.opts.Port))
	options := &imapclient.Options{}

	if f.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         f.opts.Host,
			InsecureSkipVerify: f.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if f.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(f.opts.Username, f.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if f.logger != nil {
		f.logger.Debug("imap connection established", "address", address, "user", f.opts.Username, "mailbox", f.mailbox(), "tls", f.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				if f.logger != nil {
					f.logger.Warn("imap logout failed", "err", err)
				}
			}
		}
		if err := client.Close(); err != nil && f.logger != nil {
			f.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (f *Fetcher) mailbox() string {
	if f.opts.Mailbox == "" {
		return "INBOX"
	}
	return f.opts.Mailbox
}
