// Package mbox replays order notifications stored in an mbox archive.
package mbox

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/hawkdelights/cake-orders/filter"
	"github.com/hawkdelights/cake-orders/model"
	"github.com/hawkdelights/cake-orders/runner"
	"github.com/hawkdelights/cake-orders/stats"
)

type Options struct {
	Path string
	// Filter defaults to one that allows every message.
	Filter *filter.Filter
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

func NewReader(opts Options, logger *slog.Logger) (Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}

	flt := opts.Filter
	if flt == nil {
		var err error
		if flt, err = filter.New(filter.Options{}); err != nil {
			return nil, err
		}
	}

	return &fileReader{path: path, filter: flt, logger: logger}, nil
}

type fileReader struct {
	path   string
	filter *filter.Filter
	logger *slog.Logger
}

func (f *fileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// The archive cannot be resynchronised after a framing error.
			return f.emitError(ctx, out, fmt.Errorf("message %d: %w", idx, err))
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			if err := f.emitError(ctx, out, fmt.Errorf("message %d read: %w", idx, err)); err != nil {
				return err
			}
			continue
		}

		if !f.filter.AllowsRaw(raw) {
			continue
		}

		if err := f.emitEnvelope(ctx, out, model.Envelope{Message: ParseMessage(raw)}); err != nil {
			return err
		}
	}
}

func (f *fileReader) emitError(ctx context.Context, out chan<- model.Envelope, err error) error {
	if f.logger != nil {
		f.logger.Error("mbox stream error", "path", f.path, "err", err)
	}
	return f.emitEnvelope(ctx, out, model.Envelope{Err: err})
}

func (f *fileReader) emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// ParseMessage builds a Message from raw RFC 5322 bytes. A missing or
// unparsable header leaves ID empty so the content hash identifies the
// message.
func ParseMessage(raw []byte) model.Message {
	sum := sha256.Sum256(raw)
	msg := model.Message{
		Hash: base64.StdEncoding.EncodeToString(sum[:]),
		Size: int64(len(raw)),
		Raw:  raw,
	}

	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return msg
	}
	h := mail.Header{Header: message.Header{Header: th}}

	if id, err := h.MessageID(); err == nil && id != "" {
		msg.ID = id
	} else {
		msg.ID = strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
	}

	if date, err := h.Date(); err == nil {
		msg.ReceivedAt = date
	}
	return msg
}

type Producer struct {
	reader Reader
	path   string
	runner *runner.Runner
	logger *slog.Logger
}

func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	reader, err := NewReader(opts, logger)
	if err != nil {
		return nil, err
	}
	producer := &Producer{reader: reader, path: opts.Path, runner: r, logger: logger}
	r.AddStage("mbox", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseMailbox()

	count, err := CountMessages(p.path)
	if err != nil {
		return err
	}
	if p.logger != nil {
		p.logger.Info("mbox opened", "path", p.path, "messages", count)
	}
	p.runner.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeDiscovered, Count: count})

	return p.reader.Stream(ctx, p.runner.MailboxWriter())
}

// Read iterates every message of the archive at path, calling fn for each.
// Messages that cannot be read are skipped.
func Read(path string, fn func(model.Message) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			// try to continue
			continue
		}

		if err := fn(ParseMessage(raw)); err != nil {
			return err
		}
	}
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}

		// Just consume the message without parsing
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}

// IsArchive reports whether the file at path starts with an mbox "From "
// separator line.
func IsArchive(path string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()

	head := make([]byte, 5)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, err
	}
	return string(head[:n]) == "From ", nil
}

