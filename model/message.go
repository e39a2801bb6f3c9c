package model

import "time"

// Message is a single raw email handed over by a mailbox source. The engine
// only reads it.
type Message struct {
	ID         string
	Hash       string
	ReceivedAt time.Time
	Size       int64
	Raw        []byte

	// ContentType describes Raw when it is a bare body without an RFC 5322
	// header block, e.g. "text/html" or "multipart/alternative; boundary=x".
	// Left empty for complete messages.
	ContentType string
}

// Key identifies the message for the seen-set. It prefers the Message-Id and
// falls back to the content hash.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.Hash
}

// Envelope wraps a message alongside an optional error encountered while decoding.
type Envelope struct {
	Message Message
	Err     error
}
