// Package model holds the data-model entities shared across the edge
// relay's components (§3 of SPEC_FULL.md).
package model

import "time"

// AttachmentRef describes an attachment as seen in the external chat
// store, before any enrichment or upload.
type AttachmentRef struct {
	GUID         string
	MimeType     string
	SizeBytes    int64
	AbsolutePath string
}

// InboundMessage is produced by the chat-source tailer and consumed by
// the ingest coordinator. It is never persisted beyond the cursor.
type InboundMessage struct {
	SourceRowID  int64
	ThreadID     string
	SenderID     string
	Text         string
	Timestamp    time.Time
	IsGroup      bool
	Participants []string
	Attachments  []AttachmentRef
}

// HasContent reports whether the message carries anything worth
// forwarding: non-empty text or at least one attachment.
func (m InboundMessage) HasContent() bool {
	return m.Text != "" || len(m.Attachments) > 0
}
