package model

// CursorState is the single persisted watermark the chat-source tailer
// advances past on every successfully-accepted batch.
type CursorState struct {
	LastSourceRowID int64
}
