package model

import "errors"

// Error kinds from §7's taxonomy. These are sentinel base errors; callers
// wrap them with fmt.Errorf("...: %w", ErrX) to keep errors.Is working
// while still carrying a diagnostic message.
var (
	// ErrConfig: invalid or missing configuration. Fatal at startup.
	ErrConfig = errors.New("config error")
	// ErrSecret: keychain unavailable or key derivation failed. Fatal at startup.
	ErrSecret = errors.New("secret error")
	// ErrStorageCorrupt: underlying store corrupt or schema mismatch. Fatal.
	ErrStorageCorrupt = errors.New("storage corrupt")
	// ErrStorageLocked: store locked beyond the bounded retry window. Transient.
	ErrStorageLocked = errors.New("storage locked")
	// ErrExternalStore: the chat-app store is unreadable. Non-fatal.
	ErrExternalStore = errors.New("external store error")
	// ErrTransportRetryable: network/endpoint failure that should be retried.
	ErrTransportRetryable = errors.New("transport error: retryable")
	// ErrTransportAuth: 401/403 on an outbound call.
	ErrTransportAuth = errors.New("transport error: auth")
	// ErrTransportTerminal: a transport failure that will not resolve on retry.
	ErrTransportTerminal = errors.New("transport error: terminal")
	// ErrValidation: a command payload violates its schema.
	ErrValidation = errors.New("validation error")
	// ErrSend: the send adapter refused or failed a single send.
	ErrSend = errors.New("send error")
	// ErrRateLimited: the send adapter throttled the call.
	ErrRateLimited = errors.New("rate limited")
	// ErrRaceSkipped: a scheduler atomic-claim was lost to a concurrent sweep. Not an error.
	ErrRaceSkipped = errors.New("race skipped")
	// ErrUnsafeText: text contains automation-injection sigils the adapter can't escape.
	ErrUnsafeText = errors.New("unsafe text")
	// ErrAttachmentTooLarge: transcoding could not reach the size target.
	ErrAttachmentTooLarge = errors.New("attachment too large")
	// ErrNotFound: a lookup found nothing (not itself part of the §7 taxonomy,
	// but needed by every Store's Get).
	ErrNotFound = errors.New("not found")
)
