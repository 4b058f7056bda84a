// Package sendadapter defines the outbound send capability (C4). It is
// interface-only per spec: the host automation that actually drives the
// local chat app is external to this relay. This package owns the one
// policy that is in-scope here — the per-process rate limit and the
// automation-sigil safety check shared with C11's command validation.
package sendadapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edgebridge/relay/internal/config"
	"github.com/edgebridge/relay/internal/model"
)

// Sender is implemented by the host-specific automation driver. Bubbles
// are the ordered text chunks of a burst send; batched controls whether
// the host should emit them as one grouped notification or individually.
type Sender interface {
	SendSingle(ctx context.Context, threadID, text string, isGroup bool) (bool, error)
	SendBurst(ctx context.Context, threadID string, bubbles []string, isGroup, batched bool) (bool, error)
}

const (
	rateLimitCount  = 60
	rateLimitWindow = 60 * time.Second
)

// Adapter wraps a Sender with the rate limit and unsafe-text rejection
// §4.4 specifies, so every implementation gets this behavior for free.
type Adapter struct {
	sender Sender

	mu    sync.Mutex
	sends []time.Time // sliding window of accepted sends, oldest first
}

func New(sender Sender) *Adapter {
	return &Adapter{sender: sender}
}

func checkSafe(text string) error {
	if config.ContainsAutomationSigil(text) {
		return fmt.Errorf("%w: text contains automation sigil", model.ErrUnsafeText)
	}
	return nil
}

func (a *Adapter) SendSingle(ctx context.Context, threadID, text string, isGroup bool) (bool, error) {
	if err := checkSafe(text); err != nil {
		return false, err
	}
	if err := a.admit(1); err != nil {
		return false, err
	}
	ok, err := a.sender.SendSingle(ctx, threadID, text, isGroup)
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrSend, err)
	}
	return ok, nil
}

func (a *Adapter) SendBurst(ctx context.Context, threadID string, bubbles []string, isGroup, batched bool) (bool, error) {
	for _, b := range bubbles {
		if err := checkSafe(b); err != nil {
			return false, err
		}
	}
	cost := len(bubbles)
	if batched {
		cost = 1
	}
	if err := a.admit(cost); err != nil {
		return false, err
	}
	ok, err := a.sender.SendBurst(ctx, threadID, bubbles, isGroup, batched)
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrSend, err)
	}
	return ok, nil
}

// admit enforces the 60-sends-per-60s sliding window, charging cost
// sends atomically (reserving the slots before the call so a burst of
// bubbles cannot race past the limit against a concurrent single send).
func (a *Adapter) admit(cost int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rateLimitWindow)
	kept := a.sends[:0]
	for _, t := range a.sends {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.sends = kept

	if len(a.sends)+cost > rateLimitCount {
		return fmt.Errorf("%w: send would exceed %d/%s", model.ErrRateLimited, rateLimitCount, rateLimitWindow)
	}
	for i := 0; i < cost; i++ {
		a.sends = append(a.sends, now)
	}
	return nil
}
