// Package link implements C7, the orchestrator link: a primary
// bidirectional websocket channel with an HTTPS fallback, failing over
// between them per §4.7.
package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/edgebridge/relay/internal/model"
)

const (
	pingInterval      = 30 * time.Second
	deadLinkAfter     = 60 * time.Second
	maxBackoff        = 60 * time.Second
	fallbackPollEvery = 30 * time.Second
)

// newReconnectBackoff produces the exact 1s, 2s, 4s, 8s, ... capped-at-60s,
// unbounded-retries sequence §4.7 specifies — no jitter, no elapsed-time
// ceiling (reconnection is indefinite).
func newReconnectBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = maxBackoff
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	return bo
}

// CommandHandler receives a decoded command delivered over either
// transport. Implemented by the bus/executor wiring.
type CommandHandler func(ctx context.Context, cmd model.OrchestratorCommand)

// StatusHandler is notified on every link state transition, for §6.5's
// link_status observability event.
type StatusHandler func(state State)

// Link owns both transports and the failover policy between them.
type Link struct {
	logger   *slog.Logger
	agentID  string
	secret   string
	wsURL    string

	fallback *Fallback
	onCmd    CommandHandler
	onStatus StatusHandler

	connMu sync.Mutex
	conn   *websocket.Conn
	writeMu sync.Mutex

	state atomic.Value // State

	lastFrameAt atomic.Int64 // unix nanos

	// wakeFallback is nudged on every transition away from
	// StateConnected so fallbackPollLoop starts polling immediately
	// instead of waiting out its ~30s ticker (§8 Scenario 4: "fallback
	// polling starts within 5s of disconnect").
	wakeFallback chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(agentID, secret, wsURL, httpURL string, requestTimeout time.Duration, onCmd CommandHandler, onStatus StatusHandler, logger *slog.Logger) *Link {
	l := &Link{
		logger:       logger,
		agentID:      agentID,
		secret:       secret,
		wsURL:        wsURL,
		fallback:     NewFallback(httpURL, agentID, secret, requestTimeout),
		onCmd:        onCmd,
		onStatus:     onStatus,
		wakeFallback: make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	l.setState(StateDisconnected)
	return l
}

func (l *Link) setState(s State) {
	l.state.Store(s)
	if l.onStatus != nil {
		l.onStatus(s)
	}
	if s != StateConnected {
		select {
		case l.wakeFallback <- struct{}{}:
		default: // already pending a wake, no need to queue another
		}
	}
}

// State reports the current connectivity state.
func (l *Link) State() State {
	return l.state.Load().(State)
}

// FallbackChannel exposes the HTTP channel directly, for callers that
// always use the fallback regardless of bidirectional state (C8's
// /edge/message POST, C6's attachment upload).
func (l *Link) FallbackChannel() *Fallback { return l.fallback }

// Start begins the connect loop and the fallback poll loop. Non-blocking
// per the lifecycle supervisor's "C7 non-blocking connect" requirement.
func (l *Link) Start(ctx context.Context) {
	l.wg.Add(2)
	go l.connectLoop(ctx)
	go l.fallbackPollLoop(ctx)
}

func (l *Link) Stop() {
	close(l.stopCh)
	l.connMu.Lock()
	if l.conn != nil {
		_ = l.conn.Close()
	}
	l.connMu.Unlock()
	l.wg.Wait()
}

// connectLoop dials, runs the read pump until the connection dies, then
// reconnects with exponential backoff capped at 60s, indefinitely.
func (l *Link) connectLoop(ctx context.Context) {
	defer l.wg.Done()
	bo := newReconnectBackoff()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := l.dial(ctx)
		if err != nil {
			l.logger.Warn("orchestrator link dial failed", "error", err)
			l.setState(StateReconnecting)
			if !sleepOrStop(l.stopCh, bo.NextBackOff()) {
				return
			}
			continue
		}

		bo.Reset()
		l.connMu.Lock()
		l.conn = conn
		l.connMu.Unlock()
		l.lastFrameAt.Store(time.Now().UnixNano())
		l.setState(StateConnected)

		l.runUntilDead(ctx, conn)

		l.connMu.Lock()
		l.conn = nil
		l.connMu.Unlock()

		select {
		case <-l.stopCh:
			return
		default:
			l.setState(StateReconnecting)
		}
	}
}

func sleepOrStop(stop chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}

func (l *Link) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(l.wsURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse ws url: %v", model.ErrTransportTerminal, err)
	}
	q := u.Query()
	q.Set("edge_agent_id", l.agentID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+l.secret)
	header.Set("X-Edge-Agent-Id", l.agentID)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// Auth failures are surfaced but must not suspend reconnection (§4.7).
			return nil, fmt.Errorf("%w: %v", model.ErrTransportAuth, err)
		}
		return nil, fmt.Errorf("%w: %v", model.ErrTransportRetryable, err)
	}
	return conn, nil
}

// runUntilDead drives the read pump and a ping ticker concurrently until
// the connection closes, a read error occurs, or the dead-link timeout
// elapses with no frames received.
func (l *Link) runUntilDead(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	var readErr error

	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr = err
				return
			}
			l.lastFrameAt.Store(time.Now().UnixNano())
			l.handleFrame(ctx, data)
		}
	}()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	deadCheck := time.NewTicker(5 * time.Second)
	defer deadCheck.Stop()

	for {
		select {
		case <-done:
			if readErr != nil {
				l.logger.Info("orchestrator link closed", "error", readErr)
			}
			return
		case <-pingTicker.C:
			if err := l.writeFrame(conn, mustPingFrame()); err != nil {
				_ = conn.Close()
			}
		case <-deadCheck.C:
			if time.Since(time.Unix(0, l.lastFrameAt.Load())) > deadLinkAfter {
				l.logger.Warn("orchestrator link dead, no frames received", "timeout", deadLinkAfter)
				_ = conn.Close()
			}
		case <-l.stopCh:
			_ = conn.Close()
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

func mustPingFrame() []byte {
	b, err := newPingFrame()
	if err != nil {
		panic(err) // static payload, cannot fail to marshal
	}
	return b
}

func (l *Link) writeFrame(conn *websocket.Conn, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (l *Link) handleFrame(ctx context.Context, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		l.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	switch frame.Type {
	case "pong":
		// keepalive only; lastFrameAt already updated by the caller.
	case "command":
		cmd, err := decodeCommand(frame.Data)
		if err != nil {
			l.logger.Warn("dropping invalid command frame", "error", err)
			return
		}
		if l.onCmd != nil {
			l.onCmd(ctx, cmd)
		}
	default:
		l.logger.Warn("unknown frame type", "type", frame.Type)
	}
}

// AckCommand sends a command_ack over whichever transport is live: the
// bidirectional channel when connected, the fallback channel otherwise.
func (l *Link) AckCommand(ctx context.Context, commandID string, status model.AckStatus, errMsg string) error {
	l.connMu.Lock()
	conn := l.conn
	l.connMu.Unlock()

	if conn != nil {
		frame, err := newCommandAckFrame(commandID, status, errMsg)
		if err != nil {
			return fmt.Errorf("%w: encode ack: %v", model.ErrTransportTerminal, err)
		}
		if err := l.writeFrame(conn, frame); err == nil {
			return nil
		}
		// fall through to HTTP fallback on write failure
	}
	return l.fallback.AckCommand(ctx, commandID, status == model.AckCompleted, errMsg)
}

// SendStatus pushes a status snapshot over the bidirectional channel, if
// connected. A no-op when disconnected (health surface already serves
// snapshots locally).
func (l *Link) SendStatus(snapshot any) error {
	l.connMu.Lock()
	conn := l.conn
	l.connMu.Unlock()
	if conn == nil {
		return nil
	}
	frame, err := newStatusFrame(snapshot)
	if err != nil {
		return fmt.Errorf("%w: encode status: %v", model.ErrTransportTerminal, err)
	}
	return l.writeFrame(conn, frame)
}

// fallbackPollLoop calls Sync at ~30s intervals while the bidirectional
// channel is down (§4.7 "polling resumes at ~30s intervals ... paused
// again without draining the in-flight poll"), plus immediately on
// every disconnect transition via wakeFallback so polling starts well
// within the 5s Scenario 4 requires rather than waiting out the ticker.
func (l *Link) fallbackPollLoop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(fallbackPollEvery)
	defer ticker.Stop()

	poll := func() {
		if l.State() == StateConnected {
			return
		}
		resp, err := l.fallback.Sync(ctx, SyncRequest{})
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				l.logger.Debug("fallback sync failed", "error", err)
			}
			return
		}
		for _, cmd := range resp.Commands {
			if l.onCmd != nil {
				l.onCmd(ctx, cmd)
			}
		}
	}

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-l.wakeFallback:
			poll()
			ticker.Reset(fallbackPollEvery)
		case <-ticker.C:
			poll()
		}
	}
}
