package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/edgebridge/relay/internal/attachment"
	"github.com/edgebridge/relay/internal/bus"
	"github.com/edgebridge/relay/internal/chatcontext"
	"github.com/edgebridge/relay/internal/chatsource"
	"github.com/edgebridge/relay/internal/config"
	"github.com/edgebridge/relay/internal/executor"
	"github.com/edgebridge/relay/internal/health"
	"github.com/edgebridge/relay/internal/ingestcoordinator"
	"github.com/edgebridge/relay/internal/link"
	"github.com/edgebridge/relay/internal/model"
	"github.com/edgebridge/relay/internal/rules"
	"github.com/edgebridge/relay/internal/scheduler"
	"github.com/edgebridge/relay/internal/secret"
	"github.com/edgebridge/relay/internal/sendadapter"
	"github.com/edgebridge/relay/internal/store"
	"github.com/edgebridge/relay/internal/telemetry"
)

// maxLongestEdgePixels bounds transcoded attachment dimensions; spec.md
// only fixes the byte ceiling (model.MaxNormalizedBytes), so this value
// is chosen generously above typical MMS/chat photo resolutions.
const maxLongestEdgePixels = 2048

// drainTimeout is how long Stop waits for background loops to notice
// they've been asked to stop before moving on regardless (§4.11: "drain
// in-flight commands, bounded wait, e.g., 2s").
const drainTimeout = 2 * time.Second

// Supervisor owns the startup/shutdown order of §4.11: it constructs
// every component in dependency order, starts the ones that run
// background work, and tears them down in reverse on Stop. Grounded on
// the teacher's cmd/fx.go module wiring, but hand-ordered rather than
// left to fx's dependency graph, since §4.11 names an exact sequence
// rather than a resolvable graph (C7 must connect only after C3/C5/C6/
// C9/C10 exist, C8's poll loop must start only after C7 exists, etc).
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	pidfile *PIDFile

	mainStore   *store.Store
	cursorStore *store.Store

	telemetry *telemetry.Recorder
	metrics   *health.Recorder

	contexts    *chatcontext.Store
	attachments *attachment.Cache
	rules       *rules.Store
	scheduler   *scheduler.Scheduler
	sender      *sendadapter.Adapter
	lnk         *link.Link
	coordinator *ingestcoordinator.Coordinator
	tailer      *chatsource.Tailer
	exec        *executor.Executor
	bs          *bus.Bus
	surface     *health.Surface

	pollStop chan struct{}
	pollDone chan struct{}

	busRunCancel context.CancelFunc
	busRunDone   chan struct{}
}

// New constructs a Supervisor from an already-loaded, already-validated
// configuration. It performs no I/O until Start is called.
func New(cfg *config.Config, logger *slog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, logger: logger}
}

// Start runs the full C1→C12 bring-up sequence. On any failure it rolls
// back whatever was already started before returning the error, so a
// caller can retry or exit cleanly without leaking goroutines.
func (sup *Supervisor) Start(ctx context.Context, pidfilePath string) (err error) {
	defer func() {
		if err != nil {
			sup.Stop(context.Background())
		}
	}()

	sup.pidfile, err = Acquire(pidfilePath)
	if err != nil {
		return err
	}

	// C1: derive/retrieve the AEAD key from the OS keychain.
	keyStore := secret.New(sup.cfg.Security.KeychainService, sup.cfg.Security.KeychainAccount)
	key, err := keyStore.EnsureKey()
	if err != nil {
		return fmt.Errorf("C1 secret: %w", err)
	}

	// C2: open the encrypted relay state store, and a second, separate
	// store for the chat-source tailer's cursor watermark so its write
	// cadence (§4.3: advances on every successful poll) never contends
	// with scheduler/command writes against the same file.
	sup.mainStore, err = store.Open(ctx, sup.cfg.Database.Path, key)
	if err != nil {
		return fmt.Errorf("C2 store (main): %w", err)
	}
	sup.cursorStore, err = store.Open(ctx, sup.cfg.Database.StatePath, key)
	if err != nil {
		return fmt.Errorf("C2 store (cursor): %w", err)
	}

	sup.telemetry, err = telemetry.New(ctx)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	sup.metrics = health.NewRecorder()
	sup.telemetry.Emit(ctx, telemetry.EventAgentStarted)

	// C5, C6 (minus its uploader, which needs C7), C9, C10 initialized
	// before C7 connects, per §4.11.
	sup.contexts = chatcontext.New(sup.mainStore)
	sup.rules = rules.New(sup.mainStore)
	sup.sender = sendadapter.New(noopSender{})
	sup.scheduler = scheduler.New(sup.mainStore, sup.sender, sup.telemetry, sup.logger)

	// C7's onCmd/onStatus close over sup rather than binding a method
	// value up front, since sup.exec does not exist yet: the closures
	// read sup.exec/sup.metrics fresh on every invocation, so by the
	// time the link actually delivers a frame (after Start below) both
	// fields are populated. This breaks the link↔executor construction
	// cycle without a second link/executor build.
	sup.lnk = link.New(
		sup.cfg.Edge.AgentID,
		sup.cfg.EdgeSecret,
		sup.cfg.Backend.WebsocketURL,
		sup.cfg.Backend.URL,
		sup.cfg.RequestTimeout(),
		func(cmdCtx context.Context, cmd model.OrchestratorCommand) { sup.exec.Enqueue(cmdCtx, cmd) },
		sup.onLinkStatus,
		sup.logger,
	)

	sup.attachments = attachment.New(sup.mainStore, uploaderAdapter{l: sup.lnk}, attachment.NewJPEGTranscoder(), maxLongestEdgePixels)
	sup.coordinator = ingestcoordinator.New(sup.contexts, sup.attachments, sup.lnk, sup.sender, sup.telemetry, sup.metrics, sup.logger)
	sup.exec = executor.New(sup.scheduler, sup.contexts, sup.attachments, sup.rules, sup.sender, sup.coordinator, sup.lnk, sup.telemetry, sup.metrics, sup.logger)

	cursorStore := store.NewCursorStore(sup.cursorStore)
	sup.tailer, err = chatsource.Open(ctx, sup.cfg.IMessage.DBPath, sup.cfg.IMessage.AttachmentsPath, cursorStore, sup.logger)
	if err != nil {
		return fmt.Errorf("C3 chatsource: %w", err)
	}

	sup.bs, err = bus.New(sup.logger)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	sup.bs.AddHandler("executor-commands", bus.TopicCommands, sup.exec.BusHandler)

	sup.surface = health.NewSurface(sup.scheduler, sup.lnk, sup.metrics, sup.logger)

	// C9 starts before C7 connects so a command arriving the instant the
	// link comes up already has somewhere to go.
	sup.scheduler.Start(ctx)
	sup.exec.Start(ctx)

	busCtx, cancel := context.WithCancel(ctx)
	sup.busRunCancel = cancel
	sup.busRunDone = make(chan struct{})
	go func() {
		defer close(sup.busRunDone)
		if runErr := sup.bs.Run(busCtx); runErr != nil {
			sup.logger.Error("internal bus stopped", "error", runErr)
		}
	}()

	// C7 connect is non-blocking: Start launches its own reconnect loop.
	sup.lnk.Start(ctx)

	// C8: the ingest poll loop, fired on an interval, never overlapping
	// itself — grounded on §4.3/§5's single-task-per-interval contract.
	sup.pollStop = make(chan struct{})
	sup.pollDone = make(chan struct{})
	go sup.runIngestLoop(ctx)

	sup.surface.MarkReady()
	return nil
}

// onLinkStatus mirrors every link state transition into both the
// Prometheus gauge and the telemetry sink (§6.5 link_status).
func (sup *Supervisor) onLinkStatus(state link.State) {
	sup.metrics.SetBidirectionalConnected(state == link.StateConnected)
	sup.telemetry.LinkStatus(context.Background(), string(state))
}

func (sup *Supervisor) runIngestLoop(ctx context.Context) {
	defer close(sup.pollDone)
	interval := time.Duration(sup.cfg.IMessage.PollIntervalSeconds * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sup.pollStop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch := sup.tailer.Poll(ctx)
			if len(batch) == 0 {
				continue
			}
			if err := sup.coordinator.ProcessBatch(ctx, batch); err != nil {
				sup.logger.Error("ingest batch failed, cursor left unadvanced for replay", "error", err)
				continue
			}
			maxRowID := batch[0].SourceRowID
			for _, msg := range batch[1:] {
				if msg.SourceRowID > maxRowID {
					maxRowID = msg.SourceRowID
				}
			}
			if err := sup.tailer.Commit(ctx, maxRowID); err != nil {
				sup.logger.Error("failed to advance ingest cursor", "error", err)
			}
		}
	}
}

// Router exposes the health/metrics HTTP surface for the caller to
// serve; the listener's lifetime belongs to the CLI, not the supervisor.
func (sup *Supervisor) Router() http.Handler {
	if sup.surface == nil {
		return nil
	}
	return sup.surface.Router()
}

// Stop tears down every component started by Start, in reverse order,
// tolerating a partially-started Supervisor (Start calls Stop on its
// own failure path). Safe to call more than once.
func (sup *Supervisor) Stop(ctx context.Context) {
	if sup.pollStop != nil {
		close(sup.pollStop)
		select {
		case <-sup.pollDone:
		case <-time.After(drainTimeout):
		}
		sup.pollStop = nil
	}

	if sup.scheduler != nil {
		sup.scheduler.Stop()
	}
	if sup.exec != nil {
		sup.exec.Stop()
	}
	if sup.lnk != nil {
		sup.lnk.Stop()
	}
	if sup.busRunCancel != nil {
		sup.busRunCancel()
		select {
		case <-sup.busRunDone:
		case <-time.After(drainTimeout):
		}
	}
	if sup.bs != nil {
		_ = sup.bs.Close()
	}
	if sup.telemetry != nil {
		sup.telemetry.Emit(ctx, telemetry.EventAgentStopped)
		_ = sup.telemetry.Shutdown(ctx)
	}
	if sup.tailer != nil {
		_ = sup.tailer.Close()
	}
	if sup.mainStore != nil {
		_ = sup.mainStore.Close()
	}
	if sup.cursorStore != nil {
		_ = sup.cursorStore.Close()
	}
	if sup.pidfile != nil {
		_ = sup.pidfile.Release()
	}
}

// Surface exposes the health/metrics HTTP router for the caller to serve.
func (sup *Supervisor) Surface() *health.Surface {
	return sup.surface
}

// noopSender is the placeholder host-automation driver wired when no
// platform-specific send implementation is configured; it always fails
// so a misconfigured deployment surfaces loudly rather than silently
// dropping messages. A real deployment replaces this with the
// host-specific driver the host app exposes (out of scope per spec).
type noopSender struct{}

func (noopSender) SendSingle(ctx context.Context, threadID, text string, isGroup bool) (bool, error) {
	return false, fmt.Errorf("no host send driver configured")
}

func (noopSender) SendBurst(ctx context.Context, threadID string, bubbles []string, isGroup, batched bool) (bool, error) {
	return false, fmt.Errorf("no host send driver configured")
}
