package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/edgebridge/relay/internal/lifecycle"
)

// healthSnapshot mirrors internal/health.Surface's JSON body; kept as a
// separate loosely-typed struct here so the CLI doesn't need to import
// internal/health just to decode its own wire format.
type healthSnapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	LinkState     string  `json:"link_state"`
	Scheduler     struct {
		Pending   int `json:"pending"`
		Sent      int `json:"sent"`
		Failed    int `json:"failed"`
		Cancelled int `json:"cancelled"`
	} `json:"scheduler"`
	MemoryMB float64 `json:"memory_mb"`
}

func fetchHealth(baseURL string) (healthSnapshot, error) {
	var snap healthSnapshot
	if baseURL == "" {
		return snap, fmt.Errorf("health endpoint unknown (bad configuration)")
	}
	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return snap, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snap, fmt.Errorf("health endpoint returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// runStatus prints pidfile liveness and, if the process is alive,
// renders a small termui dashboard of its health snapshot. With
// --watch it keeps refreshing until q/Ctrl-C; otherwise it draws one
// frame and returns.
func runStatus(pidfilePath, healthURL string, watch bool) error {
	pid, alive, _ := lifecycle.ReadPID(pidfilePath)
	if !alive {
		fmt.Println("edge relay: not running")
		return nil
	}
	fmt.Printf("edge relay: running (pid %d)\n", pid)

	if err := ui.Init(); err != nil {
		// No terminal attached (e.g. piped output, CI) — fall back to
		// plain text rather than failing the command.
		return printStatusPlain(healthURL)
	}
	defer ui.Close()

	draw := func() {
		snap, err := fetchHealth(healthURL)
		render(snap, err)
	}
	draw()
	if !watch {
		return nil
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	events := ui.PollEvents()
	for {
		select {
		case e := <-events:
			if e.Type == ui.KeyboardEvent && (e.ID == "q" || e.ID == "<C-c>") {
				return nil
			}
		case <-ticker.C:
			draw()
		}
	}
}

func render(snap healthSnapshot, fetchErr error) {
	p := widgets.NewParagraph()
	p.Title = "edge relay"
	p.SetRect(0, 0, 50, 9)
	if fetchErr != nil {
		p.Text = fmt.Sprintf("health endpoint unreachable:\n%v", fetchErr)
	} else {
		p.Text = fmt.Sprintf(
			"link: %s\nuptime: %.0fs\nmemory: %.1f MB\n\nscheduled pending: %d\nsent: %d  failed: %d  cancelled: %d",
			snap.LinkState, snap.UptimeSeconds, snap.MemoryMB,
			snap.Scheduler.Pending, snap.Scheduler.Sent, snap.Scheduler.Failed, snap.Scheduler.Cancelled,
		)
	}
	ui.Render(p)
}

func printStatusPlain(healthURL string) error {
	snap, err := fetchHealth(healthURL)
	if err != nil {
		return fmt.Errorf("health endpoint unreachable: %w", err)
	}
	fmt.Printf("link: %s\nuptime: %.0fs\nmemory: %.1f MB\nscheduled pending: %d sent: %d failed: %d cancelled: %d\n",
		snap.LinkState, snap.UptimeSeconds, snap.MemoryMB,
		snap.Scheduler.Pending, snap.Scheduler.Sent, snap.Scheduler.Failed, snap.Scheduler.Cancelled)
	return nil
}
