package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/edgebridge/relay/internal/config"
	"github.com/edgebridge/relay/internal/lifecycle"
)

const (
	ServiceName      = "edge-relay"
	ServiceNamespace = "edgebridge"
)

var (
	version    = "0.0.0"
	commit     = "hash"
	commitDate = time.Now().String()
)

// defaultPidfilePath is used when --pidfile is not given: one file per
// machine, matching a single-instance relay's deployment model.
func defaultPidfilePath() string {
	return filepath.Join(os.TempDir(), ServiceName+".pid")
}

func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Edge relay: bridges the local chat store to the orchestrator",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "pidfile", Value: defaultPidfilePath(), Usage: "path to the single-instance pidfile"},
		},
		Commands: []*cli.Command{
			startCmd(),
			stopCmd(),
			restartCmd(),
			statusCmd(),
			logsCmd(),
		},
	}

	return app.Run(os.Args)
}

func startCmd() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start the relay in the foreground",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config_file", Usage: "path to the configuration file"},
		},
		Action: func(c *cli.Context) error {
			return runStart(c.Context, c.String("config_file"), c.String("pidfile"))
		},
	}
}

func runStart(ctx context.Context, configFile, pidfilePath string) error {
	if pid, alive, _ := lifecycle.ReadPID(pidfilePath); alive {
		return cli.Exit(fmt.Sprintf("edge relay already running (pid %d)", pid), 1)
	}

	cfg, _, err := config.Load(configFile, nil)
	if err != nil {
		return cli.Exit(fmt.Sprintf("configuration error: %v", err), 3)
	}

	logger := newLogger(cfg.Logging)
	app := NewApp(cfg, logger, pidfilePath)

	if err := app.Start(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("startup failed: %v", err), 3)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	return app.Stop(context.Background())
}

func stopCmd() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "Stop a running relay",
		Action: func(c *cli.Context) error {
			return runStop(c.String("pidfile"))
		},
	}
}

func runStop(pidfilePath string) error {
	pid, alive, err := lifecycle.ReadPID(pidfilePath)
	if err != nil || !alive {
		return cli.Exit("edge relay is not running", 2)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return cli.Exit("edge relay is not running", 2)
	}
	if err := lifecycle.SendStop(proc); err != nil {
		return cli.Exit(fmt.Sprintf("failed to signal pid %d: %v", pid, err), 2)
	}

	for i := 0; i < 50; i++ {
		if _, alive, _ := lifecycle.ReadPID(pidfilePath); !alive {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

func restartCmd() *cli.Command {
	return &cli.Command{
		Name:  "restart",
		Usage: "Stop then start the relay",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config_file", Usage: "path to the configuration file"},
		},
		Action: func(c *cli.Context) error {
			_ = runStop(c.String("pidfile")) // tolerate "not running"
			return runStart(c.Context, c.String("config_file"), c.String("pidfile"))
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the relay's live status; renders a dashboard when a terminal is attached",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "watch", Usage: "keep the dashboard open, refreshing periodically"},
		},
		Action: func(c *cli.Context) error {
			return runStatus(c.String("pidfile"), healthBaseURL(c), c.Bool("watch"))
		},
	}
}

func healthBaseURL(c *cli.Context) string {
	cfg, _, err := config.Load(c.String("config_file"), nil)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Monitoring.HealthCheck.Port)
}

func logsCmd() *cli.Command {
	return &cli.Command{
		Name:  "logs",
		Usage: "Print the relay's log file",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "f", Usage: "follow the log file as it grows"},
			&cli.StringFlag{Name: "config_file", Usage: "path to the configuration file"},
		},
		Action: func(c *cli.Context) error {
			cfg, _, err := config.Load(c.String("config_file"), nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("configuration error: %v", err), 3)
			}
			if cfg.Logging.File == "" {
				return cli.Exit("logging.file is not configured", 3)
			}
			return tailLog(c.Context, cfg.Logging.File, c.Bool("f"))
		},
	}
}
