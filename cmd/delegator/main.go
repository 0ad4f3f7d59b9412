// delegator: MCP server that hands coding work to external AI coding agents.
//
// Usage:
//
//	delegator serve     # Start the MCP server (stdio transport)
//	delegator monitor   # Browse the task history in a terminal UI
//	delegator agents    # Show which agents are installed
//	delegator version
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/aristath/delegator/internal/agent"
	"github.com/aristath/delegator/internal/backend"
	"github.com/aristath/delegator/internal/config"
	"github.com/aristath/delegator/internal/logging"
	"github.com/aristath/delegator/internal/persistence"
	appserver "github.com/aristath/delegator/internal/server"
	"github.com/aristath/delegator/internal/tui"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	// Cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "monitor":
		err = runMonitor(ctx)
	case "agents":
		err = runAgents(ctx, os.Stdout)
	case "--version", "-v", "version":
		fmt.Printf("delegator %s\n", appserver.Version)
	case "--help", "-h", "help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.New(logging.Options{Environment: cfg.Environment, Level: cfg.LogLevel})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// runServe serves MCP over stdio until stdin closes or a signal arrives.
// stdout belongs to the protocol; logs go to stderr.
func runServe(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	s, app, cleanup, err := appserver.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer cleanup()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := app.Metrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("delegator serving on stdio",
		zap.String("version", appserver.Version),
		zap.Int("max_workers", cfg.MaxWorkers),
		zap.String("database", cfg.DatabasePath))

	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(zap.NewStdLog(logger))
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("shutting down")
	return nil
}

// runMonitor shows the task history recorded by the server.
func runMonitor(ctx context.Context) error {
	cfg, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	globalPath, projectPath, err := config.Paths()
	if err != nil {
		return err
	}

	store, err := persistence.NewSQLiteStore(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}
	defer store.Close()

	p := tea.NewProgram(tui.New(store, cfg, globalPath, projectPath), tea.WithAltScreen())

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		p.Quit()

		select {
		case err := <-errChan:
			return err
		case <-time.After(5 * time.Second):
			return fmt.Errorf("monitor did not exit within 5s")
		}
	}
}

// runAgents prints agent availability and install hints.
func runAgents(ctx context.Context, w io.Writer) error {
	cfg, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return printAgents(ctx, cfg, w)
}

func printAgents(ctx context.Context, cfg *config.Config, w io.Writer) error {
	agents, err := appserver.DiscoverAgents(cfg, backend.NewProcessManager(), nil, nil, zap.NewNop())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tSTATUS\tBEST FOR\tSETUP")
	for _, id := range agent.AllIDs() {
		capability, _ := agent.CapabilityOf(id)
		status := "missing"
		if agents.Registry.IsAvailable(id) {
			status = "available"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, status, strings.Join(capability.BestFor, ", "), agents.Hints[id])
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if agents.Jules != nil {
		modes := agents.Jules.DetectModes(ctx)
		fmt.Fprintf(w, "\njules: api=%t (%s), cli=%t (%s), preferred=%s\n",
			modes.API.Available, modes.API.Reason,
			modes.CLI.Available, modes.CLI.Reason,
			modes.Preferred)
	}
	fmt.Fprintf(w, "\n%d/%d agents available\n", agents.Registry.Len(), len(agent.AllIDs()))
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `delegator %s

Usage:
  delegator <command>

Commands:
  serve     Start the MCP server on stdio
  monitor   Browse delegated task history
  agents    Show which coding agents are installed
  version   Print the version
  help      Show this help

Configuration is read from ~/.delegator/config.{yaml,json} and
.delegator/config.{yaml,json}; environment variables and .env override it.
`, appserver.Version)
}
