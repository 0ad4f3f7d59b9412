package main

import (
	"bytes"
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/aristath/delegator/internal/config"
)

func missingAgentsConfig() *config.Config {
	cfg := config.DefaultConfig()
	for name, ac := range cfg.Agents {
		ac.Command = "delegator-missing-" + name
		cfg.Agents[name] = ac
	}
	cfg.Jules.APIKey = ""
	return cfg
}

func TestPrintAgents(t *testing.T) {
	var out bytes.Buffer
	if err := printAgents(context.Background(), missingAgentsConfig(), &out); err != nil {
		t.Fatalf("printAgents failed: %v", err)
	}

	text := out.String()
	for _, want := range []string{
		"AGENT", "aider", "rovodev", "missing",
		"jules: api=false (JULES_API_KEY not set",
		"0/8 agents available",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestPrintAgents_APIKeyMakesJulesAvailable(t *testing.T) {
	cfg := missingAgentsConfig()
	cfg.Jules.APIKey = "test-key"

	var out bytes.Buffer
	if err := printAgents(context.Background(), cfg, &out); err != nil {
		t.Fatalf("printAgents failed: %v", err)
	}
	if !strings.Contains(out.String(), "1/8 agents available") {
		t.Errorf("expected jules to count as available:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "preferred=api") {
		t.Errorf("expected api to be the preferred jules mode:\n%s", out.String())
	}
}

func TestPrintUsage(t *testing.T) {
	var out bytes.Buffer
	printUsage(&out)
	for _, cmd := range []string{"serve", "monitor", "agents", "version"} {
		if !strings.Contains(out.String(), cmd) {
			t.Errorf("usage does not mention %q", cmd)
		}
	}
}

// TestSignalContextCancellation verifies that the signal-aware context main
// builds is cancelled when a signal arrives.
func TestSignalContextCancellation(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Failed to send SIGUSR1: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Context did not cancel after SIGUSR1")
	}

	if err := ctx.Err(); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
