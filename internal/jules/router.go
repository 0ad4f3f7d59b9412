package jules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/delegator/internal/agent"
	"github.com/aristath/delegator/internal/events"
)

// Mode is a Jules execution mode.
type Mode string

const (
	ModeAuto  Mode = "auto"
	ModeAPI   Mode = "api"
	ModeCLI   Mode = "cli_headless"
	ModeSetup Mode = "setup"
)

// ParseMode accepts the mode names callers may pass. "cli" is an alias for
// cli_headless and the empty string means auto.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "api":
		return ModeAPI, nil
	case "cli", "cli_headless":
		return ModeCLI, nil
	case "setup":
		return ModeSetup, nil
	}
	return "", fmt.Errorf("unknown mode: %s", s)
}

// ModeInfo describes whether one mode can be used right now.
type ModeInfo struct {
	Available bool           `json:"available"`
	Reason    string         `json:"reason"`
	Details   map[string]any `json:"details"`
}

// Modes is the result of one detection pass.
type Modes struct {
	API       ModeInfo `json:"api"`
	CLI       ModeInfo `json:"cli"`
	Preferred Mode     `json:"preferred_mode"`
}

// ModeUnavailableError is returned when an explicitly requested mode cannot
// run. Reasons name the missing preconditions.
type ModeUnavailableError struct {
	Mode    Mode
	Reasons []string
}

func (e *ModeUnavailableError) Error() string {
	label := "API"
	if e.Mode == ModeCLI {
		label = "CLI"
	}
	return fmt.Sprintf("%s mode requested but not available: %s", label, strings.Join(e.Reasons, ", "))
}

// CLI is the headless Jules CLI as seen by the router.
// *backend.JulesCLIAdapter satisfies it.
type CLI interface {
	agent.Executor
	Available() bool
	Version(ctx context.Context) (string, error)
	CheckLogin(ctx context.Context) error
}

// Router sends Jules work to the API or the CLI depending on what is
// configured, and returns a setup guide when neither is usable. Modes are
// detected on every call.
type Router struct {
	apiKey string
	api    agent.Executor
	cli    CLI
	events events.Publisher
	logger *zap.Logger
}

var _ agent.Executor = (*Router)(nil)

// RouterConfig wires a Router. API is nil when no client is configured; CLI
// may be nil when the binary is not managed.
type RouterConfig struct {
	APIKey string
	API    agent.Executor
	CLI    CLI
	Events events.Publisher
	Logger *zap.Logger
}

// NewRouter creates a router.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		apiKey: cfg.APIKey,
		api:    cfg.API,
		cli:    cfg.CLI,
		events: cfg.Events,
		logger: logger,
	}
}

// DetectModes checks both modes. The API needs a key and a client; the CLI
// needs the binary on PATH and a logged-in session.
func (r *Router) DetectModes(ctx context.Context) Modes {
	modes := Modes{API: r.checkAPI(), CLI: r.checkCLI(ctx)}
	switch {
	case modes.API.Available:
		modes.Preferred = ModeAPI
	case modes.CLI.Available:
		modes.Preferred = ModeCLI
	default:
		modes.Preferred = ModeSetup
	}

	r.logger.Debug("jules modes detected",
		zap.Bool("api", modes.API.Available),
		zap.Bool("cli", modes.CLI.Available),
		zap.String("preferred", string(modes.Preferred)))
	return modes
}

// CLIAvailable reports whether the jules binary is installed, without
// checking the login.
func (r *Router) CLIAvailable() bool {
	return r.cli != nil && r.cli.Available()
}

func (r *Router) checkAPI() ModeInfo {
	hasKey := r.apiKey != ""
	hasClient := r.api != nil
	info := ModeInfo{
		Available: hasKey && hasClient,
		Details:   map[string]any{"has_api_key": hasKey, "has_client": hasClient},
	}
	if info.Available {
		info.Reason = "API key and client available"
		return info
	}

	var reasons []string
	if !hasKey {
		reasons = append(reasons, "JULES_API_KEY not set")
	}
	if !hasClient {
		reasons = append(reasons, "API client not configured")
	}
	info.Reason = strings.Join(reasons, ", ")
	return info
}

func (r *Router) checkCLI(ctx context.Context) ModeInfo {
	details := map[string]any{"installed": false, "logged_in": false}
	if r.cli == nil || !r.cli.Available() {
		return ModeInfo{Reason: "Jules CLI not installed", Details: details}
	}
	details["installed"] = true

	if version, err := r.cli.Version(ctx); err == nil {
		details["version"] = version
	}

	if err := r.cli.CheckLogin(ctx); err != nil {
		return ModeInfo{Reason: "not logged in (run: jules login)", Details: details}
	}
	details["logged_in"] = true
	return ModeInfo{Available: true, Reason: "Jules CLI installed and logged in", Details: details}
}

// ExecutePrompt implements agent.Executor. Execution failures are returned
// as errors so an orchestrator can react to them; use Run to get the
// failure envelope instead.
func (r *Router) ExecutePrompt(ctx context.Context, projectPath, prompt string, params agent.Params) (string, error) {
	mode, modes, err := r.resolve(ctx, params)
	if err != nil {
		return "", err
	}

	switch mode {
	case ModeSetup:
		return r.setupGuide(modes)
	case ModeAPI:
		out, err := r.api.ExecutePrompt(ctx, projectPath, prompt, params)
		if err != nil {
			return "", fmt.Errorf("Jules API execution failed: %w", err)
		}
		return apiEnvelope(out)
	default:
		out, err := r.cli.ExecutePrompt(ctx, projectPath, prompt, params)
		if err != nil {
			return "", fmt.Errorf("Jules CLI execution failed: %w", err)
		}
		r.publishCLI(out)
		return cliEnvelope(out, modes.API.Available)
	}
}

// Run routes like ExecutePrompt but encodes execution failures as
// {success:false, mode, error, message} documents. Only mode resolution
// errors are returned as errors.
func (r *Router) Run(ctx context.Context, projectPath, prompt string, params agent.Params) (string, error) {
	mode, modes, err := r.resolve(ctx, params)
	if err != nil {
		return "", err
	}

	switch mode {
	case ModeSetup:
		return r.setupGuide(modes)
	case ModeAPI:
		out, err := r.api.ExecutePrompt(ctx, projectPath, prompt, params)
		if err != nil {
			r.logger.Warn("jules api execution failed", zap.Error(err))
			return failureEnvelope(ModeAPI, err, "Jules API execution failed")
		}
		return apiEnvelope(out)
	default:
		out, err := r.cli.ExecutePrompt(ctx, projectPath, prompt, params)
		if err != nil {
			r.logger.Warn("jules cli execution failed", zap.Error(err))
			return failureEnvelope(ModeCLI, err, "Jules CLI execution failed")
		}
		r.publishCLI(out)
		return cliEnvelope(out, modes.API.Available)
	}
}

func (r *Router) resolve(ctx context.Context, params agent.Params) (Mode, Modes, error) {
	requested, err := ParseMode(params.String(agent.ParamMode))
	if err != nil {
		return "", Modes{}, err
	}

	modes := r.DetectModes(ctx)
	switch requested {
	case ModeAuto:
		return modes.Preferred, modes, nil
	case ModeAPI:
		if !modes.API.Available {
			return "", modes, &ModeUnavailableError{Mode: ModeAPI, Reasons: []string{modes.API.Reason}}
		}
	case ModeCLI:
		if !modes.CLI.Available {
			return "", modes, &ModeUnavailableError{Mode: ModeCLI, Reasons: []string{modes.CLI.Reason}}
		}
	}
	return requested, modes, nil
}

func (r *Router) publishCLI(out string) {
	if r.events == nil {
		return
	}
	var res struct {
		SessionID string `json:"session_id"`
		State     string `json:"state"`
	}
	if json.Unmarshal([]byte(out), &res) != nil || res.SessionID == "" {
		return
	}
	r.events.Publish(events.JulesSessionEvent{
		SessionID: res.SessionID,
		Mode:      string(ModeCLI),
		State:     res.State,
		Timestamp: time.Now(),
	})
}

func apiEnvelope(out string) (string, error) {
	var data any
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		data = out
	}
	return encode(map[string]any{"success": true, "mode": ModeAPI, "data": data})
}

func cliEnvelope(out string, apiAvailable bool) (string, error) {
	doc := map[string]any{}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		doc = map[string]any{"success": true, "output": out}
	}
	doc["mode"] = ModeCLI
	if !apiAvailable {
		doc["fallback_reason"] = "Jules API unavailable"
	}
	return encode(doc)
}

func failureEnvelope(mode Mode, err error, message string) (string, error) {
	return encode(map[string]any{
		"success": false,
		"mode":    mode,
		"error":   err.Error(),
		"message": message,
	})
}

func encode(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(data), nil
}
