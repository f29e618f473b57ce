// Package cliexec is a subprocess-based llmprovider.Provider: it shells out
// to an external CLI agent binary, streams its newline-delimited JSON
// stdout, and turns each tool_use line into a StreamEvent. Grounded closely on the
// teacher's Claude Code CLI executor (args construction, bufio.Scanner
// streaming loop, exit-code/signal error detail extraction).
package cliexec

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaydesk/taskcore/internal/llmprovider"
	"github.com/relaydesk/taskcore/internal/logging"
)

var tracer = otel.Tracer("taskcore/llmprovider/cliexec")

// Config configures the external agent binary invocation.
type Config struct {
	BinaryPath   string
	APIKey       string
	DefaultModel string
	MaxBudgetUSD float64
	MaxTurns     int
	Timeout      time.Duration
	Env          map[string]string
}

// Provider executes prompts by running Config.BinaryPath as a subprocess
// and parsing its streamed JSON output.
type Provider struct {
	cfg    Config
	logger logging.Logger

	mu      sync.Mutex
	pending map[string]struct{} // in-flight correlation ids, for diagnostics only
}

// New constructs a cliexec Provider. If cfg.BinaryPath is empty it
// defaults to "claude", matching the teacher's executor default.
func New(cfg Config) *Provider {
	if strings.TrimSpace(cfg.BinaryPath) == "" {
		cfg.BinaryPath = "claude"
	}
	return &Provider{
		cfg:     cfg,
		logger:  logging.NewComponentLogger("CLIExecProvider"),
		pending: make(map[string]struct{}),
	}
}

func (p *Provider) Execute(ctx context.Context, req llmprovider.Request) (*llmprovider.Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	correlationID := uuid.NewString()
	var span trace.Span
	ctx, span = tracer.Start(ctx, "cliexec.Execute", trace.WithAttributes(
		attribute.String("correlation_id", correlationID),
		attribute.String("working_dir", req.WorkingDir),
	))
	defer span.End()

	p.mu.Lock()
	p.pending[correlationID] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, correlationID)
		p.mu.Unlock()
	}()

	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}

	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if model != "" {
		args = append(args, "--model", model)
	}
	if p.cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(p.cfg.MaxTurns))
	}
	if p.cfg.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", fmt.Sprintf("%.2f", p.cfg.MaxBudgetUSD))
	}
	if req.ContinuationHandle != nil && !req.ForceNew {
		args = append(args, "--resume", *req.ContinuationHandle)
	}
	args = append(args, "--", req.Prompt)

	runCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, p.cfg.BinaryPath, args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = buildEnv(p.cfg.Env, p.cfg.APIKey)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &llmprovider.Response{IsError: true, ErrorMessage: fmt.Sprintf("open stdout pipe: %v", err)}, nil
	}
	var stderrTail strings.Builder
	cmd.Stderr = boundedWriter{buf: &stderrTail, limit: 4096}

	if err := cmd.Start(); err != nil {
		return &llmprovider.Response{IsError: true, ErrorMessage: fmt.Sprintf("start %s: %v", p.cfg.BinaryPath, err)}, nil
	}

	started := time.Now()
	result := &llmprovider.Response{}
	turns := 0

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		msg, err := parseStreamMessage(line)
		if err != nil {
			continue
		}
		if msg.Type == "tool_use" && req.OnStream != nil {
			turns++
			event := llmprovider.StreamEvent{
				CostDelta: msg.costDelta(),
				Output:    truncate(msg.Snippet, 200),
				ToolName:  msg.ToolName,
			}
			if err := req.OnStream(runCtx, event); err != nil {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return nil, err
			}
		}
		if msg.Type == "result" {
			result.Content = msg.Text
			result.Cost = msg.costDelta()
			if msg.SessionID != "" {
				handle := msg.SessionID
				result.ContinuationHandle = &handle
			}
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()
	result.DurationMS = time.Since(started).Milliseconds()
	result.Turns = turns

	if scanErr != nil {
		result.IsError = true
		result.ErrorMessage = fmt.Sprintf("reading agent output: %v", scanErr)
		return result, nil
	}
	if waitErr != nil {
		if errors.Is(runCtx.Err(), context.Canceled) {
			return result, runCtx.Err()
		}
		result.IsError = true
		result.ErrorMessage = formatProcessError(waitErr, stderrTail.String())
		return result, nil
	}
	return result, nil
}

func (p *Provider) Healthcheck(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, p.cfg.BinaryPath, "--version")
	return cmd.Run() == nil
}

func buildEnv(extra map[string]string, apiKey string) []string {
	env := make([]string, 0, len(extra)+1)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	if apiKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+apiKey)
	}
	return env
}

// truncate caps s at limit runes (not bytes), so a multi-byte codepoint
// straddling the cutoff is never split into an invalid tail.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

type boundedWriter struct {
	buf   *strings.Builder
	limit int
}

func (w boundedWriter) Write(p []byte) (int, error) {
	if w.buf.Len() < w.limit {
		w.buf.Write(p)
	}
	return len(p), nil
}

type exitCoder interface {
	ExitCode() int
}

func formatProcessError(err error, stderrTail string) string {
	msg := fmt.Sprintf("agent exited: %v", err)
	var exitErr exitCoder
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			msg = fmt.Sprintf("%s (exit=%d)", msg, code)
		}
	}
	var procErr *exec.ExitError
	if errors.As(err, &procErr) {
		if status, ok := procErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			msg = fmt.Sprintf("%s (signal=%s)", msg, status.Signal())
		}
	}
	tail := strings.TrimSpace(stderrTail)
	if tail != "" {
		msg = fmt.Sprintf("%s | stderr: %s", msg, strings.Join(strings.Fields(tail), " "))
	}
	return msg
}

// streamMessage is the narrow subset of the agent binary's stream-json
// line shape this provider cares about.
type streamMessage struct {
	Type      string  `json:"type"`
	Text      string  `json:"text"`
	Snippet   string  `json:"snippet"`
	ToolName  string  `json:"tool_name"`
	SessionID string  `json:"session_id"`
	CostUSD   float64 `json:"cost_usd"`
}

func (m streamMessage) costDelta() float64 { return m.CostUSD }

func parseStreamMessage(line []byte) (streamMessage, error) {
	var msg streamMessage
	if len(line) == 0 {
		return msg, fmt.Errorf("empty line")
	}
	err := json.Unmarshal(line, &msg)
	return msg, err
}
