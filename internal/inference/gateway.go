package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/me/re3/internal/logging"
)

// GatewayConfig locates the gateway script.
type GatewayConfig struct {
	Script  string // path to the gateway script
	Shell   string // interpreter, default "bash"
	TempDir string // scratch directory for prompt/response files, default os.TempDir()
}

// GatewayBackend runs one gateway script process per request. The prompt is
// handed over in a temp file and the script's stdout is captured in a second
// temp file; both belong to the Operation and are removed on Release.
type GatewayBackend struct {
	cfg    GatewayConfig
	logger *slog.Logger
}

// NewGatewayBackend creates a GatewayBackend.
func NewGatewayBackend(cfg GatewayConfig, logger *slog.Logger) *GatewayBackend {
	if cfg.Shell == "" {
		cfg.Shell = "bash"
	}
	return &GatewayBackend{cfg: cfg, logger: logging.Component(logger, "gateway")}
}

// Name returns "gateway".
func (g *GatewayBackend) Name() string { return "gateway" }

// Dispatch writes the prompt file and starts the gateway process.
func (g *GatewayBackend) Dispatch(ctx context.Context, req Request) (Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	promptPath, err := writeTemp(g.cfg.TempDir, "re3-prompt-*.txt", req.Prompt)
	if err != nil {
		return nil, fmt.Errorf("write prompt file: %w", err)
	}
	respFile, err := os.CreateTemp(g.cfg.TempDir, "re3-response-*.json")
	if err != nil {
		os.Remove(promptPath)
		return nil, fmt.Errorf("create response file: %w", err)
	}
	respPath := respFile.Name()
	cleanup := func() error {
		return errors.Join(removeIfExists(promptPath), removeIfExists(respPath))
	}

	args := []string{g.cfg.Script, "request", "text",
		"--prompt-file", promptPath,
		"--temperature", strconv.FormatFloat(float64(req.Temperature), 'f', -1, 32),
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}

	runCtx, cancel := detach(ctx, req.Timeout)
	cmd := exec.CommandContext(runCtx, g.cfg.Shell, args...)
	var stderr bytes.Buffer
	cmd.Stdout = respFile
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		respFile.Close()
		cleanup()
		return nil, fmt.Errorf("start gateway: %w", err)
	}
	g.logger.Debug("gateway started", "pid", cmd.Process.Pid, "prompt_file", promptPath)

	op := newAsyncOp(cleanup)
	go func() {
		defer cancel()
		waitErr := cmd.Wait()
		respFile.Close()
		resp := readGatewayResponse(respPath, waitErr, stderr.String())
		resp.Latency = time.Since(start)
		op.finish(resp)
	}()
	return op, nil
}

func readGatewayResponse(path string, waitErr error, stderr string) Response {
	data, err := os.ReadFile(path)
	if err != nil {
		// Released before the process exited.
		return Response{Err: fmt.Errorf("read response file: %w", err)}
	}
	text, parseErr := ParseGatewayOutput(string(data))
	if waitErr != nil && (parseErr != nil || text == "") {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = waitErr.Error()
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return Response{Err: fmt.Errorf("gateway exited with code %d: %s", exitErr.ExitCode(), msg)}
		}
		return Response{Err: fmt.Errorf("gateway: %s", msg)}
	}
	if parseErr != nil {
		return Response{Err: parseErr}
	}
	return Response{Text: text}
}

// ParseGatewayOutput interprets gateway stdout: a JSON object carrying
// "error" or an OpenAI-style "choices" list, or plain text. Plain text
// starting with "ERROR:" is an error.
func ParseGatewayOutput(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", ErrEmptyResponse
	}
	var env struct {
		Error   json.RawMessage `json:"error"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if strings.HasPrefix(text, "{") && json.Unmarshal([]byte(text), &env) == nil {
		if len(env.Error) > 0 && string(env.Error) != "null" {
			return "", fmt.Errorf("gateway error: %s", rawErrorText(env.Error))
		}
		if len(env.Choices) > 0 {
			return strings.TrimSpace(env.Choices[0].Message.Content), nil
		}
		return text, nil
	}
	if rest, ok := strings.CutPrefix(text, "ERROR:"); ok {
		return "", fmt.Errorf("gateway error: %s", strings.TrimSpace(rest))
	}
	return text, nil
}

func rawErrorText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

func writeTemp(dir, pattern, content string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
