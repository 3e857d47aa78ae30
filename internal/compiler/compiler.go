package compiler

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const (
	requestVersion  = "compiler.request.v1"
	responseVersion = "compiler.response.v1"
)

var (
	ErrInvalidConfig = errors.New("compiler: invalid config")
	ErrRejected      = errors.New("compiler: rejected")
)

// Artifact is the output of one successful compilation.
type Artifact struct {
	Wasm     []byte
	Metadata json.RawMessage
}

// Compiler turns contract source into an artifact. Implementations are not
// assumed to be safe for concurrent use.
type Compiler interface {
	Compile(ctx context.Context, source string, features []string) (Artifact, error)
}

// RejectedError reports that the compiler refused the source. Reason is the
// compiler's own message and is shown to the submitter.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "compiler: rejected: " + e.Reason
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

type execCommandFn func(ctx context.Context, bin string, args []string, dir string, stdin []byte) ([]byte, []byte, error)

type ExecConfig struct {
	Binary string
	Args   []string
	// WorkDir is the directory the binary runs in. Empty means the current one.
	WorkDir string

	MaxResponseBytes int
}

// ExecClient runs an external compiler binary once per call, writing a JSON
// request to its stdin and reading a JSON response from its stdout.
type ExecClient struct {
	cfg ExecConfig

	execCommand execCommandFn
}

func NewExecClient(cfg ExecConfig) (*ExecClient, error) {
	cfg.Binary = strings.TrimSpace(cfg.Binary)
	if cfg.Binary == "" {
		return nil, fmt.Errorf("%w: missing compiler binary", ErrInvalidConfig)
	}
	if cfg.MaxResponseBytes <= 0 {
		return nil, fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
	}
	cfg.Args = append([]string(nil), cfg.Args...)
	return &ExecClient{
		cfg:         cfg,
		execCommand: runExecCommand,
	}, nil
}

func (c *ExecClient) Compile(ctx context.Context, source string, features []string) (Artifact, error) {
	if c == nil || c.execCommand == nil {
		return Artifact{}, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}

	reqBody, err := json.Marshal(struct {
		Version  string   `json:"version"`
		Code     string   `json:"code"`
		Features []string `json:"features"`
	}{
		Version:  requestVersion,
		Code:     source,
		Features: append([]string{}, features...),
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("compiler: marshal request: %w", err)
	}

	stdout, stderr, err := c.execCommand(ctx, c.cfg.Binary, c.cfg.Args, c.cfg.WorkDir, reqBody)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Artifact{}, fmt.Errorf("compiler: execute: %w", ctxErr)
		}
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = strings.TrimSpace(string(stdout))
		}
		if msg == "" {
			return Artifact{}, fmt.Errorf("compiler: execute: %w", err)
		}
		return Artifact{}, &RejectedError{Reason: msg}
	}
	if len(stdout) > c.cfg.MaxResponseBytes {
		return Artifact{}, fmt.Errorf("compiler: response too large (%d > %d bytes)", len(stdout), c.cfg.MaxResponseBytes)
	}

	var resp struct {
		Version  string          `json:"version"`
		Wasm     string          `json:"wasm"`
		Metadata json.RawMessage `json:"metadata"`
		Error    string          `json:"error"`
	}
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return Artifact{}, fmt.Errorf("compiler: decode response: %w", err)
	}
	if resp.Version != responseVersion {
		return Artifact{}, fmt.Errorf("compiler: unexpected response version %q", resp.Version)
	}
	if reason := strings.TrimSpace(resp.Error); reason != "" {
		return Artifact{}, &RejectedError{Reason: reason}
	}
	wasm, err := decodeHexBytes(resp.Wasm)
	if err != nil {
		return Artifact{}, fmt.Errorf("compiler: decode wasm: %w", err)
	}
	if len(resp.Metadata) == 0 || string(resp.Metadata) == "null" {
		return Artifact{}, errors.New("compiler: empty metadata")
	}
	if !json.Valid(resp.Metadata) {
		return Artifact{}, errors.New("compiler: metadata is not valid json")
	}
	return Artifact{
		Wasm:     wasm,
		Metadata: append(json.RawMessage(nil), resp.Metadata...),
	}, nil
}

func runExecCommand(ctx context.Context, bin string, args []string, dir string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func decodeHexBytes(s string) ([]byte, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "0x"))
	if s == "" {
		return nil, fmt.Errorf("empty hex")
	}
	return hex.DecodeString(s)
}
