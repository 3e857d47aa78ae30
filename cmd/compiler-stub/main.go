// compiler-stub is a deterministic stand-in for the contract compiler. It
// speaks the compiler.request.v1 / compiler.response.v1 exec protocol so the
// server can be run end to end without a Rust toolchain.
//
// Sources containing rejectMarker produce an error envelope. Sources
// containing crashMarker exit non-zero with a message on stderr.
package main

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	requestVersion  = "compiler.request.v1"
	responseVersion = "compiler.response.v1"

	rejectMarker = "compile_error!"
	crashMarker  = "__stub_crash__"

	maxRequestBytes = 1 << 20
)

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

var modName = regexp.MustCompile(`(?m)\bmod\s+([A-Za-z_][A-Za-z0-9_]*)`)

type request struct {
	Version  string   `json:"version"`
	Code     string   `json:"code"`
	Features []string `json:"features"`
}

type response struct {
	Version  string          `json:"version"`
	Wasm     string          `json:"wasm,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func main() {
	os.Exit(run(os.Stdin, os.Stdout, os.Stderr))
}

func run(stdin io.Reader, stdout, stderr io.Writer) int {
	raw, err := io.ReadAll(io.LimitReader(stdin, maxRequestBytes+1))
	if err != nil {
		fmt.Fprintf(stderr, "read request: %v\n", err)
		return 1
	}
	if len(raw) > maxRequestBytes {
		fmt.Fprintln(stderr, "request too large")
		return 1
	}
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		fmt.Fprintf(stderr, "decode request: %v\n", err)
		return 1
	}
	if req.Version != requestVersion {
		fmt.Fprintf(stderr, "unsupported request version %q\n", req.Version)
		return 1
	}
	if strings.Contains(req.Code, crashMarker) {
		fmt.Fprintln(stderr, "error: could not compile `contract` due to previous error")
		return 101
	}

	resp, err := compile(req)
	if err != nil {
		fmt.Fprintf(stderr, "compile: %v\n", err)
		return 1
	}
	if err := json.NewEncoder(stdout).Encode(resp); err != nil {
		fmt.Fprintf(stderr, "write response: %v\n", err)
		return 1
	}
	return 0
}

func compile(req request) (response, error) {
	if strings.Contains(req.Code, rejectMarker) {
		return response{
			Version: responseVersion,
			Error:   "error: " + rejectMarker + " invoked in contract source",
		}, nil
	}

	sum := sha256.Sum256([]byte(req.Code))
	wasm := append(append([]byte{}, wasmHeader...), sum[:]...)

	name := "contract"
	if m := modName.FindStringSubmatch(req.Code); m != nil {
		name = m[1]
	}
	features := req.Features
	if features == nil {
		features = []string{}
	}
	metadata, err := json.Marshal(map[string]any{
		"source": map[string]any{
			"hash":     hexutil.Encode(sum[:]),
			"language": "ink! 4.2.1",
			"compiler": "compiler-stub",
		},
		"contract": map[string]any{
			"name":    name,
			"version": "0.1.0",
		},
		"features": features,
	})
	if err != nil {
		return response{}, err
	}
	return response{
		Version:  responseVersion,
		Wasm:     hexutil.Encode(wasm),
		Metadata: metadata,
	}, nil
}
