package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

func runStub(t *testing.T, in string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(strings.NewReader(in), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_CompilesDeterministically(t *testing.T) {
	t.Parallel()

	in := `{"version":"compiler.request.v1","code":"#[ink::contract] mod my_psp22 {}","features":["psp22"]}`
	code, out1, stderr := runStub(t, in)
	if code != 0 {
		t.Fatalf("exit %d stderr %q", code, stderr)
	}
	_, out2, _ := runStub(t, in)
	if out1 != out2 {
		t.Fatalf("output is not deterministic")
	}

	var resp response
	if err := json.Unmarshal([]byte(out1), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Version != responseVersion || resp.Error != "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	wasm, err := hexutil.Decode(resp.Wasm)
	if err != nil {
		t.Fatalf("decode wasm: %v", err)
	}
	if !bytes.HasPrefix(wasm, wasmHeader) || len(wasm) != len(wasmHeader)+32 {
		t.Fatalf("unexpected wasm %x", wasm)
	}

	var meta struct {
		Contract struct {
			Name string `json:"name"`
		} `json:"contract"`
		Features []string `json:"features"`
	}
	if err := json.Unmarshal(resp.Metadata, &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.Contract.Name != "my_psp22" || len(meta.Features) != 1 || meta.Features[0] != "psp22" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestRun_RejectMarker(t *testing.T) {
	t.Parallel()

	code, out, _ := runStub(t, `{"version":"compiler.request.v1","code":"compile_error!(\"nope\")","features":["psp22"]}`)
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	var resp response
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(resp.Error, rejectMarker) || resp.Wasm != "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRun_Failures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want int
	}{
		{"crash marker", `{"version":"compiler.request.v1","code":"__stub_crash__","features":[]}`, 101},
		{"bad json", `{`, 1},
		{"wrong version", `{"version":"compiler.request.v0","code":"x"}`, 1},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, out, stderr := runStub(t, tc.in)
			if code != tc.want {
				t.Fatalf("exit %d want %d", code, tc.want)
			}
			if out != "" || stderr == "" {
				t.Fatalf("stdout %q stderr %q", out, stderr)
			}
		})
	}
}
