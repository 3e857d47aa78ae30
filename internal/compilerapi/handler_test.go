package compilerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/contract-wizard/compiler-server/internal/compilequeue"
	"github.com/contract-wizard/compiler-server/internal/contenthash"
	"github.com/contract-wizard/compiler-server/internal/contract"
	"github.com/contract-wizard/compiler-server/internal/deployment"
	"github.com/contract-wizard/compiler-server/internal/gateway"
)

const alice = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"

type stubCompiler struct {
	calls     atomic.Int64
	err       error
	contracts map[contenthash.ID]contract.Contract
	accepting bool
	// queued makes FetchOrCompile block like a caller stuck behind other jobs.
	queued bool
}

func newStubCompiler() *stubCompiler {
	return &stubCompiler{contracts: make(map[contenthash.ID]contract.Contract), accepting: true}
}

func (s *stubCompiler) FetchOrCompile(ctx context.Context, req gateway.Request) (contract.Contract, error) {
	s.calls.Add(1)
	if s.queued {
		<-ctx.Done()
		return contract.Contract{}, ctx.Err()
	}
	if s.err != nil {
		return contract.Contract{}, s.err
	}
	c := contract.Contract{
		CodeID:    contenthash.OfString(req.Code),
		Wasm:      []byte("\x00asm"),
		Metadata:  json.RawMessage(`{"contract":{"name":"my_psp22"}}`),
		Features:  req.Features,
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	s.contracts[c.CodeID] = c
	return c, nil
}

func (s *stubCompiler) GetContract(_ context.Context, id contenthash.ID) (contract.Contract, error) {
	if s.err != nil {
		return contract.Contract{}, s.err
	}
	c, ok := s.contracts[id]
	if !ok {
		return contract.Contract{}, gateway.ErrNotFound
	}
	return c, nil
}

func (s *stubCompiler) Stats() compilequeue.Stats {
	return compilequeue.Stats{Pending: 2, InFlight: 3, Waiters: 7}
}

func (s *stubCompiler) Accepting() bool { return s.accepting }

type decoded struct {
	Data  json.RawMessage `json:"data"`
	Error *string         `json:"error"`
}

func newTestHandler(t *testing.T, cfg Config, c Compiler, d deployment.Store) http.Handler {
	t.Helper()
	if d == nil {
		d = deployment.NewMemoryStore(nil)
	}
	h, err := NewHandler(cfg, c, d, nil)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, decoded) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out decoded
	if rec.Code != http.StatusNoContent {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode body %q: %v", method, target, rec.Body.String(), err)
		}
	}
	return rec, out
}

func compileBody(code string, features ...string) string {
	b, _ := json.Marshal(map[string]any{"address": alice, "code": code, "features": features})
	return string(b)
}

func TestNewHandler_RequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := NewHandler(Config{}, nil, deployment.NewMemoryStore(nil), nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewHandler(Config{}, newStubCompiler(), nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestHandler_Version(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, Config{}, newStubCompiler(), nil)
	rec, out := do(t, h, http.MethodGet, "/version", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"data":"v1.0.0","error":null}` {
		t.Fatalf("body: %s", got)
	}
	if out.Error != nil {
		t.Fatalf("unexpected error %q", *out.Error)
	}
}

func TestHandler_Healthz(t *testing.T) {
	t.Parallel()

	c := newStubCompiler()
	c.accepting = false
	h := newTestHandler(t, Config{}, c, nil)
	rec, out := do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var hr healthResponse
	if err := json.Unmarshal(out.Data, &hr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hr.Status != "draining" || hr.Pending != 2 || hr.InFlight != 3 || hr.Waiters != 7 {
		t.Fatalf("unexpected health: %+v", hr)
	}
}

func TestHandler_CompileReturnsContractWithoutWasm(t *testing.T) {
	t.Parallel()

	c := newStubCompiler()
	h := newTestHandler(t, Config{}, c, nil)
	rec, out := do(t, h, http.MethodPost, "/contract", compileBody("#[ink::contract] mod x {}", "psp22", "ownable"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body %s", rec.Code, rec.Body.String())
	}
	if out.Error != nil {
		t.Fatalf("unexpected error %q", *out.Error)
	}
	var data map[string]any
	if err := json.Unmarshal(out.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := data["wasm"]; ok {
		t.Fatalf("wasm must not be returned")
	}
	want := contenthash.OfString("#[ink::contract] mod x {}").String()
	if data["code_id"] != want {
		t.Fatalf("code_id: got %v want %s", data["code_id"], want)
	}
	if _, ok := data["metadata"].(map[string]any); !ok {
		t.Fatalf("metadata should be a json object, got %T", data["metadata"])
	}

	rec, out = do(t, h, http.MethodGet, "/contract?code_id="+want, "")
	if rec.Code != http.StatusOK || out.Error != nil {
		t.Fatalf("get contract: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_CompileValidation(t *testing.T) {
	t.Parallel()

	c := newStubCompiler()
	h := newTestHandler(t, Config{}, c, nil)
	cases := []struct {
		name string
		body string
		want string
	}{
		{"too big", compileBody(strings.Repeat("a", 50000), "psp22"), "Code size too big."},
		{"bad address", `{"address":"nope","code":"x","features":["psp22"]}`, "Address is not valid: "},
		{"no features", compileBody("x"), "Features must not be empty."},
		{"unknown feature", compileBody("x", "psp22", "burnable"), "Feature not allowed"},
		{"two standards", compileBody("x", "psp22", "psp34"), "Feature contains ambiguous contract standard"},
		{"no standard", compileBody("x", "ownable"), "Features must contain at least one contract standard"},
	}
	for _, tc := range cases {
		rec, out := do(t, h, http.MethodPost, "/contract", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status %d", tc.name, rec.Code)
		}
		if out.Error == nil || !strings.HasPrefix(*out.Error, tc.want) {
			t.Fatalf("%s: error %v want prefix %q", tc.name, out.Error, tc.want)
		}
		if string(out.Data) != "null" {
			t.Fatalf("%s: data should be null, got %s", tc.name, out.Data)
		}
	}
	if n := c.calls.Load(); n != 0 {
		t.Fatalf("invalid requests must not reach the compiler, got %d calls", n)
	}

	rec, out := do(t, h, http.MethodPost, "/contract", `{"address":`)
	if rec.Code != http.StatusBadRequest || out.Error == nil || *out.Error != msgInvalidJSON {
		t.Fatalf("invalid json: status %d error %v", rec.Code, out.Error)
	}
}

func TestHandler_CompileErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "compilation failed",
			err:        &gateway.CompilationFailedError{Reason: "error[E0432]: unresolved import `openbrush`"},
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "error[E0432]: unresolved import `openbrush`",
		},
		{"shutting down", compilequeue.ErrShuttingDown, http.StatusServiceUnavailable, msgShuttingDown},
		{"queue full", fmt.Errorf("%w: 8 jobs pending", compilequeue.ErrQueueFull), http.StatusServiceUnavailable, msgQueueFull},
		{"store", fmt.Errorf("%w: boom", gateway.ErrStoreUnavailable), http.StatusInternalServerError, msgInternal},
	}
	for _, tc := range cases {
		c := newStubCompiler()
		c.err = tc.err
		h := newTestHandler(t, Config{}, c, nil)
		rec, out := do(t, h, http.MethodPost, "/contract", compileBody("x", "psp22"))
		if rec.Code != tc.wantStatus {
			t.Fatalf("%s: status %d want %d", tc.name, rec.Code, tc.wantStatus)
		}
		if out.Error == nil || *out.Error != tc.wantMsg {
			t.Fatalf("%s: error %v want %q", tc.name, out.Error, tc.wantMsg)
		}
	}
}

func TestHandler_CompileWaitTimeout(t *testing.T) {
	t.Parallel()

	c := newStubCompiler()
	c.queued = true
	h := newTestHandler(t, Config{CompileWaitTimeout: 20 * time.Millisecond}, c, nil)

	start := time.Now()
	rec, out := do(t, h, http.MethodPost, "/contract", compileBody("queued behind others", "psp22"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: %d body %s", rec.Code, rec.Body.String())
	}
	if out.Error == nil || *out.Error != msgStillCompiling {
		t.Fatalf("error: %v", out.Error)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("wait was not bounded: %v", elapsed)
	}
}

func TestHandler_CompileClientGoneIsNotStillCompiling(t *testing.T) {
	t.Parallel()

	c := newStubCompiler()
	c.queued = true
	h := newTestHandler(t, Config{CompileWaitTimeout: time.Minute}, c, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/contract", strings.NewReader(compileBody("abandoned", "psp22"))).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable || strings.Contains(rec.Body.String(), msgStillCompiling) {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_GetContractNotFound(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, Config{}, newStubCompiler(), nil)
	for _, target := range []string{
		"/contract?code_id=" + contenthash.OfString("missing").String(),
		"/contract?code_id=not-a-hash",
	} {
		rec, out := do(t, h, http.MethodGet, target, "")
		if rec.Code != http.StatusNotFound || out.Error == nil || *out.Error != msgContractNotFound {
			t.Fatalf("%s: status %d error %v", target, rec.Code, out.Error)
		}
	}
	rec, out := do(t, h, http.MethodGet, "/contract", "")
	if rec.Code != http.StatusNotFound || out.Error == nil || *out.Error != msgNotFound {
		t.Fatalf("missing param: status %d error %v", rec.Code, out.Error)
	}
}

func TestHandler_Deployments(t *testing.T) {
	t.Parallel()

	store := deployment.NewMemoryStore(nil)
	h := newTestHandler(t, Config{}, newStubCompiler(), store)

	missing := []string{
		`{ }`,
		`{ "contract_address": "some_address" }`,
		`{ "contract_address": "some_address", "network": "some_network" }`,
		`{ "contract_address": "some_address", "network": "some_network", "code_id": "some_id" }`,
	}
	for _, body := range missing {
		rec, out := do(t, h, http.MethodPost, "/deployments", body)
		if rec.Code != http.StatusUnprocessableEntity || out.Error == nil || *out.Error != msgUnprocessable {
			t.Fatalf("%s: status %d error %v", body, rec.Code, out.Error)
		}
	}

	invalid := []string{
		`{ "contract_address": "some_address", "network": "some_network", "code_id": "some_id", "user_address": "some_user_address" }`,
		`{ "contract_address": "some_address", "network": "some_network", "code_id": "some_id", "user_address": "` + alice + `", "contract_type": "psp22" }`,
	}
	for _, body := range invalid {
		rec, out := do(t, h, http.MethodPost, "/deployments", body)
		if rec.Code != http.StatusBadRequest || out.Error == nil || !strings.Contains(*out.Error, "Invalid address length") {
			t.Fatalf("%s: status %d error %v", body, rec.Code, out.Error)
		}
	}

	rec, out := do(t, h, http.MethodPost, "/deployments",
		`{ "contract_address": "`+alice+`", "network": "shibuya", "code_id": "some_id", "user_address": "`+alice+`", "contract_name": "Token" }`)
	if rec.Code != http.StatusOK {
		t.Fatalf("store: status %d body %s", rec.Code, rec.Body.String())
	}
	var id string
	if err := json.Unmarshal(out.Data, &id); err != nil || id == "" {
		t.Fatalf("store: id %q err %v", id, err)
	}

	rec, out = do(t, h, http.MethodGet, "/deployment?id="+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(out.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["id"] != id || got["contract_name"] != "Token" || got["network"] != "shibuya" {
		t.Fatalf("unexpected deployment: %v", got)
	}

	rec, out = do(t, h, http.MethodGet, "/deployments?user_address="+alice+"&network=shibuya", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	var list []map[string]any
	if err := json.Unmarshal(out.Data, &list); err != nil || len(list) != 1 {
		t.Fatalf("list: %v err %v", list, err)
	}

	for _, target := range []string{"/deployments?user_address=", "/deployments?user_address=&network="} {
		rec, _ := do(t, h, http.MethodGet, target, "")
		if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"data":[],"error":null}` {
			t.Fatalf("%s: status %d body %s", target, rec.Code, rec.Body.String())
		}
	}
	for _, target := range []string{"/deployments", "/deployments?network="} {
		rec, out := do(t, h, http.MethodGet, target, "")
		if rec.Code != http.StatusNotFound || out.Error == nil || *out.Error != msgNotFound {
			t.Fatalf("%s: status %d error %v", target, rec.Code, out.Error)
		}
	}

	rec, out = do(t, h, http.MethodGet, "/deployment?id=00000000-0000-0000-0000-000000000001", "")
	if rec.Code != http.StatusNotFound || out.Error == nil || *out.Error != msgDeploymentNotFound {
		t.Fatalf("missing deployment: status %d error %v", rec.Code, out.Error)
	}
}

func TestHandler_CORS(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, Config{AllowOrigin: "https://wizard.example"}, newStubCompiler(), nil)
	rec, _ := do(t, h, http.MethodOptions, "/contract", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status: %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://wizard.example" {
		t.Fatalf("allow origin: %q", got)
	}
	rec, _ = do(t, h, http.MethodGet, "/version", "")
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "POST, GET, PATCH, OPTIONS" {
		t.Fatalf("allow methods: %q", got)
	}
}

func TestHandler_UnknownRoute(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, Config{}, newStubCompiler(), nil)
	rec, out := do(t, h, http.MethodGet, "/contracts/all", "")
	if rec.Code != http.StatusNotFound || out.Error == nil || *out.Error != msgNotFound {
		t.Fatalf("status %d error %v", rec.Code, out.Error)
	}
}

func TestHandler_RateLimitPerIP(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := newTestHandler(t, Config{
		RateLimitPerIPPerSecond: 1,
		RateLimitBurst:          2,
		Now:                     func() time.Time { return now },
	}, newStubCompiler(), nil)

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/version", nil)
		req.Header.Set("X-Real-IP", ip)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	for i := 0; i < 2; i++ {
		if code := send("203.0.113.7"); code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, code)
		}
	}
	if code := send("203.0.113.7"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := send("198.51.100.1"); code != http.StatusOK {
		t.Fatalf("other ip throttled: %d", code)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Real-IP", "203.0.113.7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz must not be throttled: %d", rec.Code)
	}
}

func TestHandler_BodyTooLarge(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, Config{MaxBodyBytes: 64}, newStubCompiler(), nil)
	req := httptest.NewRequest(http.MethodPost, "/contract", bytes.NewReader([]byte(compileBody(strings.Repeat("x", 200), "psp22"))))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestIPRateLimiter_RefillsAndEvicts(t *testing.T) {
	t.Parallel()

	l := newIPRateLimiter(1, 1, 2)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if !l.Allow("a", now) {
		t.Fatalf("first request must pass")
	}
	if l.Allow("a", now) {
		t.Fatalf("bucket should be empty")
	}
	if !l.Allow("a", now.Add(time.Second)) {
		t.Fatalf("bucket should refill after 1s")
	}

	l.Allow("b", now.Add(2*time.Second))
	l.Allow("c", now.Add(3*time.Second))
	if len(l.states) != 2 {
		t.Fatalf("tracked ips: %d", len(l.states))
	}
	if _, ok := l.states["a"]; ok {
		t.Fatalf("least recently seen ip should be evicted")
	}
}
