// Package compilerapi is the HTTP surface of the compiler server.
//
// Every response body is an envelope {"data": ..., "error": ...} where
// exactly one of the two fields is non-null.
package compilerapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/contract-wizard/compiler-server/internal/compilequeue"
	"github.com/contract-wizard/compiler-server/internal/contenthash"
	"github.com/contract-wizard/compiler-server/internal/contract"
	"github.com/contract-wizard/compiler-server/internal/deployment"
	"github.com/contract-wizard/compiler-server/internal/gateway"
	"github.com/contract-wizard/compiler-server/internal/sanity"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const DefaultVersion = "v1.0.0"

const (
	msgNotFound           = "The requested resource could not be found."
	msgUnprocessable      = "The request was well-formed but was unable to be followed due to semantic errors."
	msgContractNotFound   = "Contract not found."
	msgDeploymentNotFound = "Deployment not found."
	msgInvalidJSON        = "Invalid JSON body."
	msgShuttingDown       = "Server is shutting down."
	msgQueueFull          = "Compilation queue is full, try again later."
	msgStillCompiling     = "Compilation is still in progress, try again later."
	msgInternal           = "Internal server error."
	msgRateLimited        = "Too many requests."
)

var ErrInvalidConfig = errors.New("compilerapi: invalid config")

type Config struct {
	Version     string
	AllowOrigin string

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	MaxBodyBytes int64

	// CompileWaitTimeout bounds how long POST /contract waits for a queued
	// compilation. It must stay below the server's write deadline. Zero
	// means the request context is the only bound.
	CompileWaitTimeout time.Duration

	Now func() time.Time
}

// Compiler is the compilation entry point, implemented by *gateway.Gateway.
type Compiler interface {
	FetchOrCompile(ctx context.Context, req gateway.Request) (contract.Contract, error)
	GetContract(ctx context.Context, codeID contenthash.ID) (contract.Contract, error)
	Stats() compilequeue.Stats
	Accepting() bool
}

func NewHandler(cfg Config, compiler Compiler, deployments deployment.Store, log *slog.Logger) (http.Handler, error) {
	if compiler == nil || deployments == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = DefaultVersion
	}
	if strings.TrimSpace(cfg.AllowOrigin) == "" {
		cfg.AllowOrigin = "*"
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 256 << 10
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &handler{
		cfg:         cfg,
		compiler:    compiler,
		deployments: deployments,
		log:         log,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(h.cors)

	r.Get("/healthz", h.handleHealthz)
	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)

		r.Get("/version", h.handleVersion)
		r.Post("/contract", h.handleCompile)
		r.Get("/contract", h.handleGetContract)
		r.Post("/deployments", h.handleStoreDeployment)
		r.Get("/deployments", h.handleListDeployments)
		r.Get("/deployment", h.handleGetDeployment)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, msgNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, msgNotFound)
	})
	return r, nil
}

type handler struct {
	cfg Config

	compiler    Compiler
	deployments deployment.Store
	log         *slog.Logger
	limiter     *ipRateLimiter
}

type envelope struct {
	Data  any     `json:"data"`
	Error *string `json:"error"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Pending  int    `json:"pending"`
	InFlight int    `json:"in_flight"`
	Waiters  int    `json:"waiters"`
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	st := h.compiler.Stats()
	status := "ok"
	if !h.compiler.Accepting() {
		status = "draining"
	}
	writeData(w, http.StatusOK, healthResponse{
		Status:   status,
		Pending:  st.Pending,
		InFlight: st.InFlight,
		Waiters:  st.Waiters,
	})
}

func (h *handler) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, h.cfg.Version)
}

type compileRequestBody struct {
	Address  string   `json:"address"`
	Code     string   `json:"code"`
	Features []string `json:"features"`
}

// contractResponse never includes the wasm bytes.
type contractResponse struct {
	CodeID    string          `json:"code_id"`
	Metadata  json.RawMessage `json:"metadata"`
	Features  []string        `json:"features"`
	CreatedAt time.Time       `json:"created_at"`
}

func toContractResponse(c contract.Contract) contractResponse {
	features := c.Features
	if features == nil {
		features = []string{}
	}
	return contractResponse{
		CodeID:    c.CodeID.String(),
		Metadata:  c.Metadata,
		Features:  features,
		CreatedAt: c.CreatedAt.UTC(),
	}
}

func (h *handler) handleCompile(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[compileRequestBody](w, r, h.cfg.MaxBodyBytes)
	if !ok {
		return
	}
	if err := sanity.CheckCompileRequest(body.Code, body.Address, body.Features); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if h.cfg.CompileWaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.CompileWaitTimeout)
		defer cancel()
	}
	c, err := h.compiler.FetchOrCompile(ctx, gateway.Request{
		Code:     body.Code,
		Address:  body.Address,
		Features: body.Features,
	})
	if err != nil {
		h.writeCompileError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, toContractResponse(c))
}

func (h *handler) writeCompileError(w http.ResponseWriter, r *http.Request, err error) {
	var failed *gateway.CompilationFailedError
	switch {
	case errors.As(err, &failed):
		writeError(w, http.StatusInternalServerError, failed.Reason)
	case errors.Is(err, compilequeue.ErrShuttingDown):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, msgShuttingDown)
	case errors.Is(err, compilequeue.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, msgQueueFull)
	case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
		// The job keeps its place in the queue; a retry after it finishes
		// is served from the store.
		h.log.Info("compile wait timed out", "request_id", middleware.GetReqID(r.Context()), "wait", h.cfg.CompileWaitTimeout)
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, msgStillCompiling)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.log.Info("compile request abandoned", "request_id", middleware.GetReqID(r.Context()), "err", err)
		writeError(w, http.StatusServiceUnavailable, "Request cancelled before compilation finished.")
	default:
		h.log.Error("compile request", "request_id", middleware.GetReqID(r.Context()), "err", err)
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}

func (h *handler) handleGetContract(w http.ResponseWriter, r *http.Request) {
	raw, ok := requiredQuery(r, "code_id")
	if !ok {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	id, err := contenthash.Parse(raw)
	if err != nil {
		writeError(w, http.StatusNotFound, msgContractNotFound)
		return
	}

	c, err := h.compiler.GetContract(r.Context(), id)
	switch {
	case err == nil:
		writeData(w, http.StatusOK, toContractResponse(c))
	case errors.Is(err, gateway.ErrNotFound):
		writeError(w, http.StatusNotFound, msgContractNotFound)
	default:
		h.log.Error("get contract", "code_id", id.String(), "err", err)
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}

type deploymentBody struct {
	ContractName    string `json:"contract_name"`
	ContractAddress string `json:"contract_address"`
	Network         string `json:"network"`
	CodeID          string `json:"code_id"`
	UserAddress     string `json:"user_address"`
	TxHash          string `json:"tx_hash"`
	Date            string `json:"date"`
	ContractType    string `json:"contract_type"`
	ExternalABI     string `json:"external_abi"`
	Hidden          bool   `json:"hidden"`
}

type deploymentResponse struct {
	ID string `json:"id"`
	deploymentBody
	CreatedAt time.Time `json:"created_at"`
}

func toDeploymentResponse(d deployment.Deployment) deploymentResponse {
	return deploymentResponse{
		ID: d.ID.String(),
		deploymentBody: deploymentBody{
			ContractName:    d.ContractName,
			ContractAddress: d.ContractAddress,
			Network:         d.Network,
			CodeID:          d.CodeID,
			UserAddress:     d.UserAddress,
			TxHash:          d.TxHash,
			Date:            d.Date,
			ContractType:    d.ContractType,
			ExternalABI:     d.ExternalABI,
			Hidden:          d.Hidden,
		},
		CreatedAt: d.CreatedAt.UTC(),
	}
}

func (h *handler) handleStoreDeployment(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[deploymentBody](w, r, h.cfg.MaxBodyBytes)
	if !ok {
		return
	}
	d := deployment.Deployment{
		ContractName:    strings.TrimSpace(body.ContractName),
		ContractAddress: strings.TrimSpace(body.ContractAddress),
		Network:         strings.TrimSpace(body.Network),
		CodeID:          strings.TrimSpace(body.CodeID),
		UserAddress:     strings.TrimSpace(body.UserAddress),
		TxHash:          strings.TrimSpace(body.TxHash),
		Date:            body.Date,
		ContractType:    body.ContractType,
		ExternalABI:     body.ExternalABI,
		Hidden:          body.Hidden,
	}
	if err := sanity.CheckDeployment(d); err != nil {
		if errors.Is(err, sanity.ErrMissingField) {
			writeError(w, http.StatusUnprocessableEntity, msgUnprocessable)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored, err := h.deployments.Insert(r.Context(), d)
	if err != nil {
		h.log.Error("store deployment", "contract_address", d.ContractAddress, "network", d.Network, "err", err)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	writeData(w, http.StatusOK, stored.ID.String())
}

func (h *handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	user, ok := requiredQuery(r, "user_address")
	if !ok {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	q := r.URL.Query()
	list, err := h.deployments.List(r.Context(), deployment.Filter{
		UserAddress:     strings.TrimSpace(user),
		Network:         strings.TrimSpace(q.Get("network")),
		ContractAddress: strings.TrimSpace(q.Get("contract_address")),
	})
	if err != nil {
		h.log.Error("list deployments", "user_address", user, "err", err)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	out := make([]deploymentResponse, 0, len(list))
	for _, d := range list {
		out = append(out, toDeploymentResponse(d))
	}
	writeData(w, http.StatusOK, out)
}

func (h *handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	raw, ok := requiredQuery(r, "id")
	if !ok {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		writeError(w, http.StatusNotFound, msgDeploymentNotFound)
		return
	}
	d, err := h.deployments.Get(r.Context(), id)
	switch {
	case err == nil:
		writeData(w, http.StatusOK, toDeploymentResponse(d))
	case errors.Is(err, deployment.ErrNotFound):
		writeError(w, http.StatusNotFound, msgDeploymentNotFound)
	default:
		h.log.Error("get deployment", "id", id.String(), "err", err)
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}

// requiredQuery reports whether key is present in the query string. A
// present but empty value counts as present.
func requiredQuery(r *http.Request, key string) (string, bool) {
	values, ok := r.URL.Query()[key]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, envelope{Data: data})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, envelope{Error: &msg})
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request, maxBytes int64) (T, bool) {
	var out T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	if err := dec.Decode(&out); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body exceeds "+strconv.FormatInt(maxBytes, 10)+" bytes.")
			return out, false
		}
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return out, false
	}
	return out, true
}
