package commands

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/modelmux/modelmux/pkg/dispatch"
	"github.com/modelmux/modelmux/pkg/engine"
	"github.com/modelmux/modelmux/pkg/observability/logging"
	"github.com/modelmux/modelmux/pkg/ratelimit"
	"github.com/modelmux/modelmux/pkg/registry"
	"github.com/modelmux/modelmux/pkg/routing"
)

// credentialHeader carries the credential id resolved by the fronting auth
// proxy. Requests without it are treated as anonymous.
const credentialHeader = "X-Credential-Id"

type dispatchRequest struct {
	Model             string             `json:"model"`
	Messages          []dispatch.Message `json:"messages"`
	MaxTokens         int                `json:"max_tokens,omitempty"`
	Temperature       float64            `json:"temperature,omitempty"`
	PreferredProvider string             `json:"preferred_provider,omitempty"`
}

type dispatchResponse struct {
	Provider string             `json:"provider"`
	Model    string             `json:"model"`
	Content  string             `json:"content"`
	Usage    dispatch.Usage     `json:"usage"`
	CostUSD  float64            `json:"cost_usd"`
	Attempts []dispatch.Attempt `json:"attempts"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// serveGateway runs the reference dispatch listener until ctx is done.
func serveGateway(ctx context.Context, addr string, eng *engine.Engine) {
	if addr == "" {
		addr = ":8080"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/dispatch", func(w http.ResponseWriter, r *http.Request) {
		handleDispatch(eng, w, r)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Infof("gateway listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Errorf("gateway error: %v", err)
	}
}

func handleDispatch(eng *engine.Engine, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "POST only"})
		return
	}

	var body dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if body.Model == "" || len(body.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "model and messages are required"})
		return
	}

	credID := r.Header.Get(credentialHeader)
	req := &engine.Request{
		CanonicalModel:    body.Model,
		ClientIP:          clientIP(r),
		CredentialID:      credID,
		IsAnonymous:       credID == "",
		PreferredProvider: body.PreferredProvider,
		EstimatedTokens:   estimateTokens(body),
		Payload: dispatch.Payload{
			Messages:    body.Messages,
			MaxTokens:   body.MaxTokens,
			Temperature: body.Temperature,
		},
	}

	out, err := eng.Handle(r.Context(), req)
	if out != nil && out.Denied() {
		writeRateLimited(w, out.RateLimit)
		return
	}
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	res := out.Result
	writeJSON(w, http.StatusOK, dispatchResponse{
		Provider: res.ProviderUsed,
		Model:    res.ProviderModelID,
		Content:  res.Response.Content,
		Usage:    res.Response.Usage,
		CostUSD:  res.CostUSD,
		Attempts: res.Attempts,
	})
}

func writeRateLimited(w http.ResponseWriter, d ratelimit.Decision) {
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds()+0.5)))
	}
	writeJSON(w, http.StatusTooManyRequests, struct {
		Error string          `json:"error"`
		Layer ratelimit.Layer `json:"layer"`
	}{Error: d.Reason, Layer: d.Layer})
}

func writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrModelNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, routing.ErrNoProvidersAvailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case errors.Is(err, dispatch.ErrAllProvidersExhausted):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	// The fronting proxy sets the real client address.
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// estimateTokens is a coarse pre-dispatch token estimate for TPM budgets; the
// executor reports real usage afterwards.
func estimateTokens(body dispatchRequest) int {
	chars := 0
	for _, m := range body.Messages {
		chars += len(m.Content)
	}
	est := chars / 4
	if body.MaxTokens > 0 {
		est += body.MaxTokens
	}
	return est
}
