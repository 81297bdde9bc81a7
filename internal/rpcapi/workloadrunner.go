package rpcapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

const (
	runnerExecutePath = "/WorkloadRunner/Execute"
	runnerSignalPath  = "/WorkloadRunner/Signal"
)

// WorkloadRunner is the in-guest agent's RPC surface (spec §4.9).
type WorkloadRunner interface {
	Execute(ctx context.Context, req ExecuteRequest, out chan<- ExecuteResponse) error
	Signal(ctx context.Context, req SignalRequest) error
}

// NewWorkloadRunnerHandler adapts svc to an http.Handler.
func NewWorkloadRunnerHandler(svc WorkloadRunner) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(runnerExecutePath, func(w http.ResponseWriter, r *http.Request) {
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		out := make(chan ExecuteResponse)
		errCh := make(chan error, 1)
		go func() {
			defer close(out)
			errCh <- svc.Execute(r.Context(), req, out)
		}()
		writeStream(w, out)
		<-errCh
	})
	mux.HandleFunc(runnerSignalPath, func(w http.ResponseWriter, r *http.Request) {
		var req SignalRequest
		json.NewDecoder(r.Body).Decode(&req)
		if err := svc.Signal(r.Context(), req); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(struct{}{})
	})
	return mux
}

// WorkloadRunnerClient calls the in-guest agent.
type WorkloadRunnerClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewWorkloadRunnerClient creates a client for the agent at baseURL (e.g.
// "http://192.168.127.2:50051", spec §4.8 step 6's "well-known guest IP and
// port 50051").
func NewWorkloadRunnerClient(baseURL string) *WorkloadRunnerClient {
	return &WorkloadRunnerClient{BaseURL: baseURL, HTTP: NewClient()}
}

// Execute invokes WorkloadRunner.Execute, streaming responses to fn.
func (c *WorkloadRunnerClient) Execute(ctx context.Context, req ExecuteRequest, fn func(ExecuteResponse) error) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := httpPost(ctx, c.BaseURL+runnerExecutePath, body)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return readStream(resp.Body, fn)
}

// Signal invokes WorkloadRunner.Signal.
func (c *WorkloadRunnerClient) Signal(ctx context.Context) error {
	var resp struct{}
	return requestJSON(ctx, c.HTTP, c.BaseURL, runnerSignalPath, SignalRequest{}, &resp, 0)
}

func isBrokenPipe(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "broken pipe") || strings.Contains(s, "connection reset")
}
