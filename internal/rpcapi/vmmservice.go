package rpcapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const (
	vmmRunPath      = "/VmmService/Run"
	vmmShutdownPath = "/VmmService/Shutdown"
)

// VmmService is the host control-plane RPC surface (spec §4.8, §6).
type VmmService interface {
	Run(ctx context.Context, req RunVmmRequest, out chan<- ExecuteResponse) error
	Shutdown(ctx context.Context, req ShutdownVmRequest) (ShutdownVmResponse, error)
}

// NewVmmServiceHandler adapts svc to an http.Handler serving the two
// VmmService RPCs over the NDJSON/h2c transport.
func NewVmmServiceHandler(svc VmmService) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(vmmRunPath, func(w http.ResponseWriter, r *http.Request) {
		var req RunVmmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		out := make(chan ExecuteResponse)
		errCh := make(chan error, 1)
		go func() {
			defer close(out)
			errCh <- svc.Run(r.Context(), req, out)
		}()
		writeStream(w, out)
		<-errCh
	})
	mux.HandleFunc(vmmShutdownPath, func(w http.ResponseWriter, r *http.Request) {
		var req ShutdownVmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := svc.Shutdown(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(resp)
	})
	return mux
}

// VmmClient calls a VmmService server.
type VmmClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewVmmClient creates a client for the VmmService at baseURL (e.g.
// "http://127.0.0.1:9090").
func NewVmmClient(baseURL string) *VmmClient {
	return &VmmClient{BaseURL: baseURL, HTTP: NewClient()}
}

// Run invokes VmmService.Run, streaming each ExecuteResponse to fn in
// production order (spec §4.8 step 8).
func (c *VmmClient) Run(ctx context.Context, req RunVmmRequest, fn func(ExecuteResponse) error) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := httpPost(ctx, c.BaseURL+vmmRunPath, body)
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

// Shutdown invokes VmmService.Shutdown with a 5-second timeout, per spec
// §5's "best-effort... 5-second request timeout" and treats a broken-pipe
// error as success (spec §4.8's "stream closed because of a broken pipe").
func (c *VmmClient) Shutdown(ctx context.Context, req ShutdownVmRequest) (ShutdownVmResponse, error) {
	var resp ShutdownVmResponse
	err := requestJSON(ctx, c.HTTP, c.BaseURL, vmmShutdownPath, req, &resp, 5*time.Second)
	if err != nil && isBrokenPipe(err) {
		return ShutdownVmResponse{Success: true}, nil
	}
	return resp, err
}
