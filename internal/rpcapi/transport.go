package rpcapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func newReader(b []byte) io.Reader { return bytes.NewReader(b) }

func httpPost(ctx context.Context, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, newReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	return req, nil
}

// NewServer wraps handler (an ordinary http.Handler routing the two RPC
// paths below) in an h2c (HTTP/2 without TLS) server, matching spec §6's
// "protocol buffers over HTTP/2" transport without requiring a certificate
// for guest-internal traffic.
func NewServer(handler http.Handler) *http.Server {
	h2s := &http2.Server{}
	return &http.Server{
		Handler: h2c.NewHandler(handler, h2s),
	}
}

// NewClient returns an http.Client that speaks h2c (HTTP/2 over plain TCP),
// used by both NewVmmClient and the façade's agent channel
// (NewWorkloadRunnerClient, spec §4.8 step 6).
func NewClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ interface{}) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

// writeStream streams values as newline-delimited JSON, flushing after each
// one so the peer observes them as they are produced (spec §5's "preserves
// agent-side production order").
func writeStream[T any](w http.ResponseWriter, values <-chan T) error {
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for v := range values {
		if err := enc.Encode(v); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	return nil
}

// readStream reads one newline-delimited JSON value at a time from body,
// invoking fn for each until EOF or fn returns an error.
func readStream[T any](body io.Reader, fn func(T) error) error {
	dec := json.NewDecoder(bufio.NewReader(body))
	for {
		var v T
		if err := dec.Decode(&v); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("rpcapi: decode stream: %w", err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}

// requestJSON issues a single-response unary RPC: POST path with req
// JSON-encoded, decode the JSON response into resp.
func requestJSON(ctx context.Context, client *http.Client, baseURL, path string, req, resp any, timeout time.Duration) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, newReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpcapi: %s: status %s", path, httpResp.Status)
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}
