// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Isna13/BarManagerPro-sub001/oversync"
)

// Remote is the gateway as seen by the terminal
type Remote interface {
	Push(ctx context.Context, req *oversync.PushRequest) (*oversync.PushResponse, error)
	Pull(ctx context.Context, since time.Time, limit int) (*oversync.PullResponse, error)
	Ack(ctx context.Context, req *oversync.AckRequest) (*oversync.AckResponse, error)
	Heartbeat(ctx context.Context, req *oversync.HeartbeatRequest) (*oversync.HeartbeatResponse, error)
	// Probe checks reachability without credentials
	Probe(ctx context.Context) error
}

// HTTPRemote talks to the gateway over HTTP JSON.
// Non-200 answers are returned as *HTTPStatusError for the retry controller to classify.
type HTTPRemote struct {
	BaseURL string
	HTTP    *http.Client
	session *SyncSession
}

// NewHTTPRemote creates a transport. Per-request deadlines come from the retry
// controller, so the client itself has no timeout unless one is passed in.
func NewHTTPRemote(baseURL string, session *SyncSession, client *http.Client) *HTTPRemote {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRemote{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: client, session: session}
}

func (h *HTTPRemote) Push(ctx context.Context, req *oversync.PushRequest) (*oversync.PushResponse, error) {
	var resp oversync.PushResponse
	if err := h.do(ctx, http.MethodPost, "/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (h *HTTPRemote) Pull(ctx context.Context, since time.Time, limit int) (*oversync.PullResponse, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/sync/pull"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp oversync.PullResponse
	if err := h.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (h *HTTPRemote) Ack(ctx context.Context, req *oversync.AckRequest) (*oversync.AckResponse, error) {
	var resp oversync.AckResponse
	if err := h.do(ctx, http.MethodPost, "/sync/ack", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (h *HTTPRemote) Heartbeat(ctx context.Context, req *oversync.HeartbeatRequest) (*oversync.HeartbeatResponse, error) {
	var resp oversync.HeartbeatResponse
	if err := h.do(ctx, http.MethodPost, "/sync/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (h *HTTPRemote) Probe(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	resp, err := h.HTTP.Do(httpReq)
	if err != nil {
		return Classify("probe", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Classify("probe", &HTTPStatusError{StatusCode: resp.StatusCode})
	}
	return nil
}

func (h *HTTPRemote) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, h.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := h.session.Token(ctx)
	if err != nil {
		return err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := h.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}
