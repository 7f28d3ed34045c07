package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/dukantech/shopsync/internal/errors"
)

// HTTPStore talks to the remote document API over HTTP. Documents live at
// {base}/v1/{owner}/{collection}/{id}; the optimistic version check and the
// idempotency key travel in headers.
type HTTPStore struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewHTTPStore creates an HTTPStore. A nil client falls back to
// http.DefaultClient; per-call deadlines come from the request context.
func NewHTTPStore(baseURL, authToken string, client *http.Client) *HTTPStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStore{baseURL: baseURL, authToken: authToken, client: client}
}

// conflictBody is the 409 response carrying the server's current state.
type conflictBody struct {
	ServerPayload json.RawMessage `json:"server_payload"`
	ServerVersion int64           `json:"server_version"`
}

// okBody is the success response.
type okBody struct {
	Version int64 `json:"version"`
}

// rejectedBody is the 422 response.
type rejectedBody struct {
	Detail string `json:"detail"`
}

// PutDocument implements Store.
func (s *HTTPStore) PutDocument(ctx context.Context, req *WriteRequest) (*WriteResult, error) {
	return s.do(ctx, http.MethodPut, req, bytes.NewReader(req.Payload))
}

// DeleteDocument implements Store.
func (s *HTTPStore) DeleteDocument(ctx context.Context, req *WriteRequest) (*WriteResult, error) {
	return s.do(ctx, http.MethodDelete, req, nil)
}

func (s *HTTPStore) do(ctx context.Context, method string, req *WriteRequest, body io.Reader) (*WriteResult, error) {
	url := fmt.Sprintf("%s/v1/%s/%s/%s", s.baseURL, req.OwnerID, req.Collection, req.DocumentID)

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to build remote request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Operation-Id", req.OperationID)
	httpReq.Header.Set("X-Payload-Hash", req.PayloadHash)
	httpReq.Header.Set("X-Expected-Version", strconv.FormatInt(req.ExpectedVersion, 10))
	if s.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransientNetwork, "remote store unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransientNetwork, "failed to read remote response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var ok okBody
		if err := json.Unmarshal(data, &ok); err != nil {
			return nil, errors.Wrap(errors.ErrTransientNetwork, "malformed remote response", err)
		}
		return &WriteResult{Status: StatusOK, NewVersion: ok.Version}, nil

	case resp.StatusCode == http.StatusConflict:
		var c conflictBody
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, errors.Wrap(errors.ErrTransientNetwork, "malformed conflict response", err)
		}
		return &WriteResult{
			Status:        StatusVersionConflict,
			ServerPayload: c.ServerPayload,
			ServerVersion: c.ServerVersion,
		}, nil

	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		var r rejectedBody
		_ = json.Unmarshal(data, &r)
		if r.Detail == "" {
			r.Detail = fmt.Sprintf("remote store returned %d", resp.StatusCode)
		}
		return &WriteResult{Status: StatusRejected, Reason: r.Detail}, nil

	default:
		// 5xx, 429 and everything unexpected counts as transient; the
		// operation stays queued and retries with backoff.
		return nil, errors.New(errors.ErrTransientNetwork,
			fmt.Sprintf("remote store returned %d", resp.StatusCode))
	}
}
