package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"
)

// HTTPClient speaks the worker control API over JSON HTTP. Every call is
// paced by a per-worker rate limiter and bounded by the hard deadline.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient creates a client for one worker. callsPerSecond paces the
// outbound calls; zero disables pacing.
func NewHTTPClient(baseURL, authToken string, callsPerSecond float64) *HTTPClient {
	var limiter *rate.Limiter
	if callsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(callsPerSecond), int(callsPerSecond)+1)
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   authToken,
		http:    &http.Client{Timeout: CallTimeout},
		limiter: limiter,
	}
}

type startSessionRequest struct {
	SessionID string `json:"session_id"`
	AuthBlob  []byte `json:"auth_blob,omitempty"`
}

type stopSessionRequest struct {
	SessionID string `json:"session_id"`
}

type sendRequest struct {
	SessionID         string `json:"session_id"`
	DestinationChatID int64  `json:"destination_chat_id"`
	Text              string `json:"text"`
}

type sendResponse struct {
	ForwardedMsgID int64 `json:"forwarded_msg_id"`
}

type editRequest struct {
	SessionID         string `json:"session_id"`
	DestinationChatID int64  `json:"destination_chat_id"`
	MessageID         int64  `json:"message_id"`
	Text              string `json:"text"`
}

type deleteRequest struct {
	SessionID         string `json:"session_id"`
	DestinationChatID int64  `json:"destination_chat_id"`
	MessageID         int64  `json:"message_id"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StartSession implements Client.
func (c *HTTPClient) StartSession(ctx context.Context, sessionID string, authBlob []byte) error {
	return c.call(ctx, "start_session", "/v1/sessions/start",
		startSessionRequest{SessionID: sessionID, AuthBlob: authBlob}, nil)
}

// StopSession implements Client.
func (c *HTTPClient) StopSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, "stop_session", "/v1/sessions/stop",
		stopSessionRequest{SessionID: sessionID}, nil)
}

// Send implements Client.
func (c *HTTPClient) Send(ctx context.Context, sessionID string, destinationChatID int64, text string) (int64, error) {
	var resp sendResponse
	err := c.call(ctx, "send", "/v1/messages/send",
		sendRequest{SessionID: sessionID, DestinationChatID: destinationChatID, Text: text}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.ForwardedMsgID, nil
}

// Edit implements Client.
func (c *HTTPClient) Edit(ctx context.Context, sessionID string, destinationChatID, messageID int64, text string) error {
	return c.call(ctx, "edit", "/v1/messages/edit",
		editRequest{SessionID: sessionID, DestinationChatID: destinationChatID, MessageID: messageID, Text: text}, nil)
}

// Delete implements Client.
func (c *HTTPClient) Delete(ctx context.Context, sessionID string, destinationChatID, messageID int64) error {
	return c.call(ctx, "delete", "/v1/messages/delete",
		deleteRequest{SessionID: sessionID, DestinationChatID: destinationChatID, MessageID: messageID}, nil)
}

func (c *HTTPClient) call(ctx context.Context, op, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &TransientError{Op: op, Err: err}
		}
	}

	body, err := json.Marshal(in)
	if err != nil {
		return &PermanentError{Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network failures, timeouts: the worker may come back.
		return &TransientError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return &PermanentError{Op: op, Err: fmt.Errorf("bad response body: %w", err)}
			}
		}
		return nil
	}

	var eb errorBody
	_ = json.Unmarshal(data, &eb)
	errDetail := fmt.Errorf("worker returned %d (%s): %s", resp.StatusCode, eb.Kind, eb.Message)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransientError{Op: op, Err: errDetail}
	case eb.Kind == "session_invalid" || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusGone:
		return &PermanentError{Op: op, Invalidation: true, Err: errDetail}
	default:
		return &PermanentError{Op: op, Err: errDetail}
	}
}
