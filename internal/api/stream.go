package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StartTopicStream opens the chunked response stream for the first message of
// a freshly created topic. The caller owns the returned body and must close
// it (the transport decoder's completion path does).
func (c *Client) StartTopicStream(ctx context.Context, topicID int64, req StartConversationRequest) (io.ReadCloser, error) {
	path := fmt.Sprintf("/api/v2/topics/%d/start/stream/", topicID)
	return c.openStream(ctx, path, req)
}

// SendMessageStream opens the chunked response stream for a message in an
// existing topic.
func (c *Client) SendMessageStream(ctx context.Context, topicID int64, req MessageRequest) (io.ReadCloser, error) {
	path := fmt.Sprintf("/api/v2/topics/%d/message/stream/", topicID)
	return c.openStream(ctx, path, req)
}

func (c *Client) openStream(ctx context.Context, path string, body any) (io.ReadCloser, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	token := strings.TrimSpace(c.token())
	if token == "" {
		return nil, ErrNotAuthenticated
	}
	req.Header.Set(authHeader, token)

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp.Body, nil
}
