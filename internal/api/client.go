package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"egpt/internal/types"
)

// QuotaExhaustedDetail is the backend's error detail for a user with no
// remaining requests. A 402, or a 403 carrying this detail, means quota
// exhaustion; so does a stream whose terminal payload is an error frame with
// this detail.
const QuotaExhaustedDetail = "User has 0 available requests"

const authHeader = "jwt-token"
const refreshHeader = "refresh-token"

// TokenSource supplies the current access token for authenticated calls.
// The auth supervisor owns the token; the client only reads it per request.
type TokenSource func() string

type Client struct {
	baseURL string
	token   TokenSource
	http    *http.Client
	// stream requests must not inherit the JSON client's timeout; a chunked
	// response stays open for the whole generation.
	streamHTTP *http.Client
}

func New(baseURL string, token TokenSource) *Client {
	if token == nil {
		token = func() string { return "" }
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		streamHTTP: &http.Client{},
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Login(ctx context.Context, email, password string) (*types.Credential, error) {
	req := LoginRequest{Email: email, Password: password}
	var cred types.Credential
	if err := c.doJSON(ctx, http.MethodPost, "/api/v2/users/login", req, false, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// RefreshToken trades the current token pair for a fresh access token. The
// refresh token travels in its own header, matching the backend contract.
func (c *Client) RefreshToken(ctx context.Context, accessToken, refreshToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v2/users/token/refresh", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(authHeader, accessToken)
	req.Header.Set(refreshHeader, refreshToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", decodeAPIError(resp)
	}
	var out RefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return "", errors.New("refresh response missing access token")
	}
	return out.AccessToken, nil
}

func (c *Client) Self(ctx context.Context) (*types.Credential, error) {
	var cred types.Credential
	if err := c.doJSON(ctx, http.MethodGet, "/api/v2/users/self", nil, true, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// NewTopic asks the backend to allocate a topic for the assistant and returns
// its bare numeric id.
func (c *Client) NewTopic(ctx context.Context, assistant types.AssistantType) (int64, error) {
	path := "/api/v2/topics/new?assistant_type=" + url.QueryEscape(string(assistant))
	var id int64
	if err := c.doJSON(ctx, http.MethodPost, path, nil, true, &id); err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.New("backend returned no topic id")
	}
	return id, nil
}

func (c *Client) TopicHistory(ctx context.Context, topicID int64) ([]types.Message, error) {
	path := fmt.Sprintf("/api/v2/topics/%d/history/", topicID)
	var messages []types.Message
	if err := c.doJSON(ctx, http.MethodGet, path, nil, true, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *Client) ListTopics(ctx context.Context, topicsType types.TopicsType, status types.TopicStatus) ([]types.TopicGroup, error) {
	path := fmt.Sprintf("/api/v2/topics/%s/%s?topics_type=%s",
		url.PathEscape(string(topicsType)), url.PathEscape(string(status)), url.QueryEscape(string(topicsType)))
	var groups []types.TopicGroup
	if err := c.doJSON(ctx, http.MethodGet, path, nil, true, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (c *Client) Limits(ctx context.Context) (*types.Limit, error) {
	var limit types.Limit
	if err := c.doJSON(ctx, http.MethodGet, "/api/v2/limits/", nil, true, &limit); err != nil {
		return nil, err
	}
	return &limit, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, requireAuth bool, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requireAuth {
		token := strings.TrimSpace(c.token())
		if token == "" {
			return ErrNotAuthenticated
		}
		req.Header.Set(authHeader, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var ErrNotAuthenticated = errors.New("not authenticated; run egpt login first")

// APIError is a non-2xx backend response. Detail carries the backend's
// `detail` field when the body had one.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Detail)
}

func decodeAPIError(resp *http.Response) error {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	detail := resp.Status
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && len(payload.Detail) > 0 {
		var s string
		if err := json.Unmarshal(payload.Detail, &s); err == nil {
			detail = s
		} else {
			detail = string(payload.Detail)
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Detail: detail}
}

func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

// IsQuotaExhausted reports whether err is the pre-stream form of quota
// exhaustion: a 402, or a 403 whose detail is the quota message.
func IsQuotaExhausted(err error) bool {
	apiErr := AsAPIError(err)
	if apiErr == nil {
		return false
	}
	if apiErr.StatusCode == http.StatusPaymentRequired {
		return true
	}
	return apiErr.StatusCode == http.StatusForbidden && apiErr.Detail == QuotaExhaustedDetail
}
