// Package api is the client of the inbox HTTP surface: message history
// pages, read receipts, the send fallback and media uploads.
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
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/inbox/internal/message"
	"go.uber.org/zap"
)

// ErrNetworkUnavailable wraps transport failures and 5xx responses. Callers
// fall back to cached state when they see it.
var ErrNetworkUnavailable = errors.New("network unavailable")

// HTTPError is a non-retryable (4xx) response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Query selects a page of history. Since and Before are server-time cursors
// and take priority over Offset.
type Query struct {
	Since  int64
	Before int64
	Limit  int
	Offset int
}

// Page is one response of the history endpoint.
type Page struct {
	Messages []message.Message `json:"messages"`
	HasMore  bool              `json:"has_more"`
}

// Client talks to the inbox HTTP API.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *zap.Logger
}

// New creates a client rooted at baseURL. timeout bounds each request as a
// transport safety net; cancellation is driven by the caller's context.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", baseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   u,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

// FetchMessages returns one page of a conversation's history. Records that
// omit the conversation id are attributed to conversationID.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, q Query) (*Page, error) {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	switch {
	case q.Since > 0:
		params.Set("since", strconv.FormatInt(q.Since, 10))
	case q.Before > 0:
		params.Set("before", strconv.FormatInt(q.Before, 10))
	case q.Offset > 0:
		params.Set("offset", strconv.Itoa(q.Offset))
	}

	var page Page
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(conversationID), params, nil, "", &page); err != nil {
		return nil, err
	}
	for i := range page.Messages {
		if page.Messages[i].ConversationID == "" {
			page.Messages[i].ConversationID = conversationID
		}
	}
	return &page, nil
}

// MarkRead tells the server the conversation has been read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/mark-read", nil, nil, "", nil)
}

// SendMessage posts an optimistic message and returns the server's copy.
// The temp id travels with the request so the echo can be correlated.
func (c *Client) SendMessage(ctx context.Context, m message.Message) (message.Message, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return message.Message{}, fmt.Errorf("encode message: %w", err)
	}
	var out message.Message
	path := "/conversations/" + url.PathEscape(m.ConversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, nil, bytes.NewReader(body), "application/json", &out); err != nil {
		return message.Message{}, err
	}
	if out.ConversationID == "" {
		out.ConversationID = m.ConversationID
	}
	if out.TempID == "" {
		out.TempID = m.TempID
	}
	return out, nil
}

// UploadMedia stores a blob and returns its durable URL.
func (c *Client) UploadMedia(ctx context.Context, contentType string, body io.Reader) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodPost, "/media", nil, body, contentType, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", fmt.Errorf("upload media: empty url in response")
	}
	return out.URL, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body io.Reader, contentType string, out any) error {
	// path arrives escaped; keep both forms so ids with reserved characters
	// stay a single segment.
	u := *c.base
	u.RawPath = c.base.EscapedPath() + path
	unescaped, err := url.PathUnescape(u.RawPath)
	if err != nil {
		return fmt.Errorf("build path %s: %w", path, err)
	}
	u.Path = unescaped
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", ErrNetworkUnavailable, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("api request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s %s: status %d", ErrNetworkUnavailable, method, path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
