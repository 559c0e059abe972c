package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/bnema/chatsync/internal/ports"
)

const (
	maxResponseBytes      = 4 << 20
	defaultRequestTimeout = 15 * time.Second
)

// Client calls the server routes over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

var (
	_ ports.ChatService   = (*Client)(nil)
	_ ports.ResourceStore = (*Client)(nil)
)

func NewClient(serverURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", serverURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{baseURL: strings.TrimRight(u.String(), "/"), http: httpClient}, nil
}

func (c *Client) CreateChat(ctx context.Context, userID domain.UserID, name string) (domain.ChatID, error) {
	var resp createChatResponse
	if err := c.do(ctx, http.MethodPost, c.path("chats", string(userID)), createChatRequest{Name: name}, &resp, domain.ErrChatNotFound); err != nil {
		return "", fmt.Errorf("create chat: %w", err)
	}
	return domain.ChatID(resp.ChatID), nil
}

func (c *Client) DeleteChat(ctx context.Context, userID domain.UserID, chatID domain.ChatID) error {
	if err := c.do(ctx, http.MethodDelete, c.path("chats", string(userID), string(chatID)), nil, nil, domain.ErrChatNotFound); err != nil {
		return fmt.Errorf("delete chat %s: %w", chatID, err)
	}
	return nil
}

func (c *Client) ListChatHeads(ctx context.Context, userID domain.UserID) ([]domain.ChatHead, error) {
	var resp []chatHead
	if err := c.do(ctx, http.MethodGet, c.path("chats", string(userID)), nil, &resp, domain.ErrChatNotFound); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	heads := make([]domain.ChatHead, 0, len(resp))
	for _, head := range resp {
		heads = append(heads, head.domain())
	}
	return heads, nil
}

func (c *Client) History(ctx context.Context, userID domain.UserID, chatID domain.ChatID) ([]domain.ChatMessage, error) {
	var resp []message
	if err := c.do(ctx, http.MethodGet, c.path("chats", string(userID), string(chatID)), nil, &resp, domain.ErrChatNotFound); err != nil {
		return nil, fmt.Errorf("load history of %s: %w", chatID, err)
	}
	msgs := make([]domain.ChatMessage, 0, len(resp))
	for _, msg := range resp {
		msgs = append(msgs, msg.domain())
	}
	return msgs, nil
}

func (c *Client) ListResources(ctx context.Context, kind domain.ResourceKind, userID domain.UserID, chatID domain.ChatID) ([]domain.Resource, error) {
	var resp []resource
	if err := c.do(ctx, http.MethodGet, c.path(collection(kind), string(userID), string(chatID)), nil, &resp, domain.ErrResourceNotFound); err != nil {
		return nil, fmt.Errorf("list %s: %w", collection(kind), err)
	}
	out := make([]domain.Resource, 0, len(resp))
	for _, res := range resp {
		out = append(out, res.domain())
	}
	return out, nil
}

func (c *Client) AddResource(ctx context.Context, userID domain.UserID, chatID domain.ChatID, res domain.Resource) (domain.Resource, error) {
	req := addResourceRequest{ID: string(res.ID), Name: res.Name, Content: res.Content, Persist: res.Persist}
	var resp resourceResponse
	if err := c.do(ctx, http.MethodPost, c.path(collection(res.Kind), string(userID), string(chatID)), req, &resp, domain.ErrResourceNotFound); err != nil {
		return domain.Resource{}, fmt.Errorf("add %s: %w", res.Kind, err)
	}
	return resp.Resource.domain(), nil
}

func (c *Client) DeleteResource(ctx context.Context, kind domain.ResourceKind, userID domain.UserID, chatID domain.ChatID, id domain.ResourceID) error {
	if err := c.do(ctx, http.MethodDelete, c.path(collection(kind), string(userID), string(chatID), string(id)), nil, nil, domain.ErrResourceNotFound); err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	return nil
}

func (c *Client) SetPersist(ctx context.Context, kind domain.ResourceKind, userID domain.UserID, chatID domain.ChatID, id domain.ResourceID, persist bool) error {
	req := persistRequest{Persist: &persist}
	if err := c.do(ctx, http.MethodPut, c.path(collection(kind), string(userID), string(chatID), string(id), "persist"), req, nil, domain.ErrResourceNotFound); err != nil {
		return fmt.Errorf("set persist on %s %s: %w", kind, id, err)
	}
	return nil
}

// SetFileStatus reports the processing outcome of a file, as a file worker
// would.
func (c *Client) SetFileStatus(ctx context.Context, userID domain.UserID, chatID domain.ChatID, id domain.ResourceID, status domain.ResourceStatus, reason string) (domain.Resource, error) {
	req := statusRequest{Status: string(status), Error: reason}
	var resp resourceResponse
	if err := c.do(ctx, http.MethodPut, c.path("files", string(userID), string(chatID), string(id), "status"), req, &resp, domain.ErrResourceNotFound); err != nil {
		return domain.Resource{}, fmt.Errorf("set status of file %s: %w", id, err)
	}
	return resp.Resource.domain(), nil
}

func collection(kind domain.ResourceKind) string {
	if kind == domain.ResourceFile {
		return "files"
	}
	return "memories"
}

func (c *Client) path(segments ...string) string {
	escaped := make([]string, 0, len(segments))
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	return c.baseURL + "/" + strings.Join(escaped, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any, notFound error) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return responseError(resp.StatusCode, payload, notFound)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func responseError(code int, payload []byte, notFound error) error {
	var failure result
	message := strings.TrimSpace(string(payload))
	if err := json.Unmarshal(payload, &failure); err == nil && failure.Error != "" {
		message = failure.Error
	}

	var sentinel error
	switch code {
	case http.StatusNotFound:
		sentinel = notFound
	case http.StatusConflict:
		sentinel = domain.ErrChatExists
	case http.StatusBadRequest:
		sentinel = domain.ErrInvalidArgument
	case http.StatusUnprocessableEntity:
		sentinel = domain.ErrUnusable
	}
	if sentinel != nil {
		return fmt.Errorf("%w: status %d: %s", sentinel, code, message)
	}
	return fmt.Errorf("status %d: %s", code, message)
}
