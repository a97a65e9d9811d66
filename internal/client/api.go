package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/npezzotti/go-directchat/internal/types"
)

// APIClient talks to the REST side of the server. Requests carry the
// current token as a Bearer credential.
type APIClient struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

type apiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

type loginResponse struct {
	Token string     `json:"token"`
	User  types.User `json:"user"`
}

type markReadResponse struct {
	Updated int64 `json:"updated"`
}

func NewAPIClient(baseURL string, hc *http.Client) *APIClient {
	if hc == nil {
		hc = http.DefaultClient
	}

	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
	}
}

func (a *APIClient) SetToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.token = token
}

func (a *APIClient) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.token
}

func (a *APIClient) Register(ctx context.Context, username, email, password string) (types.User, error) {
	var u types.User
	err := a.do(ctx, http.MethodPost, "/api/auth/register", map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	}, &u)

	return u, err
}

// Login exchanges credentials for a token, which is kept for later requests.
func (a *APIClient) Login(ctx context.Context, email, password string) (string, types.User, error) {
	var resp loginResponse
	err := a.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &resp)
	if err != nil {
		return "", types.User{}, err
	}

	a.SetToken(resp.Token)
	return resp.Token, resp.User, nil
}

func (a *APIClient) Logout(ctx context.Context) error {
	err := a.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
	a.SetToken("")

	return err
}

func (a *APIClient) ListUsers(ctx context.Context) ([]types.User, error) {
	var users []types.User
	err := a.do(ctx, http.MethodGet, "/api/users", nil, &users)

	return users, err
}

func (a *APIClient) FetchConversation(ctx context.Context, peerId string) ([]types.Message, error) {
	var messages []types.Message
	err := a.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(peerId), nil, &messages)

	return messages, err
}

func (a *APIClient) MarkRead(ctx context.Context, peerId string) (int64, error) {
	var resp markReadResponse
	err := a.do(ctx, http.MethodPut, "/api/messages/read/"+url.PathEscape(peerId), nil, &resp)

	return resp.Updated, err
}

func (a *APIClient) DeleteMessage(ctx context.Context, messageId string) error {
	return a.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageId), nil, nil)
}

func (a *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := a.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", types.ErrTransport, err)
	}
	return nil
}

// statusError maps a failed response onto the shared error taxonomy,
// keeping the server's message.
func statusError(resp *http.Response) error {
	var base error
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusConflict:
		base = types.ErrValidation
	case http.StatusUnauthorized:
		base = types.ErrAuthentication
	case http.StatusForbidden:
		base = types.ErrAuthorization
	case http.StatusNotFound:
		base = types.ErrNotFound
	case http.StatusServiceUnavailable:
		base = types.ErrServiceUnavailable
	default:
		base = types.ErrPersistence
	}

	var body apiError
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, body.Message)
}
