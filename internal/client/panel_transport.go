package client

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
	"sync"
	"time"
	"unicode/utf8"

	"github.com/wenwu/saas-platform/panel-provisioner/internal/models"
	"go.uber.org/zap"
)

const maxErrorBody = 512

// TokenCache keeps admin bearer tokens per panel until they expire or a
// request is rejected with 401.
type TokenCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cachedToken
	now     func() time.Time
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// NewTokenCache creates a token cache. A non-positive ttl disables caching.
func NewTokenCache(ttl time.Duration) *TokenCache {
	return &TokenCache{
		ttl:     ttl,
		entries: make(map[string]cachedToken),
		now:     time.Now,
	}
}

func (c *TokenCache) get(key string) (string, bool) {
	if c == nil || c.ttl <= 0 {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return entry.token, true
}

func (c *TokenCache) set(key, token string) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cachedToken{token: token, expiresAt: c.now().Add(c.ttl)}
}

func (c *TokenCache) invalidate(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// tokenResponse is the OAuth2 password-flow response of both panels
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// panelTransport carries the authenticated JSON plumbing shared by the adapters
type panelTransport struct {
	provider   string
	tokenPath  string
	panel      *models.Panel
	httpClient *http.Client
	tokens     *TokenCache
	log        *zap.Logger
}

func newPanelTransport(provider, tokenPath string, panel *models.Panel, deps AdapterDeps) *panelTransport {
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &panelTransport{
		provider:   provider,
		tokenPath:  tokenPath,
		panel:      panel,
		httpClient: httpClient,
		tokens:     deps.Tokens,
		log:        log.With(zap.String("provider", provider), zap.String("panel_id", panel.ID)),
	}
}

func (t *panelTransport) tokenKey() string {
	return t.provider + "|" + t.panel.ID + "|" + t.panel.Credentials.Username
}

// authenticate obtains an admin token, using the cache when possible
func (t *panelTransport) authenticate(ctx context.Context) (string, error) {
	if token, ok := t.tokens.get(t.tokenKey()); ok {
		return token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", t.panel.Credentials.Username)
	form.Set("password", t.panel.Credentials.Password)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.panel.BaseURL()+t.tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", t.networkError("create token request", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return "", t.networkError("send token request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", t.networkError("read token response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &TransportError{
			Provider:   t.provider,
			StatusCode: resp.StatusCode,
			Message:    "authentication failed: " + extractDetail(respBody),
		}
	}

	var result tokenResponse
	if err := json.Unmarshal(respBody, &result); err != nil || result.AccessToken == "" {
		return "", &TransportError{
			Provider:   t.provider,
			StatusCode: resp.StatusCode,
			Message:    "authentication failed: no access token in response",
			Err:        err,
		}
	}

	t.tokens.set(t.tokenKey(), result.AccessToken)
	return result.AccessToken, nil
}

// doJSON sends an authenticated JSON request and decodes a 2xx body into out.
// A 401 drops the cached token and the request is sent once more with a fresh one.
func (t *panelTransport) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return t.networkError("marshal request", err)
		}
	}

	for attempt := 0; ; attempt++ {
		token, err := t.authenticate(ctx)
		if err != nil {
			return err
		}

		status, respBody, err := t.send(ctx, method, path, token, payload)
		if err != nil {
			return err
		}

		if status == http.StatusUnauthorized && attempt == 0 {
			t.log.Info("panel token rejected, re-authenticating")
			t.tokens.invalidate(t.tokenKey())
			continue
		}

		if status < 200 || status > 299 {
			return &TransportError{
				Provider:   t.provider,
				StatusCode: status,
				Message:    extractDetail(respBody),
			}
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: %s: decode response: %v", ErrIncompleteResponse, t.provider, err)
		}
		return nil
	}
}

func (t *panelTransport) send(ctx context.Context, method, path, token string, payload []byte) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, t.panel.BaseURL()+path, reader)
	if err != nil {
		return 0, nil, t.networkError("create request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, t.networkError("send request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, t.networkError("read response", err)
	}
	return resp.StatusCode, respBody, nil
}

func (t *panelTransport) networkError(op string, err error) error {
	msg := op + ": " + err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = op + ": timeout"
	}
	return &TransportError{Provider: t.provider, Message: msg, Err: err}
}

// absoluteURL resolves a subscription URL that the panel returned relative
// to its own base URL.
func (t *panelTransport) absoluteURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil || ref.IsAbs() {
		return raw
	}
	base, err := url.Parse(t.panel.BaseURL() + "/")
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}

// extractDetail pulls a readable message out of a FastAPI error body
func extractDetail(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Detail) > 0 {
		var s string
		if err := json.Unmarshal(payload.Detail, &s); err == nil {
			return s
		}
		return truncate(string(payload.Detail))
	}
	if len(body) == 0 {
		return "empty response"
	}
	return truncate(string(body))
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrorBody {
		return s
	}
	// cut on a rune boundary
	cut := maxErrorBody
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func escapeUsername(username string) string {
	return url.PathEscape(username)
}
