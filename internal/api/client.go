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
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vpnconsole-go/internal/config"
	"vpnconsole-go/internal/logs"
	"vpnconsole-go/internal/types"
)

const maxErrorBody = 64 * 1024

// Client talks to the persistence API over HTTP. The session token is sent as a bearer
// credential on every call and is never inspected locally.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *zap.Logger
	comm    *logs.CommunicationLogger
	metrics *Metrics

	mu    sync.RWMutex
	token string
}

var _ Backend = (*Client)(nil)

// Option configures a Client
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (tests, custom transports)
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCommunicationLogger records every request/response to the API log
func WithCommunicationLogger(comm *logs.CommunicationLogger) Option {
	return func(c *Client) { c.comm = comm }
}

// WithMetrics records request metrics
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates an API client from the configuration
func NewClient(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.APIBaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api_base_url: %w", err)
	}

	timeout := cfg.RequestTimeout.Duration()
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}

	c := &Client{
		baseURL: base,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        config.MaxIdleConns,
				MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
				IdleConnTimeout:     config.HTTPIdleConnTimeout,
			},
		},
		logger: logger,
		token:  cfg.SessionToken,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.comm == nil {
		c.comm, _ = logs.NewCommunicationLogger(nil)
	}
	return c, nil
}

// SetToken replaces the session credential (after a login)
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current session credential
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// do performs one request. body is JSON-encoded when non-nil; out is decoded from a 2xx
// response when non-nil. Non-2xx responses are mapped to typed errors.
func (c *Client) do(ctx context.Context, operation, method, path string, body, out interface{}) error {
	requestID := uuid.NewString()
	done := c.metrics.begin(operation)

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			done(0, string(types.KindValidation))
			return types.WrapError(types.KindValidation, err, "%s: encode request", operation)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		done(0, string(types.KindValidation))
		return types.WrapError(types.KindValidation, err, "%s: build request", operation)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.comm.LogRequest(method, path, body, headerMap(req.Header), requestID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		done(0, string(types.KindUpstreamUnavailable))
		c.comm.LogError(method, path, 0, err.Error(), requestID)
		c.logger.Debug("API request failed",
			zap.String("operation", operation),
			zap.String("request_id", requestID),
			zap.Error(err))
		return types.WrapError(types.KindUpstreamUnavailable, err, "%s", operation)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := statusError(operation, resp.StatusCode, raw)
		done(resp.StatusCode, string(types.KindOf(apiErr)))
		c.comm.LogError(method, path, resp.StatusCode, apiErr.Error(), requestID)
		c.logger.Debug("API request rejected",
			zap.String("operation", operation),
			zap.Int("status", resp.StatusCode),
			zap.String("request_id", requestID))
		return apiErr
	}

	if out == nil {
		done(resp.StatusCode, "")
		c.comm.LogResponse(method, path, resp.StatusCode, nil, time.Since(start), requestID)
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err == nil {
		err = json.Unmarshal(raw, out)
	}
	if err != nil {
		done(resp.StatusCode, string(types.KindUpstreamUnavailable))
		c.comm.LogError(method, path, resp.StatusCode, err.Error(), requestID)
		return types.WrapError(types.KindUpstreamUnavailable, err, "%s: decode response", operation)
	}

	done(resp.StatusCode, "")
	c.comm.LogResponse(method, path, resp.StatusCode, json.RawMessage(raw), time.Since(start), requestID)
	return nil
}

// statusError maps an HTTP error status to the error taxonomy
func statusError(operation string, status int, raw []byte) *types.Error {
	var body errorBody
	detail := ""
	if json.Unmarshal(raw, &body) == nil && body.Detail != "" {
		detail = body.Detail
	} else {
		detail = strings.TrimSpace(string(raw))
	}
	if detail == "" {
		detail = http.StatusText(status)
	}

	var kind types.ErrorKind
	switch status {
	case http.StatusUnauthorized:
		kind = types.KindUnauthenticated
	case http.StatusForbidden:
		kind = types.KindForbidden
	case http.StatusNotFound:
		kind = types.KindNotFound
	case http.StatusConflict:
		kind = types.KindAlreadyConnectedElsewhere
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		kind = types.KindValidation
	default:
		kind = types.KindUpstreamUnavailable
	}
	return types.NewError(kind, "%s: %s (HTTP %d)", operation, detail, status)
}

func headerMap(h http.Header) map[string]interface{} {
	out := make(map[string]interface{}, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// Identity

// CurrentUser implements IdentitySource
func (c *Client) CurrentUser(ctx context.Context) (*types.User, error) {
	var u wireUser
	if err := c.do(ctx, "current_user", http.MethodGet, "/api/auth/me", nil, &u); err != nil {
		return nil, err
	}
	return u.toUser(), nil
}

// Logout implements IdentitySource
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, "logout", http.MethodPost, "/api/auth/logout", nil, nil)
}

// Servers

// ListServers implements ServerSource
func (c *Client) ListServers(ctx context.Context) ([]*types.Server, error) {
	var wire []*wireServer
	if err := c.do(ctx, "list_servers", http.MethodGet, "/api/servers", nil, &wire); err != nil {
		return nil, err
	}
	servers := make([]*types.Server, 0, len(wire))
	for _, w := range wire {
		if w == nil {
			continue
		}
		servers = append(servers, w.toServer())
	}
	return servers, nil
}

// GetServer implements ServerSource
func (c *Client) GetServer(ctx context.Context, id string) (*types.Server, error) {
	var w wireServer
	if err := c.do(ctx, "get_server", http.MethodGet, "/api/servers/"+url.PathEscape(id), nil, &w); err != nil {
		return nil, err
	}
	return w.toServer(), nil
}

// Connections

// ActiveConnection implements SessionBackend
func (c *Client) ActiveConnection(ctx context.Context) (*types.Connection, error) {
	var env connectionEnvelope
	if err := c.do(ctx, "current_connection", http.MethodGet, "/api/connections/current", nil, &env); err != nil {
		return nil, err
	}
	return env.Connection.toConnection(), nil
}

// Connect implements SessionBackend. The API answers with the new connection id; the full
// record is read back from the current-connection endpoint when it is not echoed.
func (c *Client) Connect(ctx context.Context, serverID string) (*types.Connection, error) {
	var resp connectResponse
	path := "/api/servers/" + url.PathEscape(serverID) + "/connect"
	if err := c.do(ctx, "connect", http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Connection != nil {
		return resp.Connection.toConnection(), nil
	}

	current, err := c.ActiveConnection(ctx)
	if err == nil && current != nil && (resp.ConnectionID == "" || current.ID == resp.ConnectionID) {
		return current, nil
	}
	if err != nil {
		c.logger.Warn("Connected but could not read back the connection record",
			zap.String("connection_id", resp.ConnectionID),
			zap.Error(err))
	}
	return &types.Connection{
		ID:          resp.ConnectionID,
		ServerID:    serverID,
		ConnectedAt: time.Now().UTC(),
		Status:      types.ConnectionActive,
	}, nil
}

// Disconnect implements SessionBackend
func (c *Client) Disconnect(ctx context.Context) (*types.Connection, error) {
	var resp disconnectResponse
	err := c.do(ctx, "disconnect", http.MethodPost, "/api/connections/disconnect", nil, &resp)
	if err != nil {
		if types.KindOf(err) == types.KindValidation && strings.Contains(strings.ToLower(err.Error()), "no active connection") {
			return nil, types.WrapError(types.KindNotFound, err, "no active connection")
		}
		return nil, err
	}
	return resp.Connection.toConnection(), nil
}

// History implements HistorySource
func (c *Client) History(ctx context.Context) ([]*types.Connection, error) {
	var env connectionsEnvelope
	if err := c.do(ctx, "history", http.MethodGet, "/api/connections/history", nil, &env); err != nil {
		return nil, err
	}
	records := make([]*types.Connection, 0, len(env.Connections))
	for _, w := range env.Connections {
		if w == nil {
			continue
		}
		records = append(records, w.toConnection())
	}
	return records, nil
}

// Admin

// AdminStats implements AdminBackend
func (c *Client) AdminStats(ctx context.Context) (*types.AdminStats, error) {
	var stats types.AdminStats
	if err := c.do(ctx, "admin_stats", http.MethodGet, "/api/admin/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListUsers implements AdminBackend
func (c *Client) ListUsers(ctx context.Context) ([]*types.User, error) {
	var env usersEnvelope
	if err := c.do(ctx, "list_users", http.MethodGet, "/api/admin/users", nil, &env); err != nil {
		return nil, err
	}
	users := make([]*types.User, 0, len(env.Users))
	for _, w := range env.Users {
		if w == nil {
			continue
		}
		users = append(users, w.toUser())
	}
	return users, nil
}

// SetUserRole implements AdminBackend
func (c *Client) SetUserRole(ctx context.Context, userID string, role types.Role) error {
	path := "/api/admin/users/" + url.PathEscape(userID) + "/role"
	return c.do(ctx, "set_user_role", http.MethodPut, path, roleRequest{Role: string(role)}, nil)
}

// CreateServer implements AdminBackend
func (c *Client) CreateServer(ctx context.Context, fields types.ServerFields) (string, error) {
	var resp createServerResponse
	if err := c.do(ctx, "create_server", http.MethodPost, "/api/admin/servers", fields, &resp); err != nil {
		return "", err
	}
	return resp.ServerID, nil
}

// UpdateServer implements AdminBackend
func (c *Client) UpdateServer(ctx context.Context, id string, fields types.ServerFields) error {
	path := "/api/admin/servers/" + url.PathEscape(id)
	return c.do(ctx, "update_server", http.MethodPut, path, fields, nil)
}

// DeleteServer implements AdminBackend
func (c *Client) DeleteServer(ctx context.Context, id string) error {
	path := "/api/admin/servers/" + url.PathEscape(id)
	return c.do(ctx, "delete_server", http.MethodDelete, path, nil, nil)
}
