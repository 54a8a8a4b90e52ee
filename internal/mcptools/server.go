// Package mcptools exposes console operations as MCP tools
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"vpnconsole-go/internal/console"
	"vpnconsole-go/internal/history"
	"vpnconsole-go/internal/logs"
	"vpnconsole-go/internal/registry"
	"vpnconsole-go/internal/types"
)

// ToolsServer answers MCP tool calls against one console
type ToolsServer struct {
	console *console.Console
	logger  *zap.Logger
	now     func() time.Time
}

// NewToolsServer creates a tools server for c
func NewToolsServer(c *console.Console, logger *zap.Logger) *ToolsServer {
	return &ToolsServer{
		console: c,
		logger:  logger,
		now:     time.Now,
	}
}

// ToolDefinition represents an MCP tool definition
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// GetTools returns every tool. Admin tools are listed for everyone; the admin check
// happens on call.
func (s *ToolsServer) GetTools() []ToolDefinition {
	return []ToolDefinition{
		s.listServersTool(),
		s.getServerTool(),
		s.recommendedTool(),
		s.statusTool(),
		s.connectTool(),
		s.disconnectTool(),
		s.historyTool(),
		s.failuresTool(),
		s.adminStatsTool(),
		s.listUsersTool(),
		s.setUserRoleTool(),
		s.createServerTool(),
		s.updateServerTool(),
		s.deleteServerTool(),
	}
}

// CallTool executes a tool
func (s *ToolsServer) CallTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	s.logger.Debug("CallTool invoked", zap.String("tool", name), zap.Any("args", args))

	switch name {
	case "vpn_list_servers":
		return s.handleListServers(ctx, args)
	case "vpn_get_server":
		return s.handleGetServer(ctx, args)
	case "vpn_recommended_servers":
		return s.handleRecommended(ctx, args)
	case "vpn_status":
		return s.handleStatus(ctx, args)
	case "vpn_connect":
		return s.handleConnect(ctx, args)
	case "vpn_disconnect":
		return s.handleDisconnect(ctx, args)
	case "vpn_history":
		return s.handleHistory(ctx, args)
	case "vpn_connection_failures":
		return s.handleFailures(ctx, args)
	case "vpn_admin_stats":
		return s.handleAdminStats(ctx, args)
	case "vpn_list_users":
		return s.handleListUsers(ctx, args)
	case "vpn_set_user_role":
		return s.handleSetUserRole(ctx, args)
	case "vpn_create_server":
		return s.handleCreateServer(ctx, args)
	case "vpn_update_server":
		return s.handleUpdateServer(ctx, args)
	case "vpn_delete_server":
		return s.handleDeleteServer(ctx, args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

// Tool Definitions

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, desc string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": desc}
}

func enumProp(desc string, values ...string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc, "enum": values}
}

func (s *ToolsServer) listServersTool() ToolDefinition {
	return ToolDefinition{
		Name:        "vpn_list_servers",
		Description: "List VPN servers with optional search, country and status filters",
		InputSchema: objectSchema(map[string]interface{}{
			"search":  prop("string", "Case-insensitive match on name, country or city"),
			"country": prop("string", "Exact country, or 'all'"),
			"status":  enumProp("Server status filter", "all", "online", "offline", "maintenance"),
			"sort_by": enumProp("Sort order", "load", "name", "country"),
			"refresh": prop("boolean", "Reload the inventory from the API first"),
		}),
	}
}

func (s *ToolsServer) getServerTool() ToolDefinition {
	return ToolDefinition{
		Name:        "vpn_get_server",
		Description: "Get one server, re-reading it from the API",
		InputSchema: objectSchema(map[string]interface{}{
			"server_id": prop("string", "Server id"),
		}, "server_id"),
	}
}

func (s *ToolsServer) recommendedTool() ToolDefinition {
	return ToolDefinition{
		Name:        "vpn_recommended_servers",
		Description: "Least loaded online servers",
		InputSchema: objectSchema(map[string]interface{}{
			"limit": prop("integer", "How many servers to return (default 3)"),
		}),
	}
}

func (s *ToolsServer) statusTool() ToolDefinition {
	return ToolDefinition{
		Name:        "vpn_status",
		Description: "Current connection state and how long it has lasted",
		InputSchema: objectSchema(map[string]interface{}{}),
	}
}

func (s *ToolsServer) connectTool() ToolDefinition {
	return ToolDefinition{
		Name:        "vpn_connect",
		Description: "Connect to a server. An existing connection to another server is closed first.",
		InputSchema: objectSchema(map[string]interface{}{
			"server_id": prop("string", "Server id"),
		}, "server_id"),
	}
}

func (s *ToolsServer) disconnectTool() ToolDefinition {
	return ToolDefinition{
		Name:        "vpn_disconnect",
		Description: "Close the current connection",
		InputSchema: objectSchema(map[string]interface{}{}),
	}
}

func (s *ToolsServer) historyTool() ToolDefinition {
	return ToolDefinition{
		Name:        "vpn_history",
		Description: "Connection history with usage summary",
		InputSchema: objectSchema(map[string]interface{}{
			"search":  prop("string", "Case-insensitive match on server name or country"),
			"period":  enumProp("Time window", "all", "today", "week", "month"),
			"sort_by": enumProp("Sort order", "recent", "duration", "server"),
		}),
	}
}

func (s *ToolsServer) failuresTool() ToolDefinition {
	return ToolDefinition{
		Name:        "vpn_connection_failures",
		Description: "Recent failed connection attempts from the local failure log",
		InputSchema: objectSchema(map[string]interface{}{
			"limit": prop("integer", "Number of entries (default 20)"),
		}),
	}
}

func (s *ToolsServer) adminStatsTool() ToolDefinition {
	return ToolDefinition{
		Name:        "vpn_admin_stats",
		Description: "Platform statistics (admin only)",
		InputSchema: objectSchema(map[string]interface{}{}),
	}
}

func (s *ToolsServer) listUsersTool() ToolDefinition {
	return ToolDefinition{
		Name:        "vpn_list_users",
		Description: "List users (admin only)",
		InputSchema: objectSchema(map[string]interface{}{}),
	}
}

func (s *ToolsServer) setUserRoleTool() ToolDefinition {
	return ToolDefinition{
		Name:        "vpn_set_user_role",
		Description: "Change another user's role (admin only)",
		InputSchema: objectSchema(map[string]interface{}{
			"user_id": prop("string", "User id"),
			"role":    enumProp("New role", "user", "admin"),
		}, "user_id", "role"),
	}
}

func serverFieldProps() map[string]interface{} {
	return map[string]interface{}{
		"name":            prop("string", "Display name"),
		"country":         prop("string", "Country"),
		"city":            prop("string", "City"),
		"ip_address":      prop("string", "IP address"),
		"status":          enumProp("Status", "online", "offline", "maintenance"),
		"max_connections": prop("integer", "Connection capacity, at least 1"),
	}
}

func (s *ToolsServer) createServerTool() ToolDefinition {
	return ToolDefinition{
		Name:        "vpn_create_server",
		Description: "Create a server (admin only). Status defaults to offline.",
		InputSchema: objectSchema(serverFieldProps(), "name", "country", "city", "ip_address", "max_connections"),
	}
}

func (s *ToolsServer) updateServerTool() ToolDefinition {
	props := serverFieldProps()
	props["server_id"] = prop("string", "Server id")
	return ToolDefinition{
		Name:        "vpn_update_server",
		Description: "Replace a server's editable fields (admin only). Omitted status keeps the current one.",
		InputSchema: objectSchema(props, "server_id", "name", "country", "city", "ip_address", "max_connections"),
	}
}

func (s *ToolsServer) deleteServerTool() ToolDefinition {
	return ToolDefinition{
		Name:        "vpn_delete_server",
		Description: "Delete a server (admin only). Irreversible; requires confirm=true.",
		InputSchema: objectSchema(map[string]interface{}{
			"server_id": prop("string", "Server id"),
			"confirm":   prop("boolean", "Must be true"),
		}, "server_id", "confirm"),
	}
}

// Handlers

func (s *ToolsServer) handleListServers(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	reg := s.console.Registry
	if boolArg(args, "refresh") || reg.Len() == 0 {
		if err := reg.Refresh(ctx); err != nil {
			return nil, err
		}
	}

	q := registry.Query{
		Search:  stringArg(args, "search"),
		Country: stringArg(args, "country"),
	}
	if status := stringArg(args, "status"); status != "" && !strings.EqualFold(status, "all") {
		parsed, err := types.ParseServerStatus(status)
		if err != nil {
			return nil, types.WrapError(types.KindValidation, err, "invalid status")
		}
		q.Status = parsed
	}
	key, err := registry.ParseSortKey(stringArg(args, "sort_by"))
	if err != nil {
		return nil, types.WrapError(types.KindValidation, err, "invalid sort_by")
	}
	q.SortBy = key

	servers := reg.Query(q)
	result := make([]map[string]interface{}, 0, len(servers))
	for _, srv := range servers {
		result = append(result, serverInfo(srv))
	}
	return map[string]interface{}{
		"servers":      result,
		"total":        len(result),
		"stats":        reg.Stats(),
		"countries":    reg.Countries(),
		"refreshed_at": reg.RefreshedAt(),
	}, nil
}

func (s *ToolsServer) handleGetServer(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id := stringArg(args, "server_id")
	if id == "" {
		return nil, types.NewError(types.KindValidation, "server_id is required")
	}
	if err := s.console.Registry.RefreshServer(ctx, id); err != nil {
		return nil, err
	}
	srv, err := s.console.Registry.Get(id)
	if err != nil {
		return nil, err
	}
	return serverInfo(srv), nil
}

func (s *ToolsServer) handleRecommended(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if s.console.Registry.Len() == 0 {
		if err := s.console.Registry.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	limit := intArg(args, "limit", 3)
	if limit <= 0 {
		return nil, types.NewError(types.KindValidation, "limit must be positive")
	}
	servers := s.console.Registry.Recommended(limit)
	result := make([]map[string]interface{}, 0, len(servers))
	for _, srv := range servers {
		result = append(result, serverInfo(srv))
	}
	return map[string]interface{}{"servers": result}, nil
}

func (s *ToolsServer) handleStatus(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sess := s.console.Session
	state, _ := sess.State()
	result := map[string]interface{}{
		"state":            state.String(),
		"pending":          sess.Pending(),
		"stream_connected": s.console.StreamConnected(),
	}
	if view := sess.Current(); view != nil {
		result["connection"] = view
		result["connected_for_seconds"] = int64(view.ConnectedFor(s.now()).Seconds())
	}
	return result, nil
}

func (s *ToolsServer) handleConnect(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id := stringArg(args, "server_id")
	if id == "" {
		return nil, types.NewError(types.KindValidation, "server_id is required")
	}
	if s.console.Registry.Len() == 0 {
		if err := s.console.Registry.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	view, err := s.console.Session.Connect(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"state":      "connected",
		"connection": view,
	}, nil
}

func (s *ToolsServer) handleDisconnect(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	closed, err := s.console.Session.Disconnect(ctx)
	if err != nil {
		return nil, err
	}
	result := map[string]interface{}{"state": "disconnected"}
	if closed != nil {
		result["closed"] = connectionInfo(closed)
	}
	return result, nil
}

func (s *ToolsServer) handleHistory(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	period, err := history.ParsePeriod(stringArg(args, "period"))
	if err != nil {
		return nil, err
	}
	key, err := history.ParseSortKey(stringArg(args, "sort_by"))
	if err != nil {
		return nil, err
	}

	agg := s.console.History
	if err := agg.Refresh(ctx); err != nil {
		if types.IsAuthFailure(err) {
			return nil, err
		}
		if ok, cacheErr := agg.LoadCached(); cacheErr != nil || !ok {
			return nil, err
		}
		s.logger.Warn("History refresh failed, serving cached records", zap.Error(err))
	}

	view := agg.View(history.Criteria{Search: stringArg(args, "search"), Period: period}, key)
	records := make([]map[string]interface{}, 0, len(view.Records))
	for _, rec := range view.Records {
		records = append(records, connectionInfo(rec))
	}
	return map[string]interface{}{
		"connections": records,
		"summary":     view.Summary,
		"from_cache":  agg.FromCache(),
	}, nil
}

func (s *ToolsServer) handleFailures(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	lines, err := logs.ReadConnectionFailures(s.console.Config.DataDir, intArg(args, "limit", 20))
	if err != nil {
		return nil, err
	}
	if lines == nil {
		lines = []string{}
	}
	return map[string]interface{}{"failures": lines, "total": len(lines)}, nil
}

func (s *ToolsServer) handleAdminStats(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return s.console.Admin.Stats(ctx)
}

func (s *ToolsServer) handleListUsers(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if err := s.console.Admin.RefreshUsers(ctx); err != nil {
		return nil, err
	}
	users := s.console.Admin.Users()
	return map[string]interface{}{"users": users, "total": len(users)}, nil
}

func (s *ToolsServer) handleSetUserRole(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	role, err := types.ParseRole(stringArg(args, "role"))
	if err != nil {
		return nil, types.WrapError(types.KindValidation, err, "invalid role")
	}
	userID := stringArg(args, "user_id")
	if err := s.console.Admin.SetUserRole(ctx, userID, role); err != nil {
		return staleOr(map[string]interface{}{"user_id": userID, "role": role}, err)
	}
	return map[string]interface{}{"user_id": userID, "role": role}, nil
}

func (s *ToolsServer) handleCreateServer(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	fields, err := fieldsArg(args)
	if err != nil {
		return nil, err
	}
	srv, err := s.console.Admin.CreateServer(ctx, fields)
	if err != nil {
		if srv == nil {
			return nil, err
		}
		return staleOr(serverInfo(srv), err)
	}
	return serverInfo(srv), nil
}

func (s *ToolsServer) handleUpdateServer(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	fields, err := fieldsArg(args)
	if err != nil {
		return nil, err
	}
	id := stringArg(args, "server_id")
	srv, err := s.console.Admin.UpdateServer(ctx, id, fields)
	if err != nil {
		if srv == nil {
			return staleOr(map[string]interface{}{"id": id}, err)
		}
		return staleOr(serverInfo(srv), err)
	}
	return serverInfo(srv), nil
}

func (s *ToolsServer) handleDeleteServer(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id := stringArg(args, "server_id")
	if err := s.console.Admin.DeleteServer(ctx, id, boolArg(args, "confirm")); err != nil {
		return staleOr(map[string]interface{}{"id": id, "deleted": true}, err)
	}
	return map[string]interface{}{"id": id, "deleted": true}, nil
}

// staleOr turns a StaleReadWarning into a successful result carrying a warning; any
// other error is returned as is.
func staleOr(result map[string]interface{}, err error) (interface{}, error) {
	if !errors.Is(err, types.ErrStaleRead) || types.IsAuthFailure(err) {
		return nil, err
	}
	result["warning"] = err.Error()
	return result, nil
}

// Helper methods

func serverInfo(srv *types.Server) map[string]interface{} {
	return map[string]interface{}{
		"id":                  srv.ID,
		"name":                srv.Name,
		"country":             srv.Country,
		"city":                srv.City,
		"ip_address":          srv.IPAddress,
		"status":              srv.Status,
		"load":                srv.Load,
		"load_bucket":         types.BucketForLoad(srv.Load).String(),
		"current_connections": srv.CurrentConnections,
		"max_connections":     srv.MaxConnections,
		"utilization":         srv.Utilization(),
	}
}

func connectionInfo(c *types.Connection) map[string]interface{} {
	info := map[string]interface{}{
		"id":               c.ID,
		"server_id":        c.ServerID,
		"server_name":      c.ServerName,
		"server_country":   c.ServerCountry,
		"connected_at":     c.ConnectedAt,
		"status":           c.Status,
		"duration":         history.FormatDuration(c.Duration),
		"data_transferred": history.FormatBytes(c.DataTransferred),
	}
	if c.DisconnectedAt != nil {
		info["disconnected_at"] = *c.DisconnectedAt
	}
	return info
}

func fieldsArg(args map[string]interface{}) (types.ServerFields, error) {
	fields := types.ServerFields{
		Name:           stringArg(args, "name"),
		Country:        stringArg(args, "country"),
		City:           stringArg(args, "city"),
		IPAddress:      stringArg(args, "ip_address"),
		MaxConnections: intArg(args, "max_connections", 0),
	}
	if status := stringArg(args, "status"); status != "" {
		parsed, err := types.ParseServerStatus(status)
		if err != nil {
			return fields, types.WrapError(types.KindValidation, err, "invalid status")
		}
		fields.Status = parsed
	}
	return fields, nil
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func boolArg(args map[string]interface{}, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

// intArg accepts JSON numbers (float64), ints and numeric strings
func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
