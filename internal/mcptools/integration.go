package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"vpnconsole-go/internal/console"
)

// toolTrait carries the MCP hints a client uses to decide whether to ask before calling.
type toolTrait struct {
	title       string
	readOnly    bool
	destructive bool
}

var toolTraits = map[string]toolTrait{
	"vpn_list_servers":        {title: "List servers", readOnly: true},
	"vpn_get_server":          {title: "Server details", readOnly: true},
	"vpn_recommended_servers": {title: "Recommended servers", readOnly: true},
	"vpn_status":              {title: "Connection status", readOnly: true},
	"vpn_connect":             {title: "Connect"},
	"vpn_disconnect":          {title: "Disconnect"},
	"vpn_history":             {title: "Connection history", readOnly: true},
	"vpn_connection_failures": {title: "Failed connections", readOnly: true},
	"vpn_admin_stats":         {title: "Platform statistics", readOnly: true},
	"vpn_list_users":          {title: "Users", readOnly: true},
	"vpn_set_user_role":       {title: "Change role"},
	"vpn_create_server":       {title: "Create server"},
	"vpn_update_server":       {title: "Update server"},
	"vpn_delete_server":       {title: "Delete server", destructive: true},
}

// NewMCPServer creates an MCP server with every console tool registered
func NewMCPServer(c *console.Console, version string, logger *zap.Logger) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("vpnconsole", version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery())

	tools := NewToolsServer(c, logger)
	defs := tools.GetTools()
	for _, def := range defs {
		s.AddTool(createMCPTool(def), createToolHandler(tools, def.Name))
	}
	logger.Info("Registered console tools with MCP server", zap.Int("tool_count", len(defs)))
	return s
}

// createMCPTool converts a tool definition into the mcp-go builder form.
// Properties are added in name order so listings are stable.
func createMCPTool(def ToolDefinition) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(def.Description)}
	if trait, ok := toolTraits[def.Name]; ok {
		opts = append(opts,
			mcp.WithTitleAnnotation(trait.title),
			mcp.WithReadOnlyHintAnnotation(trait.readOnly),
			mcp.WithDestructiveHintAnnotation(trait.destructive),
			mcp.WithOpenWorldHintAnnotation(false))
	}

	props, _ := def.InputSchema["properties"].(map[string]interface{})
	required, _ := def.InputSchema["required"].([]string)

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		prop, ok := props[name].(map[string]interface{})
		if !ok {
			continue
		}
		if opt := propertyOption(name, prop, slices.Contains(required, name)); opt != nil {
			opts = append(opts, opt)
		}
	}
	return mcp.NewTool(def.Name, opts...)
}

func propertyOption(name string, prop map[string]interface{}, required bool) mcp.ToolOption {
	desc, _ := prop["description"].(string)
	popts := []mcp.PropertyOption{mcp.Description(desc)}
	if required {
		popts = append(popts, mcp.Required())
	}

	switch prop["type"] {
	case "string":
		if enum, ok := prop["enum"].([]string); ok {
			popts = append(popts, mcp.Enum(enum...))
		}
		return mcp.WithString(name, popts...)
	case "integer", "number":
		return mcp.WithNumber(name, popts...)
	case "boolean":
		return mcp.WithBoolean(name, popts...)
	default:
		return nil
	}
}

// createToolHandler adapts CallTool to mcp-go. Console errors become error
// results so the model sees them; only transport problems are protocol errors.
func createToolHandler(tools *ToolsServer, name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]interface{})
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tools.CallTool(ctx, name, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		body, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return mcp.NewToolResultText(fmt.Sprint(result)), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}
