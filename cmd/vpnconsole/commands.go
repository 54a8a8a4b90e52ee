package main

import (
	"github.com/spf13/cobra"
)

func newServersCmd(a *app) *cobra.Command {
	var search, country, status, sortBy string
	var refresh bool

	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List VPN servers with dashboard statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			args := map[string]interface{}{}
			setIfChanged(cmd, args, "search", "search", search)
			setIfChanged(cmd, args, "country", "country", country)
			setIfChanged(cmd, args, "status", "status", status)
			setIfChanged(cmd, args, "sort", "sort_by", sortBy)
			setIfChanged(cmd, args, "refresh", "refresh", refresh)
			return a.runTool(cmd, "vpn_list_servers", args)
		},
	}
	cmd.Flags().StringVarP(&search, "search", "s", "", "Match name, country or city")
	cmd.Flags().StringVar(&country, "country", "", "Exact country, or all")
	cmd.Flags().StringVar(&status, "status", "", "all, online, offline or maintenance")
	cmd.Flags().StringVar(&sortBy, "sort", "load", "load, name or country")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Reload the inventory before listing")
	return cmd
}

func newServerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "server <id>",
		Short: "Show one server, re-read from the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTool(cmd, "vpn_get_server", map[string]interface{}{"server_id": args[0]})
		},
	}
}

func newRecommendedCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recommended",
		Short: "Show the least loaded online servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runTool(cmd, "vpn_recommended_servers", map[string]interface{}{"limit": limit})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 3, "Number of servers")
	return cmd
}

func newConnectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <server-id>",
		Short: "Open a session on a server, closing the current one first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTool(cmd, "vpn_connect", map[string]interface{}{"server_id": args[0]})
		},
	}
}

func newDisconnectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Close the active session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runTool(cmd, "vpn_disconnect", map[string]interface{}{})
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runTool(cmd, "vpn_status", map[string]interface{}{})
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	var search, period, sortBy string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show connection history with usage statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runTool(cmd, "vpn_history", map[string]interface{}{
				"search":  search,
				"period":  period,
				"sort_by": sortBy,
			})
		},
	}
	cmd.Flags().StringVarP(&search, "search", "s", "", "Match server name or country")
	cmd.Flags().StringVar(&period, "period", "all", "all, today, week or month")
	cmd.Flags().StringVar(&sortBy, "sort", "recent", "recent, duration or server")
	return cmd
}

func newFailuresCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "Show recent connection failures from the local log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runTool(cmd, "vpn_connection_failures", map[string]interface{}{"limit": limit})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries")
	return cmd
}

func newAdminCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administer servers and users (admin role required)",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show system-wide statistics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.runTool(cmd, "vpn_admin_stats", map[string]interface{}{})
			},
		},
		&cobra.Command{
			Use:   "users",
			Short: "List users",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.runTool(cmd, "vpn_list_users", map[string]interface{}{})
			},
		},
		&cobra.Command{
			Use:   "set-role <user-id> <user|admin>",
			Short: "Change a user's role",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.runTool(cmd, "vpn_set_user_role", map[string]interface{}{"user_id": args[0], "role": args[1]})
			},
		},
		newCreateServerCmd(a),
		newUpdateServerCmd(a),
		newDeleteServerCmd(a),
	)
	return cmd
}

type serverFlags struct {
	name, country, city, ip, status string
	maxConnections                  int
}

func (f *serverFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "Display name")
	cmd.Flags().StringVar(&f.country, "country", "", "Country")
	cmd.Flags().StringVar(&f.city, "city", "", "City")
	cmd.Flags().StringVar(&f.ip, "ip", "", "IP address")
	cmd.Flags().StringVar(&f.status, "status", "", "online, offline or maintenance")
	cmd.Flags().IntVar(&f.maxConnections, "max-connections", 1000, "Connection capacity")
}

func (f *serverFlags) args(cmd *cobra.Command) map[string]interface{} {
	args := map[string]interface{}{
		"name":            f.name,
		"country":         f.country,
		"city":            f.city,
		"ip_address":      f.ip,
		"max_connections": f.maxConnections,
	}
	setIfChanged(cmd, args, "status", "status", f.status)
	return args
}

func newCreateServerCmd(a *app) *cobra.Command {
	var f serverFlags
	cmd := &cobra.Command{
		Use:   "create-server",
		Short: "Add a server to the inventory (offline unless --status is given)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runTool(cmd, "vpn_create_server", f.args(cmd))
		},
	}
	f.bind(cmd)
	return cmd
}

func newUpdateServerCmd(a *app) *cobra.Command {
	var f serverFlags
	cmd := &cobra.Command{
		Use:   "update-server <id>",
		Short: "Replace a server's editable fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs := f.args(cmd)
			toolArgs["server_id"] = args[0]
			return a.runTool(cmd, "vpn_update_server", toolArgs)
		},
	}
	f.bind(cmd)
	return cmd
}

func newDeleteServerCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete-server <id>",
		Short: "Remove a server from the inventory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTool(cmd, "vpn_delete_server", map[string]interface{}{"server_id": args[0], "confirm": yes})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm the deletion")
	return cmd
}
