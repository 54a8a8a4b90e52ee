package server

import (
	"encoding/json"
	"net/http"

	"vpnconsole-go/internal/types"
)

// Identity

func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.backendFor(r).CurrentUser(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.backendFor(r).Logout(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// Servers

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.backendFor(r).ListServers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if servers == nil {
		servers = []*types.Server{}
	}
	s.writeJSON(w, http.StatusOK, servers)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	srv, err := s.backendFor(r).GetServer(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, srv)
}

// Connections

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := s.backendFor(r).Connect(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":       "Connected successfully",
		"connection_id": conn.ID,
		"connection":    conn,
	})
}

func (s *Server) handleCurrentConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.backendFor(r).ActiveConnection(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"connection": conn})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	conn, err := s.backendFor(r).Disconnect(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":    "Disconnected successfully",
		"connection": conn,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.backendFor(r).History(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []*types.Connection{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"connections": records})
}

// Admin

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.backendFor(r).AdminStats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.backendFor(r).ListUsers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if users == nil {
		users = []*types.User{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, types.WrapError(types.KindValidation, err, "Invalid request body"))
		return
	}
	role, err := types.ParseRole(body.Role)
	if err != nil {
		s.writeError(w, types.WrapError(types.KindValidation, err, "Invalid role"))
		return
	}
	if err := s.backendFor(r).SetUserRole(r.Context(), r.PathValue("id"), role); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "User role updated successfully"})
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var fields types.ServerFields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		s.writeError(w, types.WrapError(types.KindValidation, err, "Invalid request body"))
		return
	}
	id, err := s.backendFor(r).CreateServer(r.Context(), fields)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Server created successfully", "server_id": id})
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	var fields types.ServerFields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		s.writeError(w, types.WrapError(types.KindValidation, err, "Invalid request body"))
		return
	}
	if err := s.backendFor(r).UpdateServer(r.Context(), r.PathValue("id"), fields); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Server updated successfully"})
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := s.backendFor(r).DeleteServer(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Server deleted successfully"})
}
