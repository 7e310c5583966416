package server

import (
	"net"
	"net/http"
	"time"
)

// StatusResponse is returned by /status for the CLI.
type StatusResponse struct {
	ListeningAddress string   `json:"listening_address"`
	ConnectedClients int      `json:"connected_clients"`
	Rooms            []string `json:"rooms"`
	UptimeSeconds    int64    `json:"uptime_seconds"`
}

// handleStatus reports host state. It only answers loopback callers since
// it lists live room ids.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		http.Error(w, "Forbidden: status endpoint is local-only", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		ListeningAddress: s.addr,
		ConnectedClients: s.ClientCount(),
		Rooms:            s.registry.Rooms(),
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
	})
}

// isLoopbackRequest reports whether r came from this machine. Unparseable
// addresses are treated as remote.
func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
