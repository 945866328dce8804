package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// Notifier pushes notifications to a user's connected sessions.
type Notifier interface {
	Notify(ctx context.Context, userID string, payload map[string]any) error
}

// clientNotifier sends to specific sessions of an MCP server.
type clientNotifier interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// MCPNotifier delivers notifications over MCP sessions.
type MCPNotifier struct {
	server   clientNotifier
	sessions *SessionRegistry
}

func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{server: mcpServer, sessions: sessions}
}

// Notify sends payload to every session of the user. Users with no session
// are skipped; sessions that vanished are dropped from the registry.
func (n *MCPNotifier) Notify(_ context.Context, userID string, payload map[string]any) error {
	var errs []error
	for _, sid := range n.sessions.SessionsFor(userID) {
		err := n.server.SendNotificationToSpecificClient(sid, "notifications/message", payload)
		switch {
		case errors.Is(err, server.ErrSessionNotFound):
			n.sessions.Remove(sid)
		case err != nil:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
