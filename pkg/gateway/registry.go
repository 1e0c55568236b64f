package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/harun/tandem/internal/observability"
)

// Client is a live connection tracked by the gateway.
type Client struct {
	ID           string
	SessionID    string
	RemoteAddr   string
	ConnectedAt  time.Time
	LastActivity time.Time
	Conn         Conn
}

// ClientInfo is the public view of a Client.
type ClientInfo struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id,omitempty"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Idle         bool      `json:"idle"`
}

const idleAfter = 5 * time.Minute

// ClientRegistry manages connected clients
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
	}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	r.clients[client.ID] = client
	n := len(r.clients)
	r.mu.Unlock()

	observability.SetGatewayConnections(n)
}

// Remove removes a client from the registry
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	delete(r.clients, clientID)
	n := len(r.clients)
	r.mu.Unlock()

	observability.SetGatewayConnections(n)
}

// Bind records which session a client is attached to.
func (r *ClientRegistry) Bind(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[clientID]; exists {
		client.SessionID = sessionID
	}
}

// Get retrieves a client by ID
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[clientID]
	return client, exists
}

// GetAll returns all clients
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// GetConnectedClients returns client information for all connected clients,
// oldest first.
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	r.mu.RLock()
	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, client := range r.clients {
		infos = append(infos, ClientInfo{
			ID:           client.ID,
			SessionID:    client.SessionID,
			RemoteAddr:   client.RemoteAddr,
			ConnectedAt:  client.ConnectedAt,
			LastActivity: client.LastActivity,
			Idle:         now.Sub(client.LastActivity) > idleAfter,
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// UpdateActivity updates the last activity time for a client
func (r *ClientRegistry) UpdateActivity(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[clientID]; exists {
		client.LastActivity = time.Now()
	}
}
