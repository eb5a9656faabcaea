package sse

import (
	"sync"
)

// ConnectionManager tracks open streams per account and enforces the
// per-account connection limit.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]map[string]*Connection // accountID -> connID -> Connection
	max         int
}

// NewConnectionManager creates a manager allowing max connections per account.
func NewConnectionManager(max int) *ConnectionManager {
	if max <= 0 {
		max = DefaultConfig().MaxConnectionsPerAccount
	}
	return &ConnectionManager{
		connections: make(map[string]map[string]*Connection),
		max:         max,
	}
}

// Add registers conn. When the account is at its limit the oldest
// connection is evicted and returned.
func (cm *ConnectionManager) Add(conn *Connection) (evicted *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conns := cm.connections[conn.AccountID]
	if conns == nil {
		conns = make(map[string]*Connection)
		cm.connections[conn.AccountID] = conns
	}

	if len(conns) >= cm.max {
		for _, c := range conns {
			if evicted == nil || c.CreatedAt.Before(evicted.CreatedAt) {
				evicted = c
			}
		}
		delete(conns, evicted.ID)
		evicted.evict()
	}

	conns[conn.ID] = conn
	return evicted
}

// Remove unregisters conn. Removing an unknown connection is a no-op.
func (cm *ConnectionManager) Remove(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conns, ok := cm.connections[conn.AccountID]
	if !ok {
		return
	}
	delete(conns, conn.ID)
	if len(conns) == 0 {
		delete(cm.connections, conn.AccountID)
	}
}

// CloseSessions closes the account's streams opened by any of sessionIDs and
// returns how many were closed.
func (cm *ConnectionManager) CloseSessions(accountID string, sessionIDs ...string) int {
	ended := make(map[string]bool, len(sessionIDs))
	for _, id := range sessionIDs {
		ended[id] = true
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	conns := cm.connections[accountID]
	closed := 0
	for id, c := range conns {
		if ended[c.SessionID] {
			delete(conns, id)
			c.closeWith(closedSessionEnded)
			closed++
		}
	}
	if len(conns) == 0 {
		delete(cm.connections, accountID)
	}
	return closed
}

// Count returns the number of open streams for an account.
func (cm *ConnectionManager) Count(accountID string) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections[accountID])
}

// Total returns the number of open streams across all accounts.
func (cm *ConnectionManager) Total() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	total := 0
	for _, conns := range cm.connections {
		total += len(conns)
	}
	return total
}

// CloseAll closes every open stream, used on shutdown.
func (cm *ConnectionManager) CloseAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for accountID, conns := range cm.connections {
		for _, c := range conns {
			c.Close()
		}
		delete(cm.connections, accountID)
	}
}
