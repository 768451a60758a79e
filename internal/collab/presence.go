package collab

import (
	"sort"
	"sync"
)

// PresenceTracker maps documents to the users currently attached to them.
// A user with several simultaneous connections (tabs, devices) appears once;
// entries are removed per connection so the user stays listed until the last
// of their connections closes.
type PresenceTracker struct {
	mu        sync.RWMutex
	documents map[string]map[int64]string
}

// NewPresenceTracker constructs an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		documents: make(map[string]map[int64]string),
	}
}

// Register records a connection's user against the document.
func (p *PresenceTracker) Register(documentID string, userID string, connectionID int64) {
	if documentID == "" || userID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	connections, ok := p.documents[documentID]
	if !ok {
		connections = make(map[int64]string)
		p.documents[documentID] = connections
	}
	connections[connectionID] = userID
}

// Unregister removes a connection from the document, regardless of how the
// underlying socket closed.
func (p *PresenceTracker) Unregister(documentID string, connectionID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	connections := p.documents[documentID]
	if connections == nil {
		return
	}
	delete(connections, connectionID)
	if len(connections) == 0 {
		delete(p.documents, documentID)
	}
}

// ListUsers returns the deduplicated, sorted user identities attached to the
// document.
func (p *PresenceTracker) ListUsers(documentID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	connections := p.documents[documentID]
	if len(connections) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(connections))
	users := make([]string, 0, len(connections))
	for _, userID := range connections {
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}
