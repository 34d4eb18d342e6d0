// Package memory keeps the session to connection mapping of this process.
package memory

import (
	"sync"

	"github.com/bnema/symstream/internal/domain"
	"github.com/bnema/symstream/internal/ports"
)

var _ ports.ConnectionDirectory = (*Directory)(nil)

type Directory struct {
	mu    sync.RWMutex
	conns map[domain.SessionID]ports.Connection
}

func NewDirectory() *Directory {
	return &Directory{conns: make(map[domain.SessionID]ports.Connection)}
}

// Bind routes the session to conn, replacing any previous connection.
func (d *Directory) Bind(sessionID domain.SessionID, conn ports.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.conns[sessionID] = conn
}

func (d *Directory) Unbind(sessionID domain.SessionID, conn ports.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, ok := d.conns[sessionID]
	if !ok || current.ID() != conn.ID() {
		return
	}
	delete(d.conns, sessionID)
}

func (d *Directory) Lookup(sessionID domain.SessionID) (ports.Connection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	conn, ok := d.conns[sessionID]
	return conn, ok
}
