package store

import (
	"database/sql"
	"fmt"
	"time"
)

// NewConnection inserts a new ledger row for a dispatched flow.  The id is
// caller-assigned (typically an incrementing counter or pseudo-random
// value) and must be unique.
func (s *Store) NewConnection(id uint64, host, network, connType, proxyServer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(
		`INSERT INTO connections (id, host, network, conn_type, recv_bytes, send_bytes, proxy_server, connect_time, last_update, is_alive)
		 VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?, 1)`,
		id, host, network, connType, proxyServer, now, now,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	return nil
}

// UpdateConnection records new byte counters for a live connection.  A
// lastUpdate of zero uses the current time.
func (s *Store) UpdateConnection(id uint64, recvBytes, sendBytes uint64, lastUpdate int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lastUpdate == 0 {
		lastUpdate = time.Now().Unix()
	}
	_, err := s.db.Exec(
		`UPDATE connections SET recv_bytes = ?, send_bytes = ?, last_update = ? WHERE id = ?`,
		recvBytes, sendBytes, lastUpdate, id,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	return nil
}

// ShutdownConnection marks a connection as no longer alive.  Idempotent:
// calling it twice for the same id is not an error.
func (s *Store) ShutdownConnection(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE connections SET is_alive = 0, last_update = ? WHERE id = ?`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	return nil
}

// ClearDeadConnections deletes connections that have been dead for at least
// idleTimeoutSecs.  Invoked periodically by the connection sweeper.
func (s *Store) ClearDeadConnections(idleTimeoutSecs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Unix() - idleTimeoutSecs
	_, err := s.db.Exec(`DELETE FROM connections WHERE is_alive = 0 AND last_update <= ?`, cutoff)
	if err != nil {
		return fmt.Errorf("clearing dead connections: %w", err)
	}
	return nil
}

// ListConnections returns every row currently in the ledger, alive or not.
func (s *Store) ListConnections() ([]Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, host, network, conn_type, recv_bytes, send_bytes, proxy_server, connect_time, last_update, is_alive
		 FROM connections`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		var c Connection
		var alive int
		if err = rows.Scan(&c.ID, &c.Host, &c.Network, &c.ConnType, &c.RecvBytes, &c.SendBytes,
			&c.ProxyServer, &c.ConnectTime, &c.LastUpdate, &alive); err != nil {
			return nil, err
		}
		c.IsAlive = alive != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// IsAlive reports whether the row with the given id is both present and
// marked alive.
func (s *Store) IsAlive(id uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var alive int
	row := s.db.QueryRow(`SELECT is_alive FROM connections WHERE id = ?`, id)
	switch err := row.Scan(&alive); {
	case err == nil:
		return alive != 0, nil
	case err == sql.ErrNoRows:
		return false, nil
	default:
		return false, err
	}
}
