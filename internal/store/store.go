// Package store implements the persistent binding store: the durable
// mapping between domain names and synthetic IPv4 addresses, and the
// connection ledger that tracks every flow dispatched through the gateway.
//
// The backend is a single sqlite file accessed through modernc.org/sqlite
// (pure Go, no cgo).  All writes serialize through one mutex-guarded handle;
// the schema does not need multi-writer concurrency.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors, named to match the gateway's error taxonomy.
var (
	ErrPoolExhausted  = errors.New("store: synthetic IP pool exhausted")
	ErrHostNotFound   = errors.New("store: host not found")
	ErrLedgerWrite    = errors.New("store: ledger write failed")
)

const (
	schemaBindings = `
CREATE TABLE IF NOT EXISTS bindings (
	domain     TEXT PRIMARY KEY,
	ip         TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);`

	schemaConnections = `
CREATE TABLE IF NOT EXISTS connections (
	id           INTEGER PRIMARY KEY,
	host         TEXT NOT NULL,
	network      TEXT NOT NULL,
	conn_type    TEXT NOT NULL,
	recv_bytes   INTEGER NOT NULL DEFAULT 0,
	send_bytes   INTEGER NOT NULL DEFAULT 0,
	proxy_server TEXT NOT NULL DEFAULT '',
	connect_time INTEGER NOT NULL,
	last_update  INTEGER NOT NULL,
	is_alive     INTEGER NOT NULL DEFAULT 1
);`
)

// Connection mirrors a single row of the connections table.
type Connection struct {
	ID          uint64
	Host        string
	Network     string
	ConnType    string
	RecvBytes   uint64
	SendBytes   uint64
	ProxyServer string
	ConnectTime int64
	LastUpdate  int64
	IsAlive     bool
}

// Store is the persistent binding store and connection ledger described by
// the gateway's data model.  A Store is safe for concurrent use.
type Store struct {
	mu sync.Mutex
	db *sql.DB

	pool   netip.Prefix
	sticky map[string]struct{}

	// activeFlows counts in-flight flows per domain, protecting a binding
	// from eviction while traffic is live — the same guard FakeIPPool
	// uses before handing an entry to its evictor.
	activeFlows map[string]int
	poolSize    uint32
	baseAddr    netip.Addr
	nextIdx     uint32
}

// Open creates or attaches to the sqlite database at path and ensures the
// schema exists.  cidr is the synthetic IPv4 pool; sticky lists domains that
// are never chosen as eviction victims.
func Open(path string, cidr netip.Prefix, sticky []string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(schemaBindings); err != nil {
		return nil, fmt.Errorf("creating bindings table: %w", err)
	}
	if _, err = db.Exec(schemaConnections); err != nil {
		return nil, fmt.Errorf("creating connections table: %w", err)
	}

	if !cidr.Addr().Is4() {
		return nil, fmt.Errorf("fake-ip pool must be IPv4, got %s", cidr)
	}
	bits := cidr.Bits()
	size := uint32(1) << (32 - bits)
	if size < 4 {
		return nil, fmt.Errorf("fake-ip pool %s too small, need at least /30", cidr)
	}

	stickySet := make(map[string]struct{}, len(sticky))
	for _, d := range sticky {
		stickySet[d] = struct{}{}
	}

	s := &Store{
		db:          db,
		pool:        cidr,
		sticky:      stickySet,
		activeFlows: make(map[string]int),
		poolSize:    size - 2,
		baseAddr:    addrAdd(cidr.Addr(), 1),
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetIPv4ByHost returns the synthetic IPv4 bound to domain, minting a new
// binding (evicting the oldest eligible entry if the pool is full) if one
// does not already exist.
func (s *Store) GetIPv4ByHost(domain string) (netip.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ipText string
	row := s.db.QueryRow(`SELECT ip FROM bindings WHERE domain = ?`, domain)
	switch err := row.Scan(&ipText); {
	case err == nil:
		addr, perr := netip.ParseAddr(ipText)
		if perr != nil {
			return netip.Addr{}, fmt.Errorf("corrupt binding for %s: %w", domain, perr)
		}
		return addr, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to allocation
	default:
		return netip.Addr{}, fmt.Errorf("querying binding: %w", err)
	}

	addr, err := s.allocate(domain)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr, nil
}

// GetHostByIPv4 reverse-looks-up the domain bound to a synthetic IPv4
// address, returning ErrHostNotFound if ip was never minted (or its binding
// has since been evicted).
func (s *Store) GetHostByIPv4(ip netip.Addr) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var domain string
	row := s.db.QueryRow(`SELECT domain FROM bindings WHERE ip = ?`, ip.String())
	switch err := row.Scan(&domain); {
	case err == nil:
		return domain, nil
	case errors.Is(err, sql.ErrNoRows):
		return "", ErrHostNotFound
	default:
		return "", fmt.Errorf("querying binding: %w", err)
	}
}

// allocate mints a fresh synthetic IP for domain.  Must be called with
// s.mu held.
func (s *Store) allocate(domain string) (netip.Addr, error) {
	var count uint32
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM bindings`).Scan(&count); err != nil {
		return netip.Addr{}, fmt.Errorf("counting bindings: %w", err)
	}

	var addr netip.Addr
	if count < s.poolSize {
		addr = addrAdd(s.baseAddr, s.nextIdx)
		s.nextIdx = (s.nextIdx + 1) % s.poolSize
	} else {
		evicted, err := s.evictOldest()
		if err != nil {
			return netip.Addr{}, err
		}
		addr = evicted
	}

	now := time.Now().Unix()
	_, err := s.db.Exec(`INSERT INTO bindings (domain, ip, created_at) VALUES (?, ?, ?)`,
		domain, addr.String(), now)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("inserting binding: %w", err)
	}

	return addr, nil
}

// evictOldest removes the oldest binding that has no live connection and is
// not in the sticky set, returning its IP for reuse.  Mirrors FakeIPPool's
// LRU-with-active-flow-protection eviction, adapted to sqlite's
// created_at ordering in place of an in-memory linked list.
func (s *Store) evictOldest() (netip.Addr, error) {
	rows, err := s.db.Query(`SELECT domain, ip FROM bindings ORDER BY created_at ASC`)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("listing bindings: %w", err)
	}
	defer rows.Close()

	type candidate struct{ domain, ip string }
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err = rows.Scan(&c.domain, &c.ip); err != nil {
			return netip.Addr{}, err
		}
		candidates = append(candidates, c)
	}

	for _, c := range candidates {
		if _, ok := s.sticky[c.domain]; ok {
			continue
		}
		if s.activeFlows[c.domain] > 0 {
			continue
		}

		if _, err = s.db.Exec(`DELETE FROM bindings WHERE domain = ?`, c.domain); err != nil {
			return netip.Addr{}, fmt.Errorf("evicting binding: %w", err)
		}
		addr, perr := netip.ParseAddr(c.ip)
		if perr != nil {
			return netip.Addr{}, perr
		}
		return addr, nil
	}

	return netip.Addr{}, ErrPoolExhausted
}

// IncrementFlows marks that a new flow is using domain's binding, protecting
// it from eviction until DecrementFlows is called.
func (s *Store) IncrementFlows(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeFlows[domain]++
}

// DecrementFlows releases the eviction guard taken by IncrementFlows.
func (s *Store) DecrementFlows(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeFlows[domain] > 0 {
		s.activeFlows[domain]--
		if s.activeFlows[domain] == 0 {
			delete(s.activeFlows, domain)
		}
	}
}

// addrAdd adds offset to an IPv4 address.
func addrAdd(base netip.Addr, offset uint32) netip.Addr {
	b := base.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v += offset
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
