// Package hosts implements the gateway's Hosts Snapshot: an immutable,
// read-through cache of domain-to-IP overrides loaded once at startup from
// a hosts(5)-format file.
package hosts

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strings"
)

// Snapshot is an immutable domain -> IP mapping loaded from a hosts file.
// A zero-value Snapshot (via Load on a missing file) answers no domains.
type Snapshot struct {
	entries map[string][]netip.Addr
}

// Load parses the hosts(5)-format file at path: "IP name [alias...]" lines,
// "#" comments, blank lines ignored. A missing file yields an empty,
// harmless snapshot rather than a startup failure, since hosts overrides
// are optional; any other read/parse error is fatal per the gateway's
// startup error policy.
func Load(path string) (*Snapshot, error) {
	s := &Snapshot{entries: make(map[string][]netip.Addr)}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("hosts: opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		addr, err := netip.ParseAddr(fields[0])
		if err != nil {
			return nil, fmt.Errorf("hosts: %s:%d: invalid address %q", path, lineNo, fields[0])
		}

		for _, name := range fields[1:] {
			name = normalizeName(name)
			s.entries[name] = append(s.entries[name], addr)
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("hosts: reading %s: %w", path, err)
	}

	return s, nil
}

// Lookup returns the first IPv4 address bound to domain in the hosts file,
// if any. Kept for callers that only ever want an A answer.
func (s *Snapshot) Lookup(domain string) (netip.Addr, bool) {
	return s.lookupFamily(domain, true)
}

// LookupAAAA returns the first IPv6 address bound to domain in the hosts
// file, if any.
func (s *Snapshot) LookupAAAA(domain string) (netip.Addr, bool) {
	return s.lookupFamily(domain, false)
}

func (s *Snapshot) lookupFamily(domain string, v4 bool) (netip.Addr, bool) {
	addrs, ok := s.entries[normalizeName(domain)]
	if !ok {
		return netip.Addr{}, false
	}
	for _, a := range addrs {
		if a.Is4() == v4 {
			return a, true
		}
	}
	return netip.Addr{}, false
}

func normalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}
