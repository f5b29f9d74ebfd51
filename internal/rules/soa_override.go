package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/barweiss/go-tuple"
)

// SOAOverride holds the synthesized SOA authority fields substituted into a
// Reject response for a matching domain.
type SOAOverride struct {
	Name    string `json:"name"`
	MNAME   string `json:"mname"`
	RNAME   string `json:"rname"`
	Serial  uint32 `json:"serial"`
	Refresh uint32 `json:"refresh"`
	Retry   uint32 `json:"retry"`
	Expire  uint32 `json:"expire"`
	TTL     uint32 `json:"ttl"`
	Mbox    string `json:"mbox"`
}

type soaOverrideFile struct {
	Domains []SOAOverride `json:"domains"`
}

// SOAOverrideTable is a regex-keyed, first-match-wins table of custom SOA
// records substituted into rejected DNS responses.
type SOAOverrideTable struct {
	mu      sync.Mutex
	entries []tuple.T2[*regexp.Regexp, SOAOverride]
}

// NewSOAOverrideTable creates an empty override table.
func NewSOAOverrideTable() *SOAOverrideTable {
	return &SOAOverrideTable{}
}

// LoadFile loads entries from a JSON file of {domains: [...]}, each domain's
// "name" field compiled as a regular expression.
func (t *SOAOverrideTable) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("soa override: reading %s: %w", path, err)
	}

	var parsed soaOverrideFile
	if err = json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("soa override: parsing %s: %w", path, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, d := range parsed.Domains {
		re, err := regexp.Compile(d.Name)
		if err != nil {
			return fmt.Errorf("soa override: invalid pattern %q: %w", d.Name, err)
		}
		t.entries = append(t.entries, tuple.New2(re, d))
	}
	return nil
}

// Lookup returns the first override whose pattern matches domain.
func (t *SOAOverrideTable) Lookup(domain string) (SOAOverride, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.V1.MatchString(domain) {
			return e.V2, true
		}
	}
	return SOAOverride{}, false
}
