package rules

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/barweiss/go-tuple"
	. "github.com/golang-collections/collections/set"

	"github.com/quietfox/tungate/utils"
)

// DomainListLoader downloads and parses newline-delimited remote domain
// lists, installing each refresh as a batch of rule-engine matchers bound
// to a single action. A refresh swaps the whole set under one mutex so a
// concurrent ActionForDomain never observes a half-loaded list.
type DomainListLoader struct {
	mu     sync.Mutex
	hosts  map[string]*Set // reversed first label -> domains/wildcards
	action Action
	urls   []string
	cache  string // directory used to cache downloaded lists
}

// NewDomainListLoader creates a loader that installs matched domains with
// action. cacheDir is where downloaded list files are kept between
// refreshes; it is created if missing.
func NewDomainListLoader(urls []string, action Action, cacheDir string) *DomainListLoader {
	return &DomainListLoader{
		hosts:  make(map[string]*Set),
		action: action,
		urls:   urls,
		cache:  cacheDir,
	}
}

// Refresh re-downloads any cached list older than maxAge (or missing) and
// reparses every configured URL into the in-memory matcher set.
func (l *DomainListLoader) Refresh(maxAge time.Duration) error {
	if len(l.urls) == 0 {
		return nil
	}
	if l.cache != "" {
		if err := os.MkdirAll(l.cache, 0o755); err != nil {
			return err
		}
	}

	for _, url := range l.urls {
		path := l.cachePath(url)

		needsDownload := true
		if ok, _ := utils.FileExists(path); ok {
			size, mtime, err := utils.GetFileInfo(path)
			if err == nil && size > 0 && time.Since(mtime) < maxAge {
				needsDownload = false
			}
		}

		if needsDownload {
			if err := utils.DownloadFromUrl(url, path); err != nil {
				log.Error("domain list: downloading %s: %v", url, err)
				continue
			}
		}
	}

	return l.reload()
}

func (l *DomainListLoader) cachePath(url string) string {
	tokens := strings.Split(url, "/")
	name := tokens[len(tokens)-1]
	if !strings.HasSuffix(name, ".txt") {
		name += ".txt"
	}
	if l.cache == "" {
		return name
	}
	return filepath.Join(l.cache, name)
}

func (l *DomainListLoader) reload() error {
	fresh := make(map[string]*Set)

	var entries []tuple.T2[string, string]
	for _, url := range l.urls {
		path := l.cachePath(url)
		listName := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

		f, err := os.Open(path)
		if err != nil {
			log.Error("domain list: opening %s: %v", path, err)
			continue
		}

		rd := bufio.NewReader(f)
		for {
			line, rerr := rd.ReadString('\n')
			trimmed := strings.TrimSpace(line)
			if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
				entries = append(entries, tuple.New2(trimmed, listName))
			}
			if rerr != nil {
				if rerr != io.EOF {
					log.Error("domain list: reading %s: %v", path, rerr)
				}
				break
			}
		}
		f.Close()
	}

	count := 0
	for _, e := range entries {
		domain := normalizeDomain(e.V1)
		labels := strings.Split(domain, ".")
		reverseStrings(labels)
		key := labels[0]

		if _, ok := fresh[key]; !ok {
			fresh[key] = New()
		}
		if !fresh[key].Has(domain) {
			count++
		}
		fresh[key].Insert(domain)
	}

	l.mu.Lock()
	l.hosts = fresh
	l.mu.Unlock()

	log.Info("domain list: loaded %d domains from %d list(s)", count, len(l.urls))
	return nil
}

// Contains reports whether domain is present in the loaded lists, either as
// an exact entry or under a "*.suffix" wildcard entry.
func (l *DomainListLoader) Contains(domain string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.hosts) == 0 {
		return false
	}

	domain = normalizeDomain(domain)
	labels := strings.Split(domain, ".")
	bucket, ok := l.hosts[labels[len(labels)-1]]
	if !ok {
		return false
	}

	if bucket.Has(domain) {
		return true
	}
	for i := 0; i < len(labels); i++ {
		suffix := strings.Join(labels[i:], ".")
		if bucket.Has("*." + suffix) {
			return true
		}
	}
	return false
}

// Action returns the action bound to domains found in this loader's lists.
func (l *DomainListLoader) Action() Action { return l.action }

func reverseStrings(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
