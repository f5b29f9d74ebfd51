// Package dnsserver implements the DNS wire server: the UDP and TCP
// listener loops that accept raw DNS queries, validate them, hand them to
// the rule-based resolver, and write back a response.
package dnsserver

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/miekg/dns"
	gocache "github.com/patrickmn/go-cache"

	"github.com/quietfox/tungate/internal/resolver"
	"github.com/quietfox/tungate/internal/stats"
)

// Server serves DNS over UDP and TCP, invoking a Resolver for every valid
// query.
type Server struct {
	resolver *resolver.Resolver
	stats    *stats.Manager
	sema     chan struct{}

	// ratelimitBuckets tracks a per-client-IP query count over a one-second
	// window that starts at the client's first query, evicted automatically
	// on expiry.
	ratelimitBuckets *gocache.Cache
	ratelimitPerSec  int

	udp *dns.Server
	tcp *dns.Server
}

// numQueries, numAnswers track aggregate traffic for logging, mirroring the
// counters the teacher keeps alongside its stats manager.
var (
	numQueries atomic.Uint64
	numAnswers atomic.Uint64
)

// New creates a Server bound to addr (host:port) for both UDP and TCP.
// maxConcurrent bounds how many queries are processed at once; queries
// beyond that wait in their request goroutine for a free slot before being
// resolved. ratelimitPerSec bounds how many queries a
// single client IP may issue per second; 0 disables the limit.
func New(addr string, r *resolver.Resolver, st *stats.Manager, maxConcurrent int, ratelimitPerSec int) *Server {
	if maxConcurrent <= 0 {
		maxConcurrent = 256
	}

	s := &Server{
		resolver:         r,
		stats:            st,
		sema:             make(chan struct{}, maxConcurrent),
		ratelimitBuckets: gocache.New(time.Second, 2*time.Second),
		ratelimitPerSec:  ratelimitPerSec,
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handle)

	s.udp = &dns.Server{Addr: addr, Net: "udp", Handler: mux}
	s.tcp = &dns.Server{Addr: addr, Net: "tcp", Handler: mux}

	return s
}

// Start launches the UDP and TCP listener loops in the background. Call
// Shutdown to stop them.
func (s *Server) Start() error {
	errCh := make(chan error, 2)
	go func() { errCh <- s.udp.ListenAndServe() }()
	go func() { errCh <- s.tcp.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-time.After(200 * time.Millisecond):
		return nil
	}
}

// Shutdown stops both listeners, waiting up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.udp.ShutdownContext(ctx); err != nil {
		return err
	}
	return s.tcp.ShutdownContext(ctx)
}

func (s *Server) handle(w dns.ResponseWriter, req *dns.Msg) {
	s.sema <- struct{}{}
	defer func() { <-s.sema }()

	numQueries.Add(1)
	s.stats.Incr("dns::queries", 1)

	if req.Response || len(req.Question) == 0 {
		return
	}

	if s.rateLimited(w) {
		resp := new(dns.Msg)
		resp.SetRcode(req, dns.RcodeRefused)
		_ = w.WriteMsg(resp)
		s.stats.Incr("dns::ratelimited", 1)
		return
	}

	logDNSMessage(req, "req")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		log.Error("dnsserver: resolving %s: %v", req.Question[0].Name, err)
		resp = new(dns.Msg)
		resp.SetRcode(req, dns.RcodeServerFailure)
	}

	numAnswers.Add(1)
	s.stats.Incr("dns::answers", 1)
	logDNSMessage(resp, "resp")

	if _, ok := w.RemoteAddr().(*net.UDPAddr); ok {
		size := dns.MinMsgSize
		if opt := req.IsEdns0(); opt != nil {
			size = int(opt.UDPSize())
		}
		resp.Truncate(size)
	}

	if err = w.WriteMsg(resp); err != nil {
		log.Error("dnsserver: writing response: %v", err)
	}
}

// rateLimited bumps the per-client counter for the requesting IP and
// reports whether it has exceeded the configured per-second budget.
func (s *Server) rateLimited(w dns.ResponseWriter) bool {
	if s.ratelimitPerSec <= 0 {
		return false
	}

	host, _, err := net.SplitHostPort(w.RemoteAddr().String())
	if err != nil {
		host = w.RemoteAddr().String()
	}

	n, incErr := s.ratelimitBuckets.IncrementInt(host, 1)
	if incErr != nil {
		s.ratelimitBuckets.Set(host, 1, gocache.DefaultExpiration)
		n = 1
	}

	return n > s.ratelimitPerSec
}

func logDNSMessage(m *dns.Msg, label string) {
	if len(m.Question) == 0 {
		log.Debug("dnsserver: %s id=%d no question", label, m.Id)
		return
	}
	log.Debug("dnsserver: %s id=%d %s %s", label, m.Id, m.Question[0].Name, dns.TypeToString[m.Question[0].Qtype])
}
