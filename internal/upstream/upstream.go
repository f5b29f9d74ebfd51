// Package upstream wraps a miekg/dns client for forwarding queries to a
// real recursive or authoritative resolver. It is the sole component
// permitted to hit the network for record types the gateway does not
// synthesize itself.
package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// Client issues DNS queries against a fixed upstream server, retrying over
// TCP when the UDP response is truncated.
type Client struct {
	addr    string
	timeout time.Duration
	udp     *dns.Client
	tcp     *dns.Client
}

// New creates a Client targeting addr (host:port).
func New(addr string, timeout time.Duration) *Client {
	return &Client{
		addr:    addr,
		timeout: timeout,
		udp:     &dns.Client{Net: "udp", Timeout: timeout},
		tcp:     &dns.Client{Net: "tcp", Timeout: timeout},
	}
}

// Exchange forwards req to the upstream server and returns its response,
// retrying over TCP if the UDP reply sets the Truncated bit.
func (c *Client) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	resp, _, err := c.udp.ExchangeContext(ctx, req, c.addr)
	if err != nil {
		return nil, fmt.Errorf("upstream: udp exchange: %w", err)
	}

	if resp.Truncated {
		resp, _, err = c.tcp.ExchangeContext(ctx, req, c.addr)
		if err != nil {
			return nil, fmt.Errorf("upstream: tcp retry: %w", err)
		}
	}

	return resp, nil
}
