package proxy

import (
	"context"
	"net"
	"sync/atomic"
	"time"
)

// DNSConfig points upstream name resolution at specific nameservers instead
// of the system resolver.
type DNSConfig struct {
	Nameservers []string      `yaml:"nameservers"`
	Timeout     time.Duration `yaml:"timeout"`
}

// newDNSResolver returns a resolver that rotates across the configured
// nameservers, or nil to use the system default.
func newDNSResolver(cfg DNSConfig) *net.Resolver {
	if len(cfg.Nameservers) == 0 {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	servers := append([]string(nil), cfg.Nameservers...)
	var next atomic.Uint64
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			ns := servers[(next.Add(1)-1)%uint64(len(servers))]
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, network, ns)
		},
	}
}
