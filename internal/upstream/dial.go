// Package upstream dials the real destination a MITM Bridge connection
// targets. It resolves A records before AAAA using miekg/dns directly,
// rather than the opaque happy-eyeballs order net.Dialer otherwise
// applies.
package upstream

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Dialer resolves hostnames to IPv4-preferred addresses and dials them.
type Dialer struct {
	dnsClient *dns.Client
	net       net.Dialer
	resolvers []string
}

// NewDialer builds a Dialer using the host's /etc/resolv.conf, falling
// back to the net package's own resolver if that file cannot be read
// (e.g. in minimal containers).
func NewDialer() *Dialer {
	d := &Dialer{
		dnsClient: &dns.Client{Net: "udp", Timeout: 3 * time.Second},
	}
	if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
		for _, server := range cfg.Servers {
			d.resolvers = append(d.resolvers, net.JoinHostPort(server, cfg.Port))
		}
	}
	return d
}

// Dial resolves host (a no-op if host is already a literal IP) and
// returns a TCP connection to host:port.
func (d *Dialer) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	if ip := net.ParseIP(host); ip != nil {
		return d.net.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	}

	ip, err := d.resolve(host)
	if err != nil {
		return nil, fmt.Errorf("upstream: resolve %s: %w", host, err)
	}

	return d.net.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), fmt.Sprint(port)))
}

// resolve queries A records first, then AAAA, against each configured
// resolver in turn, and falls back to net.DefaultResolver when no
// resolv.conf servers were found.
func (d *Dialer) resolve(host string) (net.IP, error) {
	if len(d.resolvers) == 0 {
		return d.resolveViaSystemResolver(host)
	}

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		for _, server := range d.resolvers {
			ip, err := d.exchange(host, qtype, server)
			if err == nil && ip != nil {
				return ip, nil
			}
		}
	}
	return nil, fmt.Errorf("upstream: no address records for %s", host)
}

func (d *Dialer) exchange(host string, qtype uint16, server string) (net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, _, err := d.dnsClient.Exchange(msg, server)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("upstream: empty response from %s", server)
	}

	for _, ans := range resp.Answer {
		switch rec := ans.(type) {
		case *dns.A:
			return rec.A, nil
		case *dns.AAAA:
			return rec.AAAA, nil
		}
	}
	return nil, nil
}

func (d *Dialer) resolveViaSystemResolver(host string) (net.IP, error) {
	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip4", host)
	if err == nil && len(ips) > 0 {
		return ips[0], nil
	}
	ips, err = net.DefaultResolver.LookupIP(context.Background(), "ip6", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("upstream: no address records for %s", host)
	}
	return ips[0], nil
}
