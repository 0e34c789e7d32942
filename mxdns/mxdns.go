// Package mxdns provides DNS utilities for email servers: DNS-based
// blocklists, reverse DNS lookups, and forward-confirmed reverse DNS
// checks.
//
// Because the common blocklists are IPv4 based, IPv6 addresses are
// converted to IPv4 where possible and otherwise reported as unlisted.
package mxdns

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// DefaultTimeout bounds a single DNS query.
const DefaultTimeout = 5 * time.Second

// ErrNoNameservers is returned when no usable resolver could be found.
var ErrNoNameservers = errors.New("mxdns: no nameservers configured")

// MxDns looks up IP addresses on blocklists and does reverse DNS.
// It is safe for concurrent use.
type MxDns struct {
	client      *mdns.Client
	nameservers []string
	blocklists  []string
	retries     int
}

// New creates an MxDns using the system resolver configuration and the
// given blocklist zones (e.g. "zen.spamhaus.org.").
func New(blocklists []string) (*MxDns, error) {
	config, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(config.Servers) == 0 {
		return nil, ErrNoNameservers
	}
	servers := make([]string, 0, len(config.Servers))
	for _, s := range config.Servers {
		servers = append(servers, withPort(s))
	}
	return WithNameservers(servers, blocklists), nil
}

// WithNameservers creates an MxDns that queries the given servers
// ("ip:port" or bare IP) instead of the system resolvers.
func WithNameservers(nameservers, blocklists []string) *MxDns {
	servers := make([]string, 0, len(nameservers))
	for _, s := range nameservers {
		servers = append(servers, withPort(s))
	}
	return &MxDns{
		client:      &mdns.Client{Timeout: DefaultTimeout},
		nameservers: servers,
		blocklists:  blocklists,
		retries:     2,
	}
}

func withPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err != nil {
		return net.JoinHostPort(server, "53")
	}
	return server
}

// ListResult is the outcome of checking one blocklist zone.
type ListResult struct {
	Zone    string
	Blocked bool
	Err     error
}

// OnBlocklists queries every configured blocklist for the given address
// and returns one result per zone.
func (m *MxDns) OnBlocklists(ip net.IP) []ListResult {
	results := make([]ListResult, 0, len(m.blocklists))
	for _, zone := range m.blocklists {
		blocked, err := m.onBlocklist(ip, zone)
		results = append(results, ListResult{Zone: zone, Blocked: blocked, Err: err})
	}
	return results
}

// IsBlocked reports whether the address is listed on any configured
// blocklist. Zones that fail to answer count as not listed.
func (m *MxDns) IsBlocked(ip net.IP) bool {
	for _, res := range m.OnBlocklists(ip) {
		if res.Err == nil && res.Blocked {
			return true
		}
	}
	return false
}

func (m *MxDns) onBlocklist(ip net.IP, zone string) (bool, error) {
	v4 := ip.To4()
	if v4 == nil {
		// Blocklists are IPv4 only.
		return false, nil
	}
	name := fmt.Sprintf("%d.%d.%d.%d.%s", v4[3], v4[2], v4[1], v4[0], ensureAbsolute(zone))
	answers, err := m.query(name, mdns.TypeA)
	if err != nil {
		return false, err
	}
	return len(answers) > 0, nil
}

// ReverseDns looks up the PTR name of the given address. An empty string
// with a nil error means the address has no reverse entry.
func (m *MxDns) ReverseDns(ip net.IP) (string, error) {
	reversed, err := mdns.ReverseAddr(ip.String())
	if err != nil {
		return "", fmt.Errorf("mxdns: cannot reverse %v: %w", ip, err)
	}
	answers, err := m.query(reversed, mdns.TypePTR)
	if err != nil {
		return "", err
	}
	for _, rr := range answers {
		if ptr, ok := rr.(*mdns.PTR); ok {
			return ptr.Ptr, nil
		}
	}
	return "", nil
}

// FCrDNS is the result of a forward-confirmed reverse DNS check.
type FCrDNS struct {
	// Name is the reverse DNS name, empty when the address has none.
	Name string
	// Confirmed is set when the name resolves back to the original
	// address.
	Confirmed bool
}

// IsConfirmed reports whether the reverse name was forward confirmed.
func (f FCrDNS) IsConfirmed() bool { return f.Confirmed }

// Fcrdns performs a forward-confirmed reverse DNS check: the reverse name
// of the address is resolved forward again and must contain the original
// address.
func (m *MxDns) Fcrdns(ip net.IP) (FCrDNS, error) {
	name, err := m.ReverseDns(ip)
	if err != nil || name == "" {
		return FCrDNS{}, err
	}
	qtype := uint16(mdns.TypeA)
	if ip.To4() == nil {
		qtype = mdns.TypeAAAA
	}
	answers, err := m.query(ensureAbsolute(name), qtype)
	if err != nil {
		return FCrDNS{Name: name}, err
	}
	for _, rr := range answers {
		var forward net.IP
		switch a := rr.(type) {
		case *mdns.A:
			forward = a.A
		case *mdns.AAAA:
			forward = a.AAAA
		}
		if forward != nil && forward.Equal(ip) {
			return FCrDNS{Name: name, Confirmed: true}, nil
		}
	}
	return FCrDNS{Name: name}, nil
}

// query tries each nameserver in turn with bounded retries and returns the
// answer section.
func (m *MxDns) query(name string, qtype uint16) ([]mdns.RR, error) {
	if len(m.nameservers) == 0 {
		return nil, ErrNoNameservers
	}
	msg := new(mdns.Msg)
	msg.SetQuestion(ensureAbsolute(name), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for attempt := 0; attempt <= m.retries; attempt++ {
		for _, server := range m.nameservers {
			reply, _, err := m.client.Exchange(msg, server)
			if err != nil {
				lastErr = err
				continue
			}
			switch reply.Rcode {
			case mdns.RcodeSuccess:
				return reply.Answer, nil
			case mdns.RcodeNameError:
				// NXDOMAIN: a definitive empty answer.
				return nil, nil
			default:
				lastErr = fmt.Errorf("mxdns: query %s returned %s", name, mdns.RcodeToString[reply.Rcode])
			}
		}
	}
	return nil, fmt.Errorf("mxdns: all nameservers failed for %s: %w", name, lastErr)
}

func ensureAbsolute(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
