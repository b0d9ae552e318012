package health

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// DefaultProbeName is resolved by DNSChecker when no name is configured
const DefaultProbeName = "dns.google."

// DNSChecker reports healthy when a resolver answers an A query
type DNSChecker struct {
	// Server is the resolver address (e.g. "8.8.8.8:53")
	Server string

	// Name is the fully qualified name to resolve
	Name string

	// Net is "udp" or "tcp"
	Net string

	// Timeout bounds the whole exchange (default: 2 seconds)
	Timeout time.Duration
}

// NewDNSChecker creates a DNS checker querying server over UDP
func NewDNSChecker(server string) *DNSChecker {
	return &DNSChecker{
		Server:  server,
		Name:    DefaultProbeName,
		Net:     "udp",
		Timeout: 2 * time.Second,
	}
}

// Check sends one A query and inspects the response code
func (d *DNSChecker) Check(ctx context.Context) Result {
	start := time.Now()

	msg := &dns.Msg{}
	msg.SetQuestion(dns.Fqdn(d.Name), dns.TypeA)
	msg.RecursionDesired = true

	client := &dns.Client{Net: d.Net, Timeout: d.Timeout}
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	resp, rtt, err := client.ExchangeContext(ctx, msg, d.Server)
	if err != nil {
		return d.result(start, false, fmt.Sprintf("query failed: %v", err))
	}
	if resp.Rcode != dns.RcodeSuccess {
		return d.result(start, false, fmt.Sprintf("resolver answered %s", dns.RcodeToString[resp.Rcode]))
	}
	return d.result(start, true, fmt.Sprintf("resolved %s via %s in %s (%d answers)", d.Name, d.Server, rtt, len(resp.Answer)))
}

func (d *DNSChecker) result(start time.Time, healthy bool, message string) Result {
	return Result{
		Healthy:   healthy,
		Message:   message,
		Target:    d.Server,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (d *DNSChecker) Type() CheckType {
	return CheckTypeDNS
}

// WithName sets the name to resolve
func (d *DNSChecker) WithName(name string) *DNSChecker {
	d.Name = name
	return d
}

// WithTimeout sets the exchange timeout
func (d *DNSChecker) WithTimeout(timeout time.Duration) *DNSChecker {
	d.Timeout = timeout
	return d
}
