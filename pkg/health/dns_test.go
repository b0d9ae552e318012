package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDNSServer(t *testing.T, rcode int) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		msg := &dns.Msg{}
		msg.SetReply(r)
		msg.Rcode = rcode
		if rcode == dns.RcodeSuccess {
			msg.Answer = append(msg.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.IPv4(8, 8, 8, 8),
			})
		}
		_ = w.WriteMsg(msg)
	})

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = server.ActivateAndServe() }()
	t.Cleanup(func() { _ = server.Shutdown() })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func TestDNSChecker_Answers(t *testing.T) {
	addr := startDNSServer(t, dns.RcodeSuccess)

	result := NewDNSChecker(addr).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)
	assert.Contains(t, result.Message, "1 answers")
	assert.Equal(t, CheckTypeDNS, NewDNSChecker(addr).Type())
}

func TestDNSChecker_ServerFailure(t *testing.T) {
	addr := startDNSServer(t, dns.RcodeServerFailure)

	result := NewDNSChecker(addr).WithName("example.org").Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "SERVFAIL")
}

func TestDNSChecker_NoServer(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())

	result := NewDNSChecker(addr).WithTimeout(200 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
}
