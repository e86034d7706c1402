//go:build test_unit

package responder

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testZone(t *testing.T) mdns.Zone {
	svc, err := mdns.NewMDNSService("sillytavern", "_http._tcp", "local.", "sillytavern.local.", 8000,
		[]net.IP{net.ParseIP("192.168.1.5")}, []string{"path=/"})
	require.NoError(t, err)

	z := &zone{}
	z.add(svc)
	return z
}

func ptrQuery(id uint16, unicast bool) *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion("_http._tcp.local.", dns.TypePTR)
	q.Id = id
	if unicast {
		q.Question[0].Qclass |= qClassUnicast
	}
	return q
}

func TestStockListenerIgnoresLegacyQueries(t *testing.T) {
	from := &net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: 49152}
	query := ptrQuery(1234, false)

	replies := NewMulticastListener().(*queryListener).answer(testZone(t), query, from)
	require.Len(t, replies, 1)

	// the legacy resolver waits for a reply on its own port that never comes
	assert.Equal(t, mdnsGroupIPv4, replies[0].dest)
	assert.Zero(t, replies[0].msg.Id)
	assert.Empty(t, replies[0].msg.Question)
}

func TestLegacyListenerAnswersDirectly(t *testing.T) {
	from := &net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: 49152}
	query := ptrQuery(1234, false)

	replies := NewLegacyUnicastListener().(*queryListener).answer(testZone(t), query, from)
	require.Len(t, replies, 1)

	r := replies[0]
	assert.Equal(t, from, r.dest)
	assert.Equal(t, uint16(1234), r.msg.Id)
	assert.Equal(t, query.Question, r.msg.Question)
	assert.True(t, r.msg.Response)
	require.NotEmpty(t, r.msg.Answer)

	var ptr *dns.PTR
	for _, rr := range r.msg.Answer {
		assert.LessOrEqual(t, rr.Header().Ttl, uint32(legacyUnicastTTL))
		if p, ok := rr.(*dns.PTR); ok {
			ptr = p
		}
	}

	require.NotNil(t, ptr)
	assert.Equal(t, "sillytavern._http._tcp.local.", ptr.Ptr)

	// the reply must survive a round trip on the wire
	packed, err := r.msg.Pack()
	require.NoError(t, err)
	var unpacked dns.Msg
	require.NoError(t, unpacked.Unpack(packed))
	assert.Equal(t, uint16(1234), unpacked.Id)
}

func TestLegacyListenerKeepsMulticastSemantics(t *testing.T) {
	from := &net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: mdnsPort}
	l := NewLegacyUnicastListener().(*queryListener)

	replies := l.answer(testZone(t), ptrQuery(0, false), from)
	require.Len(t, replies, 1)
	assert.Equal(t, mdnsGroupIPv4, replies[0].dest)

	replies = l.answer(testZone(t), ptrQuery(0, true), from)
	require.Len(t, replies, 1)
	assert.Equal(t, from, replies[0].dest)
	assert.Empty(t, replies[0].msg.Question)
	for _, rr := range replies[0].msg.Answer {
		assert.Greater(t, rr.Header().Ttl, uint32(legacyUnicastTTL))
	}
}

func TestListenerUnknownName(t *testing.T) {
	from := &net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: 49152}
	query := new(dns.Msg)
	query.SetQuestion("_ipp._tcp.local.", dns.TypePTR)

	assert.Empty(t, NewLegacyUnicastListener().(*queryListener).answer(testZone(t), query, from))
}

func TestZoneRemove(t *testing.T) {
	svc, err := mdns.NewMDNSService("a", "_http._tcp", "local.", "a.local.", 80,
		[]net.IP{net.ParseIP("10.0.0.1")}, nil)
	require.NoError(t, err)

	z := &zone{}
	z.add(svc)
	q := dns.Question{Name: "_http._tcp.local.", Qtype: dns.TypePTR, Qclass: dns.ClassINET}
	assert.NotEmpty(t, z.Records(q))

	z.remove(svc)
	assert.Empty(t, z.Records(q))

	z.add(svc)
	assert.Len(t, z.clear(), 1)
	assert.Empty(t, z.Records(q))
}

func TestDedupeRecords(t *testing.T) {
	a, err := dns.NewRR("host.local. 120 IN A 10.0.0.1")
	require.NoError(t, err)
	b, err := dns.NewRR("HOST.local. 120 IN A 10.0.0.1")
	require.NoError(t, err)

	assert.Len(t, dedupeRecords([]dns.RR{a, b}), 1)
}
