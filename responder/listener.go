package responder

import (
	"errors"
	"net"
	"strings"

	mdnsd "github.com/devgianlu/go-mdnsd"
	"github.com/hashicorp/mdns"
	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"
)

const (
	// qClassUnicast is the top bit of the question class, RFC 6762 section 18.12
	qClassUnicast = 1 << 15

	// legacyUnicastTTL caps record TTLs in replies to legacy resolvers, RFC 6762 section 6.7
	legacyUnicastTTL = 10
)

// ListenerConfig is everything a Listener needs to answer queries on a socket.
type ListenerConfig struct {
	Conn    *ipv4.PacketConn
	IfIndex int
	Zone    mdns.Zone
	Log     mdnsd.Logger
}

// Listener reads queries from a socket and answers them from a zone.
type Listener interface {
	// Serve blocks until the socket is closed. A nil error means the socket was
	// closed on purpose, anything else is a failure of the socket itself.
	Serve(cfg ListenerConfig) error
}

type queryListener struct {
	legacyUnicast bool
}

// NewMulticastListener returns the stock listener: questions with the unicast-response
// bit are answered to the sender, everything else to the multicast group. Queries coming
// from legacy resolvers (source port other than 5353) therefore never get an answer
// the resolver will read.
func NewMulticastListener() Listener {
	return &queryListener{}
}

// NewLegacyUnicastListener returns a listener that also answers legacy unicast
// queries directly, echoing the query ID and questions.
func NewLegacyUnicastListener() Listener {
	return &queryListener{legacyUnicast: true}
}

type reply struct {
	msg  *dns.Msg
	dest *net.UDPAddr
}

func (l *queryListener) Serve(cfg ListenerConfig) error {
	log := mdnsd.LoggerOrNull(cfg.Log)

	buf := make([]byte, 65536)
	for {
		n, cm, from, err := cfg.Conn.ReadFrom(buf)
		if errors.Is(err, net.ErrClosed) {
			return nil
		} else if err != nil {
			return err
		}

		if cm != nil && cfg.IfIndex != 0 && cm.IfIndex != 0 && cm.IfIndex != cfg.IfIndex {
			continue
		}

		var query dns.Msg
		if err := query.Unpack(buf[:n]); err != nil {
			log.WithError(err).Tracef("dropping malformed mdns packet from %s", from)
			continue
		}

		if query.Response || query.Opcode != dns.OpcodeQuery {
			continue
		}

		udpFrom, _ := from.(*net.UDPAddr)
		for _, r := range l.answer(cfg.Zone, &query, udpFrom) {
			packed, err := r.msg.Pack()
			if err != nil {
				log.WithError(err).Warnf("failed packing mdns reply")
				continue
			}

			if _, err := cfg.Conn.WriteTo(packed, nil, r.dest); err != nil {
				log.WithError(err).Debugf("failed sending mdns reply to %s", r.dest)
			}
		}
	}
}

func isLegacyQuery(from *net.UDPAddr) bool {
	return from != nil && from.Port != mdnsPort
}

func (l *queryListener) answer(zone mdns.Zone, query *dns.Msg, from *net.UDPAddr) []reply {
	legacy := l.legacyUnicast && isLegacyQuery(from)

	var multicastRecords, unicastRecords []dns.RR
	for _, q := range query.Question {
		unicast := q.Qclass&qClassUnicast != 0
		q.Qclass &^= qClassUnicast

		records := zone.Records(q)
		if len(records) == 0 {
			continue
		}

		if (legacy || unicast) && from != nil {
			unicastRecords = append(unicastRecords, records...)
		} else {
			multicastRecords = append(multicastRecords, records...)
		}
	}

	var replies []reply
	if len(multicastRecords) > 0 {
		replies = append(replies, reply{msg: newResponse(multicastRecords), dest: mdnsGroupIPv4})
	}

	if len(unicastRecords) > 0 {
		msg := newResponse(unicastRecords)
		if legacy {
			msg.Id = query.Id
			msg.Question = query.Question
			for _, rr := range msg.Answer {
				if rr.Header().Ttl > legacyUnicastTTL {
					rr.Header().Ttl = legacyUnicastTTL
				}
			}
		}

		replies = append(replies, reply{msg: msg, dest: from})
	}

	return replies
}

func newResponse(records []dns.RR) *dns.Msg {
	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true
	msg.Compress = true
	msg.Answer = dedupeRecords(records)
	return msg
}

func dedupeRecords(records []dns.RR) []dns.RR {
	seen := make(map[string]struct{}, len(records))
	out := make([]dns.RR, 0, len(records))
	for _, rr := range records {
		key := strings.ToLower(rr.String())
		if _, ok := seen[key]; ok {
			continue
		}

		seen[key] = struct{}{}
		out = append(out, dns.Copy(rr))
	}
	return out
}
