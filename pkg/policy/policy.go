// Package policy turns a block decision into the DNS response sent back to
// the client.
package policy

import (
	"net"
	"strings"

	"github.com/miekg/dns"
)

// BlockTTL is the TTL, in seconds, of every synthesized answer record.
const BlockTTL = 60

// Mode selects how blocked queries are answered.
type Mode string

const (
	// ModeNX answers NXDOMAIN with no records.
	ModeNX Mode = "nx"
	// ModeNull answers with an A record pointing at 0.0.0.0.
	ModeNull Mode = "null"
	// ModeRedirect answers with an A record pointing at the redirect target.
	ModeRedirect Mode = "redirect"
)

// ParseMode maps s to a Mode. Anything unrecognized becomes ModeNX.
func ParseMode(s string) Mode {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return ModeNX
	}
	return m
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m == ModeNX || m == ModeNull || m == ModeRedirect
}

func (m Mode) String() string {
	return string(m)
}

// Synthesize builds the response to a blocked request. The reply keeps the
// request id, opcode and first question; at most one answer is added, for
// that first question only.
//
//	null                         NOERROR, A 0.0.0.0
//	redirect with IPv4 target    NOERROR, A target
//	redirect without target      NXDOMAIN
//	nx and anything else         NXDOMAIN
func Synthesize(req *dns.Msg, mode Mode, target net.IP) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.RecursionAvailable = true

	var answerIP net.IP
	switch mode {
	case ModeNull:
		answerIP = net.IPv4zero
	case ModeRedirect:
		answerIP = target.To4()
	}

	if answerIP == nil || len(req.Question) == 0 {
		resp.Rcode = dns.RcodeNameError
		return resp
	}

	addARecord(resp, req.Question[0].Name, answerIP)
	return resp
}

func addARecord(msg *dns.Msg, domain string, ip net.IP) {
	rr := &dns.A{
		Hdr: dns.RR_Header{
			Name:   domain,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    BlockTTL,
		},
		A: ip.To4(),
	}
	msg.Answer = append(msg.Answer, rr)
}
