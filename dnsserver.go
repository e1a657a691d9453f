package vnet

//
// DNS server
//

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/miekg/dns"
)

// DNSRecord is a DNS record in the [DNSConfiguration].
type DNSRecord struct {
	// A is the A resource record.
	A []net.IP

	// CNAME is the CNAME.
	CNAME string
}

// DNSConfiguration is the DNS configuration to use. The zero
// value is invalid; please use [NewDNSConfiguration].
type DNSConfiguration struct {
	mu sync.Mutex
	r  map[string]*DNSRecord
}

// NewDNSConfiguration constructs a [DNSConfiguration] instance.
func NewDNSConfiguration() *DNSConfiguration {
	return &DNSConfiguration{
		mu: sync.Mutex{},
		r:  map[string]*DNSRecord{},
	}
}

// ErrNotIPAddress indicates that a string is not a serialized IP address.
var ErrNotIPAddress = errors.New("vnet: not a valid IP address")

// AddRecord adds a record to the DNS server's database or returns an error.
func (dc *DNSConfiguration) AddRecord(domain string, cname string, addrs ...string) error {
	var a []net.IP
	for _, addr := range addrs {
		ip := net.ParseIP(addr)
		if ip == nil {
			return ErrNotIPAddress
		}
		a = append(a, ip)
	}
	if cname != "" {
		cname = dns.CanonicalName(cname)
	}
	dc.mu.Lock()
	dc.r[dns.CanonicalName(domain)] = &DNSRecord{
		A:     a,
		CNAME: cname,
	}
	dc.mu.Unlock()
	return nil
}

// RemoveRecord removes a record from the DNS server's database.
func (dc *DNSConfiguration) RemoveRecord(domain string) {
	dc.mu.Lock()
	delete(dc.r, dns.CanonicalName(domain))
	dc.mu.Unlock()
}

// Lookup searches a name inside the [DNSConfiguration].
func (dc *DNSConfiguration) Lookup(name string) (*DNSRecord, bool) {
	defer dc.mu.Unlock()
	dc.mu.Lock()
	record, found := dc.r[dns.CanonicalName(name)]
	return record, found
}

// StaticResolver is a [Resolver] answering from a [DNSConfiguration].
type StaticResolver struct {
	// Config is the MANDATORY configuration.
	Config *DNSConfiguration
}

var _ Resolver = &StaticResolver{}

// LookupHost implements Resolver.
func (r *StaticResolver) LookupHost(ctx context.Context, domain string) ([]string, error) {
	rr, found := r.Config.Lookup(domain)
	if !found || len(rr.A) <= 0 {
		return nil, &net.DNSError{Err: ErrDNSNoSuchHost.Error(), Name: domain, IsNotFound: true}
	}
	var addrs []string
	for _, ip := range rr.A {
		addrs = append(addrs, ip.String())
	}
	return addrs, nil
}

// DoHHandler answers RFC 8484 POST queries from a [DNSConfiguration]. It
// implements both [http.Handler] and [HTTPHandler]. The zero value is
// invalid; please use [NewDoHHandler].
type DoHHandler struct {
	config *DNSConfiguration
	logger Logger
}

var (
	_ http.Handler = &DoHHandler{}
	_ HTTPHandler  = &DoHHandler{}
)

// NewDoHHandler creates a new [DoHHandler].
func NewDoHHandler(logger Logger, config *DNSConfiguration) *DoHHandler {
	return &DoHHandler{
		config: config,
		logger: logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *DoHHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rawQuery, err := io.ReadAll(io.LimitReader(r.Body, dns.MaxMsgSize))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	rawResponse, err := dnsServerRoundTrip(h.config, rawQuery)
	if err != nil {
		h.logger.Warnf("vnet: dnsServerRoundTrip: %s", err.Error())
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", dohMediaType)
	w.Write(rawResponse)
}

// ServeVirtualHTTP implements HTTPHandler.
func (h *DoHHandler) ServeVirtualHTTP(res *OutgoingResponse, req *IncomingMessage) {
	if req.Method() != http.MethodPost {
		res.SetStatusCode(http.StatusMethodNotAllowed)
		res.End(nil)
		return
	}
	req.OnEnd(func() {
		rawResponse, err := dnsServerRoundTrip(h.config, req.Body())
		if err != nil {
			h.logger.Warnf("vnet: dnsServerRoundTrip: %s", err.Error())
			res.SetStatusCode(http.StatusBadRequest)
			res.End(nil)
			return
		}
		res.SetHeader("Content-Type", dohMediaType)
		res.End(rawResponse)
	})
}

// dnsServerRoundTrip responds to a raw DNS query with a raw DNS response.
func dnsServerRoundTrip(config *DNSConfiguration, rawQuery []byte) ([]byte, error) {
	// parse incoming query
	query := &dns.Msg{}
	if err := query.Unpack(rawQuery); err != nil {
		return nil, err
	}

	// reject blatantly wrong queries
	if query.Response || len(query.Question) != 1 {
		resp := &dns.Msg{}
		resp.SetRcode(query, dns.RcodeRefused)
		return Must1(resp.Pack()), nil
	}

	// find the corresponding record
	q0 := query.Question[0]
	if q0.Qclass != dns.ClassINET {
		resp := &dns.Msg{}
		resp.SetRcode(query, dns.RcodeRefused)
		return Must1(resp.Pack()), nil
	}
	rr, found := config.Lookup(q0.Name)

	// handle the NXDOMAIN case
	if !found {
		resp := &dns.Msg{}
		resp.SetRcode(query, dns.RcodeNameError)
		return Must1(resp.Pack()), nil
	}

	return dnsServerNewSuccessfulResponse(query, q0, rr)
}

// dnsServerNewSuccessfulResponse constructs a successful response.
func dnsServerNewSuccessfulResponse(query *dns.Msg, q0 dns.Question, rr *DNSRecord) ([]byte, error) {
	// fill the response
	resp := &dns.Msg{}
	resp.SetReply(query)

	// insert A entries if needed
	if q0.Qtype == dns.TypeA {
		for _, addr := range rr.A {
			if addr.To4() == nil {
				continue
			}
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name:   q0.Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    3600,
				},
				A: addr,
			})
		}
	}

	// insert a CNAME entry if needed
	if rr.CNAME != "" {
		resp.Answer = append(resp.Answer, &dns.CNAME{
			Hdr: dns.RR_Header{
				Name:   q0.Name,
				Rrtype: dns.TypeCNAME,
				Class:  dns.ClassINET,
				Ttl:    3600,
			},
			Target: rr.CNAME,
		})
	}

	return resp.Pack()
}
