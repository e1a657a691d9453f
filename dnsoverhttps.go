package vnet

//
// DNS-over-HTTPS client code
//

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/miekg/dns"
)

// dohMediaType is the RFC 8484 media type.
const dohMediaType = "application/dns-message"

// DoHResolver is a [Resolver] using DNS-over-HTTPS (RFC 8484) through
// a [HostHTTP] primitive. The zero value is invalid; please init all
// the MANDATORY fields.
type DoHResolver struct {
	// HTTP is the MANDATORY HTTP primitive.
	HTTP HostHTTP

	// URL is the MANDATORY server URL (e.g., https://dns.google/dns-query).
	URL string
}

var _ Resolver = &DoHResolver{}

// LookupHost implements Resolver.
func (r *DoHResolver) LookupHost(ctx context.Context, domain string) ([]string, error) {
	query := DNSNewRequestA(domain)
	resp, err := r.RoundTrip(ctx, query)
	if err != nil {
		return nil, &net.DNSError{Err: err.Error(), Name: domain, Server: r.URL}
	}
	addrs, _, err := DNSParseResponse(query, resp)
	if err != nil {
		return nil, &net.DNSError{
			Err:        err.Error(),
			Name:       domain,
			Server:     r.URL,
			IsNotFound: errors.Is(err, ErrDNSNoSuchHost) || errors.Is(err, ErrDNSNoAnswer),
		}
	}
	return addrs, nil
}

// RoundTrip sends query to the server and returns the response.
func (r *DoHResolver) RoundTrip(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	// serialize the DNS query
	rawQuery, err := query.Pack()
	if err != nil {
		return nil, err
	}

	// send the query
	hreq := &HostRequest{
		URL:    r.URL,
		Method: http.MethodPost,
		Header: NewHeader(
			HeaderField{Name: "Content-Type", Value: dohMediaType},
			HeaderField{Name: "Accept", Value: dohMediaType},
		),
		Body: rawQuery,
	}
	hresp, err := r.HTTP.RoundTrip(ctx, hreq)
	if err != nil {
		return nil, err
	}
	if hresp.Status != http.StatusOK {
		return nil, fmt.Errorf("%w: http status %d", ErrDNSServerMisbehaving, hresp.Status)
	}
	if hresp.Header.Get("Content-Type") != dohMediaType {
		return nil, fmt.Errorf("%w: unexpected content-type", ErrDNSServerMisbehaving)
	}

	// unmarshal the response
	response := &dns.Msg{}
	if err := response.Unpack(hresp.Body); err != nil {
		return nil, err
	}
	return response, nil
}

// ErrDNSNoAnswer is returned when the server response does not contain any
// answer for the original query (i.e., no IPv4 addresses).
var ErrDNSNoAnswer = errors.New("vnet: dns: no answer from DNS server")

// ErrDNSNoSuchHost is returned in case of NXDOMAIN.
var ErrDNSNoSuchHost = errors.New("vnet: dns: no such host")

// ErrDNSServerMisbehaving is the error we return for cases different from NXDOMAIN.
var ErrDNSServerMisbehaving = errors.New("vnet: dns: server misbehaving")

// DNSParseResponse parses a [dns.Msg] into a getaddrinfo response
func DNSParseResponse(query, resp *dns.Msg) ([]string, string, error) {
	// make sure resp is a response and relates to the original query ID
	if !resp.Response {
		return nil, "", ErrDNSServerMisbehaving
	}
	if resp.Id != query.Id {
		return nil, "", ErrDNSServerMisbehaving
	}

	// attempt to map errors like the Go standard library would do
	switch resp.Rcode {
	case dns.RcodeSuccess:
		// continue processing the response
	case dns.RcodeNameError:
		return nil, "", ErrDNSNoSuchHost
	default:
		return nil, "", ErrDNSServerMisbehaving
	}

	// search for A answers and CNAME
	var (
		A     []string
		CNAME string
	)
	for _, answer := range resp.Answer {
		switch v := answer.(type) {
		case *dns.A:
			A = append(A, v.A.String())
		case *dns.CNAME:
			CNAME = v.Target
		}
	}

	// make sure we emit the same error the Go stdlib emits
	if len(A) <= 0 {
		return nil, "", ErrDNSNoAnswer
	}

	return A, CNAME, nil
}

// DNSNewRequestA creates a new A request with a random ID.
func DNSNewRequestA(domain string) *dns.Msg {
	query := &dns.Msg{}
	query.RecursionDesired = true
	query.Id = dns.Id()
	query.Question = []dns.Question{{
		Name:   dns.CanonicalName(domain),
		Qtype:  dns.TypeA,
		Qclass: dns.ClassINET,
	}}
	return query
}
