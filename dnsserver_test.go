package vnet

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apex/log"
	"github.com/google/go-cmp/cmp"
	"github.com/miekg/dns"
)

func TestDNSConfiguration(t *testing.T) {
	t.Run("removing a nonexisting record does not cause any issue", func(t *testing.T) {
		dc := NewDNSConfiguration()
		dc.RemoveRecord("www.example.com")
	})

	t.Run("adding a record with an invalid IP address fails", func(t *testing.T) {
		dc := NewDNSConfiguration()
		if err := dc.AddRecord("www.example.com", "", "1.2.3"); !errors.Is(err, ErrNotIPAddress) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("we can remove a previously added record", func(t *testing.T) {
		dc := NewDNSConfiguration()

		t.Run("the record should be there once we have added it", func(t *testing.T) {
			if err := dc.AddRecord("www.example.com", "www1.example.com", "1.2.3.4", "4.5.6.7"); err != nil {
				t.Fatal(err)
			}
			rec, good := dc.Lookup("WWW.example.com.")
			if !good {
				t.Fatal("the record is not there")
			}
			expect := &DNSRecord{
				A: []net.IP{
					net.IPv4(1, 2, 3, 4),
					net.IPv4(4, 5, 6, 7),
				},
				CNAME: "www1.example.com.",
			}
			if diff := cmp.Diff(expect, rec); diff != "" {
				t.Fatal(diff)
			}

			t.Run("the record should disappear once we have removed it", func(t *testing.T) {
				dc.RemoveRecord("www.example.com")
				rec, good := dc.Lookup("www.example.com")
				if good {
					t.Fatal("expected the record to be nonexistent")
				}
				if rec != nil {
					t.Fatal("expected a nil record")
				}
			})
		})
	})
}

func TestStaticResolver(t *testing.T) {
	dc := NewDNSConfiguration()
	if err := dc.AddRecord("www.example.com", "", "1.2.3.4", "::1"); err != nil {
		t.Fatal(err)
	}
	if err := dc.AddRecord("cname.example.com", "www.example.com"); err != nil {
		t.Fatal(err)
	}
	reso := &StaticResolver{Config: dc}

	t.Run("for an existing record", func(t *testing.T) {
		addrs, err := reso.LookupHost(context.Background(), "www.example.com")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"1.2.3.4", "::1"}, addrs); diff != "" {
			t.Fatal(diff)
		}
	})

	for _, domain := range []string{"nonexistent.example.com", "cname.example.com"} {
		t.Run("for "+domain, func(t *testing.T) {
			addrs, err := reso.LookupHost(context.Background(), domain)
			var dnsErr *net.DNSError
			if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
				t.Fatal("unexpected error", err)
			}
			if len(addrs) != 0 {
				t.Fatal("expected no addresses")
			}
		})
	}
}

func TestDoHHandler(t *testing.T) {
	dc := NewDNSConfiguration()
	if err := dc.AddRecord("www.example.com", "web01.example.com", "1.2.3.4", "2001:db8::1"); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(NewDoHHandler(log.Log, dc))
	defer srv.Close()
	reso := &DoHResolver{HTTP: &StdlibHost{Client: srv.Client()}, URL: srv.URL}

	t.Run("the resolver receives the A and CNAME answers", func(t *testing.T) {
		query := DNSNewRequestA("www.example.com")
		resp, err := reso.RoundTrip(context.Background(), query)
		if err != nil {
			t.Fatal(err)
		}
		addrs, cname, err := DNSParseResponse(query, resp)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"1.2.3.4"}, addrs); diff != "" {
			t.Fatal(diff)
		}
		if cname != "web01.example.com." {
			t.Fatal("unexpected cname", cname)
		}
	})

	t.Run("LookupHost maps NXDOMAIN to a not found error", func(t *testing.T) {
		_, err := reso.LookupHost(context.Background(), "nonexistent.example.com")
		var dnsErr *net.DNSError
		if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound || dnsErr.Server != srv.URL {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("the handler refuses queries with many questions", func(t *testing.T) {
		query := DNSNewRequestA("www.example.com")
		query.Question = append(query.Question, query.Question[0])
		resp, err := reso.RoundTrip(context.Background(), query)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Rcode != dns.RcodeRefused {
			t.Fatal("unexpected rcode", resp.Rcode)
		}
	})

	t.Run("the handler only accepts POST", func(t *testing.T) {
		resp, err := srv.Client().Get(srv.URL)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatal("unexpected status", resp.StatusCode)
		}
	})

	t.Run("the handler rejects garbage", func(t *testing.T) {
		resp, err := srv.Client().Post(srv.URL, dohMediaType, bytes.NewReader([]byte{1, 2, 3}))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatal("unexpected status", resp.StatusCode)
		}
	})

	t.Run("the resolver rejects a non-DoH server", func(t *testing.T) {
		other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("hello"))
		}))
		defer other.Close()
		reso := &DoHResolver{HTTP: &StdlibHost{Client: other.Client()}, URL: other.URL}
		_, err := reso.RoundTrip(context.Background(), DNSNewRequestA("www.example.com"))
		if !errors.Is(err, ErrDNSServerMisbehaving) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("the virtual server answers through Dispatch", func(t *testing.T) {
		stack := newTestStack(t, nil)
		vsrv := stack.CreateHTTPServer(NewDoHHandler(stack.Logger(), dc))
		if err := vsrv.Listen(&ListenOptions{Port: 443}); err != nil {
			t.Fatal(err)
		}
		query := DNSNewRequestA("www.example.com")
		future := stack.Dispatch(443, &HTTPRequest{
			Method: "POST",
			Path:   "/dns-query",
			Header: NewHeader(HeaderField{Name: "Content-Type", Value: dohMediaType}),
			Body:   Must1(query.Pack()),
		})
		stack.Loop.RunPending()
		hresp, err := future.Result()
		if err != nil {
			t.Fatal(err)
		}
		if hresp.StatusCode != 200 || hresp.Header.Get("Content-Type") != dohMediaType {
			t.Fatal("unexpected response", hresp.StatusCode, hresp.Header.Map())
		}
		resp := &dns.Msg{}
		if err := resp.Unpack(hresp.Body); err != nil {
			t.Fatal(err)
		}
		addrs, _, err := DNSParseResponse(query, resp)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"1.2.3.4"}, addrs); diff != "" {
			t.Fatal(diff)
		}
	})
}

func TestDNSParseResponse(t *testing.T) {
	query := DNSNewRequestA("www.example.com")

	newReply := func(rcode int) *dns.Msg {
		resp := &dns.Msg{}
		resp.SetRcode(query, rcode)
		return resp
	}

	t.Run("not a response", func(t *testing.T) {
		resp := &dns.Msg{}
		resp.Id = query.Id
		if _, _, err := DNSParseResponse(query, resp); !errors.Is(err, ErrDNSServerMisbehaving) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("mismatching ID", func(t *testing.T) {
		resp := newReply(dns.RcodeSuccess)
		resp.Id = query.Id + 1
		if _, _, err := DNSParseResponse(query, resp); !errors.Is(err, ErrDNSServerMisbehaving) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("NXDOMAIN", func(t *testing.T) {
		if _, _, err := DNSParseResponse(query, newReply(dns.RcodeNameError)); !errors.Is(err, ErrDNSNoSuchHost) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("SERVFAIL", func(t *testing.T) {
		if _, _, err := DNSParseResponse(query, newReply(dns.RcodeServerFailure)); !errors.Is(err, ErrDNSServerMisbehaving) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("no answer", func(t *testing.T) {
		if _, _, err := DNSParseResponse(query, newReply(dns.RcodeSuccess)); !errors.Is(err, ErrDNSNoAnswer) {
			t.Fatal("unexpected error", err)
		}
	})
}
