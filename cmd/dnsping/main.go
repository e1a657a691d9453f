// Command dnsping measures the RTT using DNS-over-HTTPS round trips.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/bassosimone/vnet"
	"github.com/spf13/pflag"
)

func main() {
	// parse command line flags
	count := pflag.IntP("count", "c", 10, "number of round trips")
	domain := pflag.StringP("domain", "d", "dns.google", "domain to resolve")
	interval := pflag.Duration("interval", time.Second, "interval between round trips")
	server := pflag.StringP("server", "s", "https://dns.google/dns-query", "URL of the DoH server")
	pflag.Parse()

	resolver := &vnet.DoHResolver{
		HTTP: &vnet.StdlibHost{},
		URL:  *server,
	}

	// send DNS pings and measure RTT
	ctx := context.Background()
	for idx := 0; idx < *count; idx++ {
		fmt.Printf("> A? %s @%s\n", *domain, *server)
		query := vnet.DNSNewRequestA(*domain)
		t0 := time.Now()
		response, err := resolver.RoundTrip(ctx, query)
		delta := time.Since(t0)
		if err != nil {
			log.Warnf("< [rtt=%s] %s", delta, err.Error())
			time.Sleep(*interval)
			continue
		}
		fmt.Printf("< [rtt=%s] Rcode=%d Answers=%d\n", delta, response.Rcode, len(response.Answer))
		time.Sleep(*interval)
	}
}
