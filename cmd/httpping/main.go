// Command httpping measures the RTT using HTTP round trips over virtual sockets.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/apex/log"
	"github.com/bassosimone/vnet"
	"github.com/montanaflynn/stats"
	"github.com/spf13/pflag"
)

func main() {
	// parse command line flags
	config := pflag.String("config", "", "OPTIONAL YAML file with the stack tunables")
	count := pflag.IntP("count", "c", 10, "number of round trips")
	domain := pflag.String("domain", "www.example.com", "domain served by the virtual server")
	interval := pflag.Duration("interval", 100*time.Millisecond, "interval between round trips")
	port := pflag.IntP("port", "p", 80, "port of the virtual server")
	verbose := pflag.BoolP("verbose", "v", false, "enable debug logging")
	pflag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	// create the stack configuration
	stackConfig := &vnet.StackConfig{}
	if *config != "" {
		stackConfig = vnet.Must1(vnet.LoadStackConfigFile(*config))
	}
	dnsConfig := vnet.NewDNSConfiguration()
	vnet.Must0(dnsConfig.AddRecord(*domain, "", "127.0.0.1"))
	stackConfig.Logger = log.Log
	stackConfig.Resolver = &vnet.StaticResolver{Config: dnsConfig}

	stack, err := vnet.NewStack(stackConfig)
	if err != nil {
		log.WithError(err).Fatal("vnet.NewStack")
	}

	// run the loop in the background
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stack.Loop.Run(ctx)

	// start the virtual HTTP server
	mux := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	})
	ns := &vnet.Net{Stack: stack}
	listener, err := ns.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4zero, Port: *port})
	if err != nil {
		log.WithError(err).Fatal("vnet.Net.ListenTCP")
	}
	defer listener.Close()
	go vnet.HTTPServe(stack, listener, mux)

	// create the HTTP transport to use.
	txp := vnet.NewHTTPTransport(stack)
	defer txp.CloseIdleConnections()

	// send HTTP pings and measure RTT
	URL := fmt.Sprintf("http://%s:%d/", *domain, *port)
	var rtts []float64
	for idx := 0; idx < *count; idx++ {
		fmt.Printf("> GET %s\n", URL)
		req := vnet.Must1(http.NewRequestWithContext(ctx, "GET", URL, nil))
		t0 := time.Now()
		resp, err := txp.RoundTrip(req)
		delta := time.Since(t0)
		if err != nil {
			fmt.Printf("< [rtt=%s] %s\n", delta, err.Error())
			time.Sleep(*interval)
			continue
		}
		resp.Body.Close()
		rtts = append(rtts, float64(delta)/float64(time.Millisecond))
		fmt.Printf("< [rtt=%s] %d %s\n", delta, resp.StatusCode, http.StatusText(resp.StatusCode))
		time.Sleep(*interval)
	}

	if err := printSummary(rtts); err != nil {
		log.WithError(err).Warn("printSummary")
		os.Exit(1)
	}
}

// printSummary prints statistics about the RTT samples in milliseconds.
func printSummary(rtts []float64) error {
	if len(rtts) <= 0 {
		return errors.New("no successful round trip")
	}
	median, err := stats.Median(rtts)
	if err != nil {
		return err
	}
	p90, err := stats.Percentile(rtts, 90)
	if err != nil {
		return err
	}
	minRTT, err := stats.Min(rtts)
	if err != nil {
		return err
	}
	maxRTT, err := stats.Max(rtts)
	if err != nil {
		return err
	}
	fmt.Printf("rtt min/median/p90/max = %.3f/%.3f/%.3f/%.3f ms\n", minRTT, median, p90, maxRTT)
	return nil
}
