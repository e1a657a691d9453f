// Command wsping measures the RTT of WebSocket messages sent through the
// frame bridge to a real echo endpoint.
package main

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/bassosimone/vnet"
	"github.com/montanaflynn/stats"
	"github.com/spf13/pflag"
)

func main() {
	// parse command line flags
	count := pflag.IntP("count", "c", 10, "number of round trips")
	interval := pflag.Duration("interval", time.Second, "interval between round trips")
	target := pflag.StringP("url", "u", "wss://echo.websocket.org/", "URL of the echo server")
	timeout := pflag.Duration("timeout", 10*time.Second, "timeout of the whole measurement")
	verbose := pflag.BoolP("verbose", "v", false, "enable debug logging")
	pflag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	opts, err := newRequestOptions(*target)
	if err != nil {
		log.WithError(err).Fatal("newRequestOptions")
	}

	host := &vnet.StdlibHost{}
	stack, err := vnet.NewStack(&vnet.StackConfig{
		Logger:   log.Log,
		HTTP:     host,
		Realtime: host,
	})
	if err != nil {
		log.WithError(err).Fatal("vnet.NewStack")
	}
	defer stack.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+time.Duration(*count)**interval)
	defer cancel()

	p := &pinger{count: *count, interval: *interval, stack: stack}
	stack.Loop.Post(func() {
		req := stack.Request(opts)
		req.OnUpgrade(p.onUpgrade)
		req.OnError(p.onError)
		req.End(nil)
	})
	if err := stack.Loop.RunUntil(ctx, p.done); err != nil {
		log.WithError(err).Warn("stack.Loop.RunUntil")
	}
	if p.err != nil {
		log.WithError(p.err).Fatal("wsping")
	}
	p.printSummary()
}

// newRequestOptions converts a ws or wss URL to upgrade request options.
func newRequestOptions(target string) (*vnet.RequestOptions, error) {
	URL, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	opts := &vnet.RequestOptions{
		Protocol: "http:",
		Host:     URL.Hostname(),
		Path:     URL.RequestURI(),
		Header: vnet.NewHeader(
			vnet.HeaderField{Name: "Upgrade", Value: "websocket"},
			vnet.HeaderField{Name: "Connection", Value: "Upgrade"},
			vnet.HeaderField{Name: "Sec-WebSocket-Key", Value: vnet.Must1(vnet.NewWebSocketKey())},
			vnet.HeaderField{Name: "Sec-WebSocket-Version", Value: "13"},
		),
	}
	switch URL.Scheme {
	case "ws":
	case "wss":
		opts.Protocol = "https:"
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", URL.Scheme)
	}
	if port := URL.Port(); port != "" {
		if opts.Port, err = strconv.Atoi(port); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

// pinger runs on the loop and sends a text frame whenever the previous
// one has been echoed back.
type pinger struct {
	buffer   []byte
	count    int
	err      error
	finished bool
	interval time.Duration
	rtts     []float64
	sk       *vnet.Socket
	stack    *vnet.Stack
	t0       time.Time
	waiting  bool
}

func (p *pinger) done() bool {
	return p.finished
}

func (p *pinger) onError(err error) {
	p.err = err
	p.finished = true
}

func (p *pinger) onUpgrade(res *vnet.IncomingMessage, sk *vnet.Socket) {
	fmt.Printf("< %d %s\n", res.StatusCode(), res.StatusMessage())
	p.sk = sk
	sk.OnData(p.onData)
	sk.OnError(func(err error) {
		p.err = err
	})
	sk.OnClose(func(hadError bool) {
		p.finished = true
	})
	p.ping()
}

func (p *pinger) ping() {
	if len(p.rtts) >= p.count {
		frame := vnet.Must1(vnet.BuildFrame(vnet.OpcodeClose, []byte{0x03, 0xe8}, true))
		p.sk.Write(frame)
		return
	}
	payload := fmt.Sprintf("ping %d", len(p.rtts))
	frame := vnet.Must1(vnet.BuildFrame(vnet.OpcodeText, []byte(payload), true))
	fmt.Printf("> %s\n", payload)
	p.t0, p.waiting = time.Now(), true
	p.sk.Write(frame)
}

func (p *pinger) onData(data []byte) {
	p.buffer = append(p.buffer, data...)
	for {
		frame, count, err := vnet.ParseFrame(p.buffer)
		if err != nil {
			p.sk.Destroy(err)
			return
		}
		if count <= 0 {
			return
		}
		p.buffer = p.buffer[count:]
		if frame.Opcode != vnet.OpcodeText && frame.Opcode != vnet.OpcodeBinary {
			continue
		}
		if !p.waiting {
			fmt.Printf("< %s\n", string(frame.Payload)) // e.g., a server greeting
			continue
		}
		p.waiting = false
		delta := time.Since(p.t0)
		p.rtts = append(p.rtts, float64(delta)/float64(time.Millisecond))
		fmt.Printf("< [rtt=%s] %s\n", delta, string(frame.Payload))
		p.stack.Loop.AfterFunc(p.interval, p.ping)
	}
}

func (p *pinger) printSummary() {
	if len(p.rtts) <= 0 {
		log.Warn("no message echoed back")
		return
	}
	median := vnet.Must1(stats.Median(p.rtts))
	stdev := vnet.Must1(stats.StandardDeviation(p.rtts))
	fmt.Printf("rtt median/stdev = %.3f/%.3f ms over %d messages\n", median, stdev, len(p.rtts))
}
