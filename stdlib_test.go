package vnet

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
)

func TestStdlibHostRoundTrip(t *testing.T) {
	t.Run("successful round trip", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("X-Method", r.Method)
			w.Header().Set("X-Tag", r.Header.Get("X-Tag"))
			w.WriteHeader(http.StatusCreated)
			w.Write(body)
		}))
		defer srv.Close()

		host := &StdlibHost{}
		resp, err := host.RoundTrip(context.Background(), &HostRequest{
			URL:    srv.URL + "/x",
			Method: "POST",
			Header: NewHeader(HeaderField{Name: "X-Tag", Value: "abc"}),
			Body:   []byte("hello"),
		})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Status != 201 || resp.StatusText != "Created" || string(resp.Body) != "hello" {
			t.Fatal("unexpected response", resp.Status, resp.StatusText, string(resp.Body))
		}
		if resp.Header.Get("X-Method") != "POST" || resp.Header.Get("X-Tag") != "abc" {
			t.Fatal("unexpected headers", resp.Header.Map())
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		host := &StdlibHost{Client: srv.Client()}
		_, err := host.RoundTrip(ctx, &HostRequest{URL: srv.URL, Method: "GET"})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatal("unexpected error", err)
		}
	})
}

// newEchoServer creates a WebSocket echo server for tests.
func newEchoServer(t *testing.T) *httptest.Server {
	upgrader := &websocket.Upgrader{Subprotocols: []string{"echo"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "bye" {
				message := websocket.FormatCloseMessage(4000, "done")
				conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStdlibHostRealtime(t *testing.T) {
	t.Run("messages through the bridge", func(t *testing.T) {
		srv := newEchoServer(t)
		host := &StdlibHost{}
		stack := newTestStack(t, &StackConfig{Realtime: host})

		port := srv.Listener.Addr().(*net.TCPAddr).Port
		var (
			closed   bool
			received []string
			upgraded *IncomingMessage
			sk       *Socket
			buffer   []byte
		)
		req := stack.Request(&RequestOptions{
			Host: "127.0.0.1",
			Port: port,
			Header: NewHeader(
				HeaderField{Name: "Upgrade", Value: "websocket"},
				HeaderField{Name: "Sec-WebSocket-Key", Value: "dGhlIHNhbXBsZSBub25jZQ=="},
				HeaderField{Name: "Sec-WebSocket-Protocol", Value: "echo"},
			),
		})
		req.OnError(func(err error) {
			t.Fatal(err)
		})
		req.OnUpgrade(func(res *IncomingMessage, s *Socket) {
			upgraded, sk = res, s
			sk.OnData(func(p []byte) {
				buffer = append(buffer, p...)
				for {
					frame, count, err := ParseFrame(buffer)
					if err != nil || count <= 0 {
						return
					}
					buffer = buffer[count:]
					received = append(received, frame.Opcode.String()+":"+string(frame.Payload))
				}
			})
			sk.OnClose(func(hadError bool) {
				closed = true
			})
			sk.Write(Must1(BuildFrame(OpcodeText, []byte("hello"), true)))
			sk.Write(Must1(BuildFrame(OpcodeBinary, []byte("world"), true)))
		})
		req.End(nil)

		runUntil(t, stack, func() bool { return len(received) >= 2 })
		if upgraded.Header().Get("Sec-WebSocket-Accept") != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
			t.Fatal("unexpected accept value", upgraded.Headers())
		}
		if upgraded.Header().Get("Sec-WebSocket-Protocol") != "echo" {
			t.Fatal("unexpected protocol", upgraded.Headers())
		}

		sk.Write(Must1(BuildFrame(OpcodeText, []byte("bye"), true)))
		runUntil(t, stack, func() bool { return closed })
		expect := []string{"text:hello", "binary:world", "close:\x0f\xa0"}
		if diff := cmp.Diff(expect, received); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("dial failure", func(t *testing.T) {
		host := &StdlibHost{}
		var (
			closeCode int
			errs      []error
		)
		done := make(chan struct{})
		_, err := host.Open("ws://127.0.0.1:1/", nil, &RealtimeEvents{
			OnError: func(err error) {
				errs = append(errs, err)
			},
			OnClose: func(code int, reason string) {
				closeCode = code
				close(done)
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
		}
		if len(errs) != 1 || closeCode != websocket.CloseAbnormalClosure {
			t.Fatal("unexpected events", errs, closeCode)
		}
	})

	t.Run("send before open", func(t *testing.T) {
		srv := newEchoServer(t)
		host := &StdlibHost{}
		done := make(chan struct{})
		conn, err := host.Open("ws"+strings.TrimPrefix(srv.URL, "http"), nil, &RealtimeEvents{
			OnClose: func(code int, reason string) {
				close(done)
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		// we close before the dial completes most of the time, but both
		// paths must end with a close notification
		if err := conn.Send(RealtimeMessage{Data: []byte("x")}); err != nil && !errors.Is(err, errRealtimeNotConnected) {
			t.Fatal("unexpected error", err)
		}
		conn.Close(1000, "")
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
		}
	})
}

func TestStdlibStatusText(t *testing.T) {
	cases := []struct {
		name   string
		resp   *http.Response
		expect string
	}{{
		name:   "custom reason phrase",
		resp:   &http.Response{StatusCode: 200, Status: "200 Everything Fine"},
		expect: "Everything Fine",
	}, {
		name:   "missing reason phrase",
		resp:   &http.Response{StatusCode: 404, Status: "404"},
		expect: "Not Found",
	}, {
		name:   "empty status",
		resp:   &http.Response{StatusCode: 418},
		expect: "I'm a teapot",
	}, {
		name:   "standard reason phrase",
		resp:   &http.Response{StatusCode: 201, Status: "201 Created"},
		expect: "Created",
	}}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := stdlibStatusText(tc.resp); got != tc.expect {
				t.Fatal("expected", tc.expect, "got", got)
			}
		})
	}
}
