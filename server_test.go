package vnet

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestServerListen(t *testing.T) {
	for _, port := range []int{-5, 65536, 70000} {
		t.Run(fmt.Sprintf("port %d is out of range", port), func(t *testing.T) {
			stack := newTestStack(t, nil)
			srv := stack.NewServer()
			if err := srv.Listen(&ListenOptions{Port: port}); !errors.Is(err, syscall.EINVAL) {
				t.Fatal("unexpected error", err)
			}
			if srv.State() != ServerClosed || len(stack.Registry.Ports()) != 0 {
				t.Fatal("the server should not be registered")
			}
		})
	}

	t.Run("two servers on distinct ports are independent", func(t *testing.T) {
		stack := newTestStack(t, nil)
		first, second := stack.NewServer(), stack.NewServer()
		if err := first.Listen(&ListenOptions{Port: 8080}); err != nil {
			t.Fatal(err)
		}
		if err := second.Listen(&ListenOptions{Port: 8081}); err != nil {
			t.Fatal(err)
		}
		var accepted []string
		first.OnConnection(func(sk *Socket) {
			accepted = append(accepted, "first")
		})
		second.OnConnection(func(sk *Socket) {
			accepted = append(accepted, "second")
		})

		for _, port := range []int{8081, 8080} {
			if err := stack.NewSocket().Connect(&ConnectOptions{Port: port}); err != nil {
				t.Fatal(err)
			}
		}
		stack.Loop.RunPending()
		if diff := cmp.Diff([]string{"second", "first"}, accepted); diff != "" {
			t.Fatal(diff)
		}

		second.Close()
		if srv, found := stack.Registry.Lookup(8080); !found || srv != first {
			t.Fatal("closing one server affected the other")
		}
		if first.Connections() != 1 {
			t.Fatal("unexpected connections", first.Connections())
		}
	})

	t.Run("listening on a busy port fails", func(t *testing.T) {
		stack := newTestStack(t, nil)
		if err := stack.NewServer().Listen(&ListenOptions{Port: 80}); err != nil {
			t.Fatal(err)
		}
		srv := stack.NewServer()
		if err := srv.Listen(&ListenOptions{Port: 80}); !errors.Is(err, syscall.EADDRINUSE) {
			t.Fatal("unexpected error", err)
		}
		if srv.State() != ServerClosed {
			t.Fatal("unexpected state", srv.State())
		}
	})

	t.Run("listening twice fails", func(t *testing.T) {
		stack := newTestStack(t, nil)
		srv := stack.NewServer()
		if err := srv.Listen(&ListenOptions{}); err != nil {
			t.Fatal(err)
		}
		if err := srv.Listen(&ListenOptions{}); !errors.Is(err, ErrContractViolation) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("port zero allocates an ephemeral port", func(t *testing.T) {
		stack := newTestStack(t, &StackConfig{EphemeralPortMin: 5000, EphemeralPortMax: 5009})
		srv := stack.NewServer()
		var listening bool
		srv.OnListening(func() {
			listening = true
		})
		if err := srv.Listen(&ListenOptions{}); err != nil {
			t.Fatal(err)
		}
		if listening {
			t.Fatal("the listening notification must run on a later turn")
		}
		addr := srv.Addr()
		if addr.Port < 5000 || addr.Port > 5009 || addr.Host != "0.0.0.0" || addr.Family != "IPv4" {
			t.Fatal("unexpected address", addr)
		}
		stack.Loop.RunPending()
		if !listening {
			t.Fatal("expected the listening notification")
		}
	})
}

func TestServerClose(t *testing.T) {
	t.Run("closing with connections", func(t *testing.T) {
		const count = 3
		stack := newTestStack(t, nil)
		srv := stack.NewServer()
		if err := srv.Listen(&ListenOptions{Port: 80}); err != nil {
			t.Fatal(err)
		}

		var events []string
		srv.OnConnection(func(sk *Socket) {
			sk.OnClose(func(hadError bool) {
				_, found := stack.Registry.Lookup(80)
				if found {
					t.Fatal("the server should be deregistered before the first close")
				}
				events = append(events, "conn-close")
			})
		})
		srv.OnClose(func() {
			events = append(events, "server-close")
		})
		for idx := 0; idx < count; idx++ {
			if err := stack.NewSocket().Connect(&ConnectOptions{Port: 80}); err != nil {
				t.Fatal(err)
			}
		}
		stack.Loop.RunPending()
		if srv.Connections() != count {
			t.Fatal("unexpected connections", srv.Connections())
		}

		srv.Close()
		if _, found := stack.Registry.Lookup(80); found {
			t.Fatal("expected synchronous deregistration")
		}
		if srv.State() != ServerClosed || srv.Connections() != 0 {
			t.Fatal("unexpected state after close")
		}
		stack.Loop.RunPending()
		expect := []string{"conn-close", "conn-close", "conn-close", "server-close"}
		if diff := cmp.Diff(expect, events); diff != "" {
			t.Fatal(diff)
		}

		srv.Close() // no-op
		stack.Loop.RunPending()
		if diff := cmp.Diff(expect, events); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("connecting to a closed server is refused", func(t *testing.T) {
		stack := newTestStack(t, nil)
		srv := stack.NewServer()
		if err := srv.Listen(&ListenOptions{Port: 80}); err != nil {
			t.Fatal(err)
		}
		srv.Close()
		sk := stack.NewSocket()
		var got error
		sk.OnError(func(err error) {
			got = err
		})
		if err := sk.Connect(&ConnectOptions{Port: 80}); err != nil {
			t.Fatal(err)
		}
		stack.Loop.RunPending()
		if !errors.Is(got, syscall.ECONNREFUSED) {
			t.Fatal("unexpected error", got)
		}
	})

	t.Run("accept on a closed server destroys the socket", func(t *testing.T) {
		stack := newTestStack(t, nil)
		srv := stack.NewServer()
		sk := stack.NewSocket()
		if srv.accept(sk) {
			t.Fatal("should not accept")
		}
		if !sk.Destroyed() {
			t.Fatal("the socket should be destroyed")
		}
	})
}
