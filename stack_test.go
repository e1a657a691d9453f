package vnet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/go-cmp/cmp"
)

// newTestStack creates a stack for tests using the given config.
func newTestStack(t *testing.T, config *StackConfig) *Stack {
	if config == nil {
		config = &StackConfig{}
	}
	if config.Logger == nil {
		config.Logger = log.Log
	}
	stack, err := NewStack(config)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		stack.Close()
		stack.Loop.RunPending()
	})
	return stack
}

// runUntil runs the loop until cond holds or a second has elapsed.
func runUntil(t *testing.T, stack *Stack, cond func() bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := stack.Loop.RunUntil(ctx, cond); err != nil {
		t.Fatal("condition not reached", err)
	}
}

// fakeHTTP is a [HostHTTP] for tests.
type fakeHTTP struct {
	mu       sync.Mutex
	requests []*HostRequest

	// block makes RoundTrip block until the context is done.
	block bool

	// err is the error to return.
	err error

	// resp is the response to return.
	resp *HostResponse
}

var _ HostHTTP = &fakeHTTP{}

func (fh *fakeHTTP) RoundTrip(ctx context.Context, req *HostRequest) (*HostResponse, error) {
	fh.mu.Lock()
	fh.requests = append(fh.requests, req)
	fh.mu.Unlock()
	if fh.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fh.err != nil {
		return nil, fh.err
	}
	return fh.resp, nil
}

func (fh *fakeHTTP) sent() []*HostRequest {
	defer fh.mu.Unlock()
	fh.mu.Lock()
	return append([]*HostRequest{}, fh.requests...)
}

func TestNewStack(t *testing.T) {
	t.Run("without a logger", func(t *testing.T) {
		stack, err := NewStack(&StackConfig{})
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatal("unexpected error", err)
		}
		if stack != nil {
			t.Fatal("expected nil stack")
		}
	})

	t.Run("with an invalid port range", func(t *testing.T) {
		_, err := NewStack(&StackConfig{
			Logger:           &NullLogger{},
			EphemeralPortMin: 2000,
			EphemeralPortMax: 1000,
		})
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("defaults", func(t *testing.T) {
		stack := newTestStack(t, nil)
		if stack.cfg.EphemeralPortMin != 49152 || stack.cfg.EphemeralPortMax != 65535 {
			t.Fatal("unexpected port range", stack.cfg.EphemeralPortMin, stack.cfg.EphemeralPortMax)
		}
		for _, host := range []string{"localhost", "127.0.0.1", "::1", "0.0.0.0", "LOCALHOST"} {
			if !stack.IsLocalHost(host) {
				t.Fatal("expected local host", host)
			}
		}
		if stack.IsLocalHost("www.example.com") {
			t.Fatal("expected non-local host")
		}
	})

	t.Run("the config is not modified", func(t *testing.T) {
		config := &StackConfig{Logger: &NullLogger{}}
		newTestStack(t, config)
		expect := &StackConfig{Logger: &NullLogger{}}
		if diff := cmp.Diff(expect, config); diff != "" {
			t.Fatal(diff)
		}
	})
}

func TestStackClose(t *testing.T) {
	stack := newTestStack(t, nil)
	var closed int
	for idx := 0; idx < 3; idx++ {
		srv := stack.NewServer()
		srv.OnClose(func() {
			closed++
		})
		if err := srv.Listen(&ListenOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if stack.Registry.Len() != 3 {
		t.Fatal("expected three servers")
	}

	stack.Close()
	stack.Close() // idempotent
	if stack.Registry.Len() != 0 {
		t.Fatal("expected an empty registry")
	}
	stack.Loop.RunPending()
	if closed != 3 {
		t.Fatal("expected three close notifications, got", closed)
	}
}

func TestStackResolve(t *testing.T) {
	t.Run("local hosts resolve to themselves", func(t *testing.T) {
		stack := newTestStack(t, nil)
		var got []string
		stack.resolve("127.0.0.1", func(addrs []string, err error) {
			if err != nil {
				t.Fatal(err)
			}
			got = addrs
		})
		if got != nil {
			t.Fatal("expected the callback to run on a later turn")
		}
		stack.Loop.RunPending()
		if diff := cmp.Diff([]string{"127.0.0.1"}, got); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("without a resolver", func(t *testing.T) {
		stack := newTestStack(t, nil)
		var got error
		stack.resolve("www.example.com", func(addrs []string, err error) {
			got = err
		})
		stack.Loop.RunPending()
		if got == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("with a resolver", func(t *testing.T) {
		dc := NewDNSConfiguration()
		if err := dc.AddRecord("www.example.com", "", "10.0.0.1"); err != nil {
			t.Fatal(err)
		}
		stack := newTestStack(t, &StackConfig{Resolver: &StaticResolver{Config: dc}})
		var (
			done bool
			got  []string
		)
		stack.resolve("www.example.com", func(addrs []string, err error) {
			if err != nil {
				t.Fatal(err)
			}
			done, got = true, addrs
		})
		runUntil(t, stack, func() bool { return done })
		if diff := cmp.Diff([]string{"10.0.0.1"}, got); diff != "" {
			t.Fatal(diff)
		}
	})
}
