package vnet

//
// Stdlib-based implementation of the host transports
//

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StdlibHost implements [HostHTTP] using the Go standard library and
// [HostRealtime] using github.com/gorilla/websocket. It allows running code
// written for the sandbox on a regular host. The zero value of this
// structure is ready to use.
type StdlibHost struct {
	// Client is the OPTIONAL [http.Client] to use.
	Client *http.Client

	// Dialer is the OPTIONAL [websocket.Dialer] to use.
	Dialer *websocket.Dialer
}

var (
	_ HostHTTP     = &StdlibHost{}
	_ HostRealtime = &StdlibHost{}
)

// RoundTrip implements HostHTTP
func (h *StdlibHost) RoundTrip(ctx context.Context, req *HostRequest) (*HostResponse, error) {
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	hreq.Header = req.Header.HTTP()
	resp, err := h.client().Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	hresp := &HostResponse{
		Status:     resp.StatusCode,
		StatusText: stdlibStatusText(resp),
		Header:     NewHeaderFromHTTP(resp.Header),
		Body:       body,
	}
	return hresp, nil
}

// stdlibStatusText returns the reason phrase sent by the server.
func stdlibStatusText(resp *http.Response) string {
	text := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" ")
	if text == "" || text == resp.Status {
		return http.StatusText(resp.StatusCode)
	}
	return text
}

// Open implements HostRealtime
func (h *StdlibHost) Open(url string, protocols []string, events *RealtimeEvents) (RealtimeConn, error) {
	dialer := *h.dialer()
	dialer.Subprotocols = protocols
	ctx, cancel := context.WithCancel(context.Background())
	conn := &stdlibRealtimeConn{
		cancel: cancel,
		events: events,
	}
	go conn.run(ctx, &dialer, url)
	return conn, nil
}

// DefaultHTTPClient is the default [http.Client] used by [StdlibHost].
var DefaultHTTPClient = &http.Client{}

func (h *StdlibHost) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return DefaultHTTPClient
}

func (h *StdlibHost) dialer() *websocket.Dialer {
	if h.Dialer != nil {
		return h.Dialer
	}
	return websocket.DefaultDialer
}

// errRealtimeNotConnected indicates sending on a connection that is not open.
var errRealtimeNotConnected = errors.New("vnet: realtime: not connected")

// stdlibRealtimeConn is the [RealtimeConn] returned by [StdlibHost.Open].
type stdlibRealtimeConn struct {
	cancel context.CancelFunc
	events *RealtimeEvents

	// mu protects closed and ws and serializes writes
	mu     sync.Mutex
	closed bool
	ws     *websocket.Conn
}

// run connects and then reads messages until the connection is closed.
func (c *stdlibRealtimeConn) run(ctx context.Context, dialer *websocket.Dialer, url string) {
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.emitError(err)
		c.emitClose(websocket.CloseAbnormalClosure, "")
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.ws = ws
	c.mu.Unlock()
	defer ws.Close()
	if closed {
		c.emitClose(websocket.CloseNormalClosure, "")
		return
	}

	if c.events.OnOpen != nil {
		c.events.OnOpen()
	}

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.emitClose(closeErr.Code, closeErr.Text)
				return
			}
			c.emitError(err)
			c.emitClose(websocket.CloseAbnormalClosure, "")
			return
		}
		if c.events.OnMessage != nil {
			c.events.OnMessage(RealtimeMessage{
				Binary: kind == websocket.BinaryMessage,
				Data:   data,
			})
		}
	}
}

func (c *stdlibRealtimeConn) emitError(err error) {
	if c.events.OnError != nil {
		c.events.OnError(err)
	}
}

func (c *stdlibRealtimeConn) emitClose(code int, reason string) {
	if c.events.OnClose != nil {
		c.events.OnClose(code, reason)
	}
}

// Send implements RealtimeConn
func (c *stdlibRealtimeConn) Send(msg RealtimeMessage) error {
	defer c.mu.Unlock()
	c.mu.Lock()
	if c.ws == nil {
		return errRealtimeNotConnected
	}
	kind := websocket.TextMessage
	if msg.Binary {
		kind = websocket.BinaryMessage
	}
	return c.ws.WriteMessage(kind, msg.Data)
}

// realtimeCloseTimeout is the time allowed for writing the close message.
const realtimeCloseTimeout = 5 * time.Second

// Close implements RealtimeConn
func (c *stdlibRealtimeConn) Close(code int, reason string) error {
	c.mu.Lock()
	ws := c.ws
	c.closed = true
	c.mu.Unlock()
	if ws == nil {
		c.cancel()
		return nil
	}
	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(realtimeCloseTimeout)
	if err := ws.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
		ws.Close() // unblocks ReadMessage
	}
	return nil
}

// Protocol implements RealtimeConn
func (c *stdlibRealtimeConn) Protocol() string {
	defer c.mu.Unlock()
	c.mu.Lock()
	if c.ws == nil {
		return ""
	}
	return c.ws.Subprotocol()
}
