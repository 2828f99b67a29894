package httpsse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/shaxpir/sharedb-sub001/bus"
	"github.com/shaxpir/sharedb-sub001/internal/logging"
	"github.com/shaxpir/sharedb-sub001/protocol"
)

var clientLog = logging.For("bus.httpsse.client")

// Client is the tab-side bus.Bus implementation that talks to a Server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a Client that reaches a Server at baseURL (e.g.
// "http://localhost:8080").
func NewClient(baseURL string) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Jar: jar},
	}, nil
}

// Join opens a subscription to channel. The returned Conn transparently
// reconnects its SSE stream once on transport loss, emitting a
// connection.event "reconnected" frame on its Messages channel so the
// facade layer can surface it.
func (c *Client) Join(channel string) (bus.Conn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &clientConn{
		client:  c,
		channel: channel,
		in:      make(chan protocol.Frame, 64),
		errs:    make(chan error, 4),
		ctx:     ctx,
		cancel:  cancel,
	}
	go conn.run()
	return conn, nil
}

// Close is a no-op at the Client level; individual Conns own their own
// HTTP resources.
func (c *Client) Close() error { return nil }

type clientConn struct {
	client  *Client
	channel string
	in      chan protocol.Frame
	errs    chan error
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	seq    uint64
	closed bool
}

func (c *clientConn) Post(frame protocol.Frame) error {
	c.mu.Lock()
	c.seq++
	frame.SeqNo = c.seq
	c.mu.Unlock()

	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bus/%s/publish", c.client.baseURL, c.channel)
	resp, err := c.client.httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("bus: publish failed with status %d", resp.StatusCode)
	}
	return nil
}

func (c *clientConn) Messages() <-chan protocol.Frame { return c.in }
func (c *clientConn) Errors() <-chan error            { return c.errs }

func (c *clientConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	return nil
}

func (c *clientConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// run dials the SSE stream and redials once, transparently, if it drops
// before the caller closes the Conn.
func (c *clientConn) run() {
	attempt := 0
	for !c.isClosed() {
		err := c.streamOnce(attempt > 0)
		if c.isClosed() {
			close(c.in)
			close(c.errs)
			return
		}
		if err != nil {
			select {
			case c.errs <- err:
			default:
			}
		}
		attempt++
		if attempt == 1 {
			clientLog.WithField("channel", c.channel).Warn("bus stream lost, reconnecting")
		} else {
			// Second stream loss (the count is not reset by a
			// successful reconnect): stop retrying and surface the
			// endpoint as closed rather than loop forever.
			close(c.in)
			close(c.errs)
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func (c *clientConn) streamOnce(isReconnect bool) error {
	url := fmt.Sprintf("%s/bus/%s", c.client.baseURL, c.channel)
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bus: subscribe failed with status %d", resp.StatusCode)
	}

	if isReconnect {
		reconnected := protocol.Frame{
			Type:  protocol.OpConnectionEvent,
			Event: "reconnected",
			Args:  protocol.MustArgs(map[string]bool{"reconnected": true}),
		}
		select {
		case c.in <- reconnected:
		default:
		}
	}

	reader := bufio.NewReader(resp.Body)
	for {
		frame, err := parseSSEFrame(reader)
		if err != nil {
			return err
		}
		select {
		case c.in <- frame:
		case <-c.ctx.Done():
			return nil
		}
	}
}
