// Package protocoltest 提供可脚本驱动的 protocol.Client / protocol.Dialer 假实现。
package protocoltest

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/firm-gateway-go/internal/json"
	"github.com/lk2023060901/firm-gateway-go/internal/protocol"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/merr"
)

// SentMessage 记录一次发送调用。
type SentMessage struct {
	JID      string
	Text     string
	Document *protocol.Document
}

// Client 为假连接，测试通过 Emit 系列方法驱动事件。
type Client struct {
	Opts protocol.Options

	events chan protocol.Event

	mu        sync.Mutex
	sent      []SentMessage
	sendErr   error
	loggedOut bool
	closed    bool
}

var _ protocol.Client = (*Client)(nil)

func NewClient(opts protocol.Options) *Client {
	return &Client{
		Opts:   opts,
		events: make(chan protocol.Event, 64),
	}
}

func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

// Emit 投递一个事件；Closed 事件之后 channel 被关闭，后续 Emit 被忽略。
func (c *Client) Emit(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
	if ev.Kind == protocol.EventClosed {
		c.closed = true
		close(c.events)
	}
}

func (c *Client) EmitLoginCode(code string) {
	c.Emit(protocol.LoginCodeEvent(code))
}

func (c *Client) EmitOpened() {
	c.Emit(protocol.OpenedEvent())
}

func (c *Client) EmitClosed(reason protocol.CloseReason) {
	c.Emit(protocol.ClosedEvent(reason, nil))
}

func (c *Client) EmitCredentials(raw string) {
	c.Emit(protocol.CredentialsUpdatedEvent(json.RawMessage(raw)))
}

// SetSendError 让之后的发送调用返回 err。
func (c *Client) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Client) SendText(ctx context.Context, jid string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return merr.WrapErrProtocolClosed(c.Opts.TenantID)
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, SentMessage{JID: jid, Text: text})
	return nil
}

func (c *Client) SendDocument(ctx context.Context, jid string, doc protocol.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return merr.WrapErrProtocolClosed(c.Opts.TenantID)
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	d := doc
	c.sent = append(c.sent, SentMessage{JID: jid, Text: doc.Caption, Document: &d})
	return nil
}

func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Close() error {
	c.Emit(protocol.ClosedEvent(protocol.ReasonConnectionClosed, errors.New("closed by caller")))
	return nil
}

// Sent 返回全部发送记录的副本。
func (c *Client) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

func (c *Client) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dialer 记录每次拨号并返回新的假连接。
type Dialer struct {
	mu      sync.Mutex
	clients []*Client
	dialErr []error
	dialed  chan *Client
}

var _ protocol.Dialer = (*Dialer)(nil)

func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan *Client, 64)}
}

// FailNext 让接下来的 n 次拨号依次返回 err。
func (d *Dialer) FailNext(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.dialErr = append(d.dialErr, err)
	}
}

func (d *Dialer) Dial(ctx context.Context, opts protocol.Options) (protocol.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if len(d.dialErr) > 0 {
		err := d.dialErr[0]
		d.dialErr = d.dialErr[1:]
		d.mu.Unlock()
		return nil, err
	}
	c := NewClient(opts)
	d.clients = append(d.clients, c)
	d.mu.Unlock()

	select {
	case d.dialed <- c:
	default:
	}
	return c, nil
}

// Dialed 每次成功拨号时收到对应的假连接。
func (d *Dialer) Dialed() <-chan *Client {
	return d.dialed
}

// Clients 返回全部已创建的假连接。
func (d *Dialer) Clients() []*Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Client(nil), d.clients...)
}

// DialCount 返回成功拨号次数。
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

// Last 返回最近一次创建的假连接。
func (d *Dialer) Last() *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}
