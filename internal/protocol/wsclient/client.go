// Package wsclient 通过 websocket 桥接服务实现 protocol.Client。
//
// 桥接服务负责真正的消息网络线协议；本包只交换 JSON 帧，并把桥接侧的
// 连接事件翻译为 protocol.Event。
package wsclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lk2023060901/firm-gateway-go/internal/json"
	"github.com/lk2023060901/firm-gateway-go/internal/protocol"
	"github.com/lk2023060901/firm-gateway-go/pkg/log"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/conc"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/merr"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/retry"
)

// 桥接服务可以用 4000+原因码 的 websocket close code 表示关闭原因。
const closeCodeReasonBase = 4000

// Dialer 为基于 gorilla/websocket 的 protocol.Dialer。
type Dialer struct {
	cfg Config
}

var _ protocol.Dialer = (*Dialer)(nil)

func NewDialer(cfg Config) *Dialer {
	cfg.fillDefaults()
	return &Dialer{cfg: cfg}
}

func (d *Dialer) Dial(ctx context.Context, opts protocol.Options) (protocol.Client, error) {
	if opts.TenantID == "" {
		return nil, merr.WrapErrParameterMissing("tenantId")
	}
	if opts.Auth == nil {
		return nil, merr.WrapErrParameterMissing("auth")
	}
	target, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, merr.WrapErrParameterInvalidMsg("bridge url %q", d.cfg.URL)
	}
	q := target.Query()
	q.Set("tenantId", opts.TenantID)
	target.RawQuery = q.Encode()

	creds, err := opts.Auth.ReadCredentials(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read credentials for hello")
	}
	keys, err := opts.Auth.ReadKeys(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read key entries for hello")
	}

	wsDialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.ConnectTimeout,
	}
	conn, _, err := wsDialer.DialContext(ctx, target.String(), d.cfg.Header)
	if err != nil {
		return nil, merr.WrapErrDialFailed(opts.TenantID, err)
	}

	hello := frame{
		Type:        frameHello,
		TenantID:    opts.TenantID,
		Credentials: creds,
		Keys:        keys,
		Options: &optionsFrame{
			QRTimeoutMs:         opts.QRTimeout.Milliseconds(),
			ConnectTimeoutMs:    opts.ConnectTimeout.Milliseconds(),
			RetryRequestDelayMs: opts.RetryRequestDelay.Milliseconds(),
			MaxMsgRetryCount:    opts.MaxMsgRetryCount,
			KeepAliveIntervalMs: opts.KeepAliveInterval.Milliseconds(),
		},
	}
	data, err := json.Marshal(&hello)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "encode hello")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return nil, merr.WrapErrDialFailed(opts.TenantID, err)
	}

	c := newClient(conn, d.cfg, opts)
	c.start()
	return c, nil
}

type client struct {
	conn  *websocket.Conn
	cfg   Config
	opts  protocol.Options
	clock clockwork.Clock
	log   *log.MLogger

	ctx    context.Context
	cancel context.CancelFunc

	events chan protocol.Event
	sendCh chan []byte

	mu          sync.Mutex
	pending     map[string]chan frame
	qrTimer     clockwork.Timer
	closeReason protocol.CloseReason
	closeErr    error

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, cfg Config, opts protocol.Options) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		conn:    conn,
		cfg:     cfg,
		opts:    opts,
		clock:   cfg.Clock,
		log:     log.With(log.FieldComponent("wsclient"), log.FieldFirm(opts.TenantID)),
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan protocol.Event, cfg.EventBufferSize),
		sendCh:  make(chan []byte, cfg.SendQueueSize),
		pending: make(map[string]chan frame),
	}
}

func (c *client) start() {
	if c.opts.KeepAliveInterval > 0 {
		c.extendReadDeadline()
		c.conn.SetPongHandler(func(string) error {
			c.extendReadDeadline()
			return nil
		})
	}
	_ = conc.Go(func() (struct{}, error) {
		c.recvLoop()
		return struct{}{}, nil
	})
	_ = conc.Go(func() (struct{}, error) {
		c.sendLoop()
		return struct{}{}, nil
	})
}

func (c *client) extendReadDeadline() {
	// 允许错过一次心跳
	_ = c.conn.SetReadDeadline(time.Now().Add(2*c.opts.KeepAliveInterval + c.cfg.WriteTimeout))
}

func (c *client) Events() <-chan protocol.Event {
	return c.events
}

func (c *client) SendText(ctx context.Context, jid string, text string) error {
	return c.request(ctx, frame{Type: frameSendText, JID: jid, Text: text})
}

func (c *client) SendDocument(ctx context.Context, jid string, doc protocol.Document) error {
	return c.request(ctx, frame{
		Type: frameSendDocument,
		JID:  jid,
		Document: &documentFrame{
			FileName: doc.FileName,
			MimeType: doc.MimeType,
			Caption:  doc.Caption,
			Data:     doc.Data,
		},
	})
}

func (c *client) Logout(ctx context.Context) error {
	return c.request(ctx, frame{Type: frameLogout})
}

func (c *client) Close() error {
	c.closeWith(protocol.ReasonConnectionClosed, errors.New("closed by caller"))
	return nil
}

// closeWith 记录关闭原因并断开底层连接，recvLoop 随后负责收尾。
func (c *client) closeWith(reason protocol.CloseReason, cause error) {
	c.mu.Lock()
	if c.closeReason == protocol.ReasonUnknown {
		c.closeReason = reason
		c.closeErr = cause
	}
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
	})
}

// request 发送请求并等待桥接服务确认，可重试的失败按 RetryRequestDelay 重发。
func (c *client) request(ctx context.Context, f frame) error {
	attempts := uint(c.opts.MaxMsgRetryCount) + 1
	return retry.Handle(ctx, func() (bool, error) {
		ack, err := c.roundTrip(ctx, f)
		if err != nil {
			return errors.Is(err, errAckTimeout), err
		}
		if ack.Error != "" {
			return ack.Retryable, merr.WrapErrProtocol(f.Type, errors.New(ack.Error))
		}
		return false, nil
	}, retry.Attempts(attempts), retry.Sleep(c.opts.RetryRequestDelay), retry.MaxSleepTime(c.opts.RetryRequestDelay))
}

var errAckTimeout = errors.New("ack timeout")

func (c *client) roundTrip(ctx context.Context, f frame) (frame, error) {
	f.ID = uuid.NewString()
	data, err := json.Marshal(&f)
	if err != nil {
		return frame{}, retry.Unrecoverable(errors.Wrap(err, "encode request"))
	}

	ackCh := make(chan frame, 1)
	c.mu.Lock()
	c.pending[f.ID] = ackCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	select {
	case c.sendCh <- data:
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-c.ctx.Done():
		return frame{}, merr.WrapErrProtocolClosed(c.opts.TenantID)
	}

	var timeout <-chan time.Time
	if c.opts.ConnectTimeout > 0 {
		timer := c.clock.NewTimer(c.opts.ConnectTimeout)
		defer timer.Stop()
		timeout = timer.Chan()
	}
	select {
	case ack := <-ackCh:
		return ack, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-c.ctx.Done():
		return frame{}, merr.WrapErrProtocolClosed(c.opts.TenantID)
	case <-timeout:
		return frame{}, merr.WrapErrProtocol(f.Type, errAckTimeout)
	}
}

func (c *client) onError(stage Stage, err error) {
	c.log.RatedWarn(1, "bridge connection error", zap.String("stage", string(stage)), zap.Error(err))
}

func (c *client) recvLoop() {
	var readErr error
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		if c.opts.KeepAliveInterval > 0 {
			c.extendReadDeadline()
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.onError(StageDecode, err)
			continue
		}
		c.dispatch(f)
	}
	c.shutdown(readErr)
}

func (c *client) dispatch(f frame) {
	switch f.Type {
	case frameQR:
		c.resetQRTimer()
		c.emit(protocol.LoginCodeEvent(f.Code))
	case frameOpen:
		c.stopQRTimer()
		c.emit(protocol.OpenedEvent())
	case frameCreds:
		c.emit(protocol.CredentialsUpdatedEvent(f.Credentials))
	case frameKeySet:
		if err := c.opts.Auth.WriteKey(c.ctx, f.Name, f.Value); err != nil {
			c.onError(StageDispatch, err)
		}
	case frameKeyDelete:
		if err := c.opts.Auth.DeleteKey(c.ctx, f.Name); err != nil {
			c.onError(StageDispatch, err)
		}
	case frameAck:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- f:
			default:
			}
		}
	case frameClose:
		var cause error
		if f.Message != "" {
			cause = errors.New(f.Message)
		}
		c.closeWith(protocol.CloseReason(f.Reason), cause)
	default:
		c.log.Debug("ignore unknown bridge frame", zap.String("type", f.Type))
	}
}

func (c *client) emit(ev protocol.Event) {
	c.events <- ev
}

func (c *client) resetQRTimer() {
	if c.opts.QRTimeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.qrTimer != nil {
		c.qrTimer.Stop()
	}
	c.qrTimer = c.clock.AfterFunc(c.opts.QRTimeout, func() {
		c.closeWith(protocol.ReasonTimedOut, errors.New("login code expired"))
	})
}

func (c *client) stopQRTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.qrTimer != nil {
		c.qrTimer.Stop()
		c.qrTimer = nil
	}
}

// shutdown 在 recvLoop 退出后执行，恰好产生一个 Closed 事件。
func (c *client) shutdown(readErr error) {
	c.stopQRTimer()
	c.cancel()
	c.closeOnce.Do(func() { _ = c.conn.Close() })

	c.mu.Lock()
	reason, cause := c.closeReason, c.closeErr
	c.mu.Unlock()
	if reason == protocol.ReasonUnknown {
		reason, cause = classify(readErr), readErr
		c.onError(StageRecv, readErr)
	}

	c.log.Info("bridge connection closed", zap.Stringer("reason", reason), zap.Error(cause))
	c.emit(protocol.ClosedEvent(reason, cause))
	close(c.events)
}

func classify(err error) protocol.CloseReason {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code >= closeCodeReasonBase {
		return protocol.CloseReason(closeErr.Code - closeCodeReasonBase)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return protocol.ReasonTimedOut
	}
	return protocol.ReasonConnectionClosed
}

func (c *client) sendLoop() {
	var ping <-chan time.Time
	if c.opts.KeepAliveInterval > 0 {
		ticker := c.clock.NewTicker(c.opts.KeepAliveInterval)
		defer ticker.Stop()
		ping = ticker.Chan()
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.sendCh:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.onError(StageSend, err)
				c.closeWith(protocol.ReasonConnectionClosed, err)
				return
			}
		case <-ping:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.onError(StageSend, err)
				c.closeWith(protocol.ReasonConnectionClosed, err)
				return
			}
		}
	}
}

func (c *client) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}
