package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/firm-gateway-go/internal/authstate"
	"github.com/lk2023060901/firm-gateway-go/internal/json"
	"github.com/lk2023060901/firm-gateway-go/internal/protocol"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/merr"
)

type fakeBridge struct {
	t     *testing.T
	srv   *httptest.Server
	conns chan *websocket.Conn
	query chan string
}

func newFakeBridge(t *testing.T) *fakeBridge {
	b := &fakeBridge{
		t:     t,
		conns: make(chan *websocket.Conn, 4),
		query: make(chan string, 4),
	}
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.query <- r.URL.Query().Get("tenantId")
		b.conns <- conn
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBridge) accept() *websocket.Conn {
	select {
	case conn := <-b.conns:
		b.t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		b.t.Fatal("bridge connection not accepted")
		return nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, f frame) {
	t.Helper()
	data, err := json.Marshal(&f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func nextEvent(t *testing.T, c protocol.Client) protocol.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
		return protocol.Event{}
	}
}

func waitEventsClosed(t *testing.T, c protocol.Client) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed")
		}
	}
}

func baseOptions(auth authstate.Store) protocol.Options {
	return protocol.Options{
		TenantID:          "firm-1",
		Auth:              auth,
		ConnectTimeout:    5 * time.Second,
		RetryRequestDelay: 10 * time.Millisecond,
		MaxMsgRetryCount:  1,
	}
}

func dial(t *testing.T, b *fakeBridge, cfg Config, opts protocol.Options) (protocol.Client, *websocket.Conn) {
	t.Helper()
	cfg.URL = b.url()
	client, err := NewDialer(cfg).Dial(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, b.accept()
}

func TestDialValidatesOptions(t *testing.T) {
	d := NewDialer(Config{URL: "ws://127.0.0.1:1"})

	_, err := d.Dial(context.Background(), protocol.Options{Auth: authstate.NewMemoryStore()})
	assert.ErrorIs(t, err, merr.ErrParameterMissing)

	_, err = d.Dial(context.Background(), protocol.Options{TenantID: "firm-1"})
	assert.ErrorIs(t, err, merr.ErrParameterMissing)
}

func TestDialFailure(t *testing.T) {
	d := NewDialer(Config{URL: "ws://127.0.0.1:1"})
	_, err := d.Dial(context.Background(), baseOptions(authstate.NewMemoryStore()))
	require.Error(t, err)
	assert.ErrorIs(t, err, merr.ErrDialFailed)
	assert.True(t, merr.IsRetryableErr(err))
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	auth := authstate.NewMemoryStore()
	require.NoError(t, auth.WriteCredentials(ctx, json.RawMessage(`{"me":"a"}`)))
	require.NoError(t, auth.WriteKey(ctx, "k1", json.RawMessage(`{"v":1}`)))

	b := newFakeBridge(t)
	client, conn := dial(t, b, Config{}, baseOptions(auth))
	assert.Equal(t, "firm-1", <-b.query)

	hello := readFrame(t, conn)
	assert.Equal(t, frameHello, hello.Type)
	assert.Equal(t, "firm-1", hello.TenantID)
	assert.JSONEq(t, `{"me":"a"}`, string(hello.Credentials))
	assert.Contains(t, hello.Keys, "k1")
	require.NotNil(t, hello.Options)
	assert.Equal(t, 1, hello.Options.MaxMsgRetryCount)

	writeFrame(t, conn, frame{Type: frameQR, Code: "code-1"})
	ev := nextEvent(t, client)
	assert.Equal(t, protocol.EventLoginCode, ev.Kind)
	assert.Equal(t, "code-1", ev.LoginCode)

	writeFrame(t, conn, frame{Type: frameOpen})
	assert.Equal(t, protocol.EventOpened, nextEvent(t, client).Kind)

	writeFrame(t, conn, frame{Type: frameCreds, Credentials: json.RawMessage(`{"me":"b"}`)})
	ev = nextEvent(t, client)
	assert.Equal(t, protocol.EventCredentialsUpdated, ev.Kind)
	assert.JSONEq(t, `{"me":"b"}`, string(ev.Credentials))

	writeFrame(t, conn, frame{Type: frameKeySet, Name: "k2", Value: json.RawMessage(`{"v":2}`)})
	writeFrame(t, conn, frame{Type: frameKeyDelete, Name: "k1"})
	assert.Eventually(t, func() bool {
		keys, err := auth.ReadKeys(ctx)
		if err != nil {
			return false
		}
		_, hasK1 := keys["k1"]
		_, hasK2 := keys["k2"]
		return !hasK1 && hasK2
	}, 5*time.Second, 10*time.Millisecond)

	sent := make(chan error, 1)
	go func() {
		sent <- client.SendText(ctx, "15550001111@"+protocol.UserServer, "hello")
	}()
	req := readFrame(t, conn)
	assert.Equal(t, frameSendText, req.Type)
	assert.Equal(t, "hello", req.Text)
	assert.NotEmpty(t, req.ID)
	writeFrame(t, conn, frame{Type: frameAck, ID: req.ID})
	require.NoError(t, <-sent)

	writeFrame(t, conn, frame{Type: frameClose, Reason: int(protocol.ReasonLoggedOut)})
	ev = nextEvent(t, client)
	assert.Equal(t, protocol.EventClosed, ev.Kind)
	assert.Equal(t, protocol.ReasonLoggedOut, ev.Reason)
	waitEventsClosed(t, client)
}

func TestSendRetriesRetryableAck(t *testing.T) {
	b := newFakeBridge(t)
	client, conn := dial(t, b, Config{}, baseOptions(authstate.NewMemoryStore()))
	readFrame(t, conn)

	sent := make(chan error, 1)
	go func() {
		sent <- client.SendDocument(context.Background(), "1@"+protocol.UserServer, protocol.Document{
			Data:     []byte("%PDF"),
			FileName: "a.pdf",
			MimeType: "application/pdf",
		})
	}()

	first := readFrame(t, conn)
	assert.Equal(t, frameSendDocument, first.Type)
	require.NotNil(t, first.Document)
	assert.Equal(t, []byte("%PDF"), first.Document.Data)
	writeFrame(t, conn, frame{Type: frameAck, ID: first.ID, Error: "busy", Retryable: true})

	second := readFrame(t, conn)
	assert.NotEqual(t, first.ID, second.ID)
	writeFrame(t, conn, frame{Type: frameAck, ID: second.ID})
	require.NoError(t, <-sent)
}

func TestSendRejected(t *testing.T) {
	b := newFakeBridge(t)
	client, conn := dial(t, b, Config{}, baseOptions(authstate.NewMemoryStore()))
	readFrame(t, conn)

	sent := make(chan error, 1)
	go func() {
		sent <- client.SendText(context.Background(), "1@"+protocol.UserServer, "x")
	}()
	req := readFrame(t, conn)
	writeFrame(t, conn, frame{Type: frameAck, ID: req.ID, Error: "not on network"})

	err := <-sent
	require.Error(t, err)
	assert.ErrorIs(t, err, merr.ErrProtocol)
	assert.Contains(t, err.Error(), "not on network")
}

func TestSendAckTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	opts := baseOptions(authstate.NewMemoryStore())
	opts.MaxMsgRetryCount = 0

	b := newFakeBridge(t)
	client, conn := dial(t, b, Config{Clock: clock}, opts)
	readFrame(t, conn)

	sent := make(chan error, 1)
	go func() {
		sent <- client.SendText(context.Background(), "1@"+protocol.UserServer, "x")
	}()
	req := readFrame(t, conn)
	assert.Equal(t, frameSendText, req.Type)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(opts.ConnectTimeout)

	select {
	case err := <-sent:
		require.Error(t, err)
		assert.ErrorIs(t, err, merr.ErrProtocol)
		assert.ErrorIs(t, err, errAckTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not time out")
	}
}

func TestLoginCodeExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	opts := baseOptions(authstate.NewMemoryStore())
	opts.QRTimeout = 40 * time.Second

	b := newFakeBridge(t)
	client, conn := dial(t, b, Config{Clock: clock}, opts)
	readFrame(t, conn)

	writeFrame(t, conn, frame{Type: frameQR, Code: "code-1"})
	assert.Equal(t, protocol.EventLoginCode, nextEvent(t, client).Kind)

	clock.Advance(39 * time.Second)
	select {
	case ev := <-client.Events():
		t.Fatalf("unexpected event %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Second)
	ev := nextEvent(t, client)
	assert.Equal(t, protocol.EventClosed, ev.Kind)
	assert.Equal(t, protocol.ReasonTimedOut, ev.Reason)
	waitEventsClosed(t, client)
}

func TestCloseCodeCarriesReason(t *testing.T) {
	b := newFakeBridge(t)
	client, conn := dial(t, b, Config{}, baseOptions(authstate.NewMemoryStore()))
	readFrame(t, conn)

	msg := websocket.FormatCloseMessage(closeCodeReasonBase+int(protocol.ReasonConnectionReplaced), "replaced")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	ev := nextEvent(t, client)
	assert.Equal(t, protocol.EventClosed, ev.Kind)
	assert.Equal(t, protocol.ReasonConnectionReplaced, ev.Reason)
	waitEventsClosed(t, client)
}

func TestCloseByCaller(t *testing.T) {
	b := newFakeBridge(t)
	client, conn := dial(t, b, Config{}, baseOptions(authstate.NewMemoryStore()))
	readFrame(t, conn)

	require.NoError(t, client.Close())
	ev := nextEvent(t, client)
	assert.Equal(t, protocol.EventClosed, ev.Kind)
	assert.Equal(t, protocol.ReasonConnectionClosed, ev.Reason)
	waitEventsClosed(t, client)

	// 重复关闭无副作用
	require.NoError(t, client.Close())

	err := client.SendText(context.Background(), "1@"+protocol.UserServer, "x")
	assert.ErrorIs(t, err, merr.ErrProtocolClosed)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, protocol.ReasonRestartRequired,
		classify(&websocket.CloseError{Code: closeCodeReasonBase + 515}))
	assert.Equal(t, protocol.ReasonConnectionClosed,
		classify(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.Equal(t, protocol.ReasonConnectionClosed, classify(assert.AnError))
}
