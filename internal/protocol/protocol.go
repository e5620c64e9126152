// Package protocol 定义消息网络客户端的契约。
//
// 控制器只依赖这里的接口：由 Dialer 建立连接，通过 Client.Events 消费生命周期事件，
// 并在连接打开后发送文本或文档。线协议由具体实现负责。
package protocol

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/lk2023060901/firm-gateway-go/internal/authstate"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/merr"
)

// UserServer 为个人账号地址的服务端后缀。
const UserServer = "s.whatsapp.net"

// Options 为建立连接时使用的固定参数。
type Options struct {
	TenantID string
	// Auth 为该租户的本地认证材料，客户端在运行时直接读写其中的密钥条目。
	Auth authstate.Store

	QRTimeout         time.Duration
	ConnectTimeout    time.Duration
	RetryRequestDelay time.Duration
	MaxMsgRetryCount  int
	KeepAliveInterval time.Duration
}

// Document 为待发送的文件。
type Document struct {
	Data     []byte
	FileName string
	MimeType string
	Caption  string
}

// Client 为一条已建立的协议连接。
//
// Events 返回的 channel 在连接结束时恰好产生一个 Closed 事件，随后被关闭。
type Client interface {
	Events() <-chan Event
	SendText(ctx context.Context, jid string, text string) error
	SendDocument(ctx context.Context, jid string, doc Document) error
	// Logout 注销当前登录，之后连接会以 LoggedOut 原因关闭。
	Logout(ctx context.Context) error
	Close() error
}

// Dialer 负责为租户建立连接。
type Dialer interface {
	Dial(ctx context.Context, opts Options) (Client, error)
}

// DialerFunc 将函数适配为 Dialer。
type DialerFunc func(ctx context.Context, opts Options) (Client, error)

func (f DialerFunc) Dial(ctx context.Context, opts Options) (Client, error) {
	return f(ctx, opts)
}

// JID 将手机号转换为个人账号地址，已包含 "@" 的地址原样返回。
// 号码中的空格、"+"、"-" 与括号会被忽略。
func JID(number string) (string, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return "", merr.WrapErrParameterMissing("number")
	}
	if strings.Contains(number, "@") {
		return number, nil
	}
	var b strings.Builder
	for _, r := range number {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '+' || r == '-' || r == '(' || r == ')':
		default:
			return "", merr.WrapErrParameterInvalidMsg("invalid phone number %q", number)
		}
	}
	if b.Len() == 0 {
		return "", merr.WrapErrParameterInvalidMsg("invalid phone number %q", number)
	}
	return b.String() + "@" + UserServer, nil
}
