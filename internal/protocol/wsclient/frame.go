package wsclient

import (
	"github.com/lk2023060901/firm-gateway-go/internal/json"
)

// 桥接服务与客户端之间交换的 JSON 帧类型。
const (
	// client -> bridge
	frameHello        = "hello"
	frameSendText     = "send.text"
	frameSendDocument = "send.document"
	frameLogout       = "logout"

	// bridge -> client
	frameQR        = "qr"
	frameOpen      = "open"
	frameClose     = "close"
	frameCreds     = "creds"
	frameKeySet    = "key.set"
	frameKeyDelete = "key.delete"
	frameAck       = "ack"
)

type documentFrame struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType,omitempty"`
	Caption  string `json:"caption,omitempty"`
	// Data 为 base64 编码的文件内容。
	Data []byte `json:"data"`
}

type optionsFrame struct {
	QRTimeoutMs         int64 `json:"qrTimeoutMs"`
	ConnectTimeoutMs    int64 `json:"connectTimeoutMs"`
	RetryRequestDelayMs int64 `json:"retryRequestDelayMs"`
	MaxMsgRetryCount    int   `json:"maxMsgRetryCount"`
	KeepAliveIntervalMs int64 `json:"keepAliveIntervalMs"`
}

type frame struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	TenantID string `json:"tenantId,omitempty"`

	// hello
	Credentials json.RawMessage            `json:"credentials,omitempty"`
	Keys        map[string]json.RawMessage `json:"keys,omitempty"`
	Options     *optionsFrame              `json:"options,omitempty"`

	// qr
	Code string `json:"code,omitempty"`

	// close
	Reason  int    `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`

	// key.set / key.delete
	Name  string          `json:"name,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`

	// send.*
	JID      string         `json:"jid,omitempty"`
	Text     string         `json:"text,omitempty"`
	Document *documentFrame `json:"document,omitempty"`

	// ack
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}
