package wsclient

import (
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
)

// Stage 标记错误发生在收发链路的哪个阶段，用于日志。
type Stage string

const (
	StageHandshake Stage = "handshake"
	StageRecv      Stage = "recv"
	StageDecode    Stage = "decode"
	StageDispatch  Stage = "dispatch"
	StageSend      Stage = "send"
)

// Config 为桥接客户端配置。
type Config struct {
	// URL 为桥接服务的 websocket 地址，租户 ID 以 tenantId 查询参数附加。
	URL    string
	Header http.Header

	SendQueueSize   int
	EventBufferSize int
	WriteTimeout    time.Duration

	// Clock 用于登录码超时与心跳，为空时使用真实时钟。
	Clock clockwork.Clock
}

func (c *Config) fillDefaults() {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}
