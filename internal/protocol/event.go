package protocol

import (
	"fmt"

	"github.com/lk2023060901/firm-gateway-go/internal/json"
)

// EventKind 为事件类型。
type EventKind int

const (
	EventLoginCode EventKind = iota + 1
	EventOpened
	EventClosed
	EventCredentialsUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventLoginCode:
		return "login-code"
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventCredentialsUpdated:
		return "credentials-updated"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// CloseReason 为连接关闭原因码。
type CloseReason int

const (
	ReasonUnknown             CloseReason = 0
	ReasonLoggedOut           CloseReason = 401
	ReasonTimedOut            CloseReason = 408
	ReasonMultideviceMismatch CloseReason = 411
	ReasonConnectionClosed    CloseReason = 428
	ReasonConnectionReplaced  CloseReason = 440
	ReasonBadSession          CloseReason = 500
	ReasonRestartRequired     CloseReason = 515
)

func (r CloseReason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonTimedOut:
		return "timed_out"
	case ReasonMultideviceMismatch:
		return "multidevice_mismatch"
	case ReasonConnectionClosed:
		return "connection_closed"
	case ReasonConnectionReplaced:
		return "connection_replaced"
	case ReasonBadSession:
		return "bad_session"
	case ReasonRestartRequired:
		return "restart_required"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Event 为连接生命周期事件，按 Kind 读取对应字段。
type Event struct {
	Kind EventKind

	// EventLoginCode
	LoginCode string

	// EventClosed
	Reason CloseReason
	Err    error

	// EventCredentialsUpdated
	Credentials json.RawMessage
}

func LoginCodeEvent(code string) Event {
	return Event{Kind: EventLoginCode, LoginCode: code}
}

func OpenedEvent() Event {
	return Event{Kind: EventOpened}
}

func ClosedEvent(reason CloseReason, err error) Event {
	return Event{Kind: EventClosed, Reason: reason, Err: err}
}

func CredentialsUpdatedEvent(creds json.RawMessage) Event {
	return Event{Kind: EventCredentialsUpdated, Credentials: creds}
}
