package transport

type EventType int

const (
	EventOpen EventType = iota
	EventError
	EventClosed
	EventText
	EventRaw
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	case EventText:
		return "text"
	case EventRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// Event is one transport notification. Raw events carry one fragment of a
// binary message; BytesRemaining counts the message bytes still to come and
// is zero only on the final fragment. Text messages arrive as EventText only.
type Event struct {
	Type           EventType
	Message        string
	Code           int
	Reason         string
	Data           []byte
	BytesRemaining int
}

// Transport is a persistent, message-oriented, full-duplex connection to a
// single endpoint. Events are queued in arrival order for the owner to drain.
type Transport interface {
	Connect(url string)
	SendText(data []byte) error
	SendBinary(data []byte, isFinal bool) error
	Close() error
	IsConnected() bool
	Events() <-chan Event
}

type Factory func() Transport
