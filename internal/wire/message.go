package wire

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/roach88/ordserv/internal/hook"
)

// Kind names a message type.
type Kind string

// Request kinds.
const (
	KindConnect    Kind = "connect"
	KindDo         Kind = "do"
	KindWait       Kind = "wait"
	KindNotify     Kind = "notify"
	KindDisconnect Kind = "disconnect"
)

// Reply kinds.
const (
	KindConnected Kind = "connected"
	KindAck       Kind = "ack"
	KindError     Kind = "error"
)

// MaxMessageSize bounds an encoded message. Transports reject larger frames.
const MaxMessageSize = 64 << 10

// Message is the single envelope for every request and reply.
// Which fields are meaningful depends on Kind.
type Message struct {
	Kind     Kind          `json:"kind"`
	ClientID hook.ClientID `json:"client_id,omitempty"`
	RunID    string        `json:"run_id,omitempty"`
	Hook     string        `json:"hook,omitempty"`
	Seq      uint32        `json:"seq,omitempty"`
	Error    *Error        `json:"error,omitempty"`
}

// IsRequest reports whether the kind is sent by clients.
func (k Kind) IsRequest() bool {
	switch k {
	case KindConnect, KindDo, KindWait, KindNotify, KindDisconnect:
		return true
	}
	return false
}

func (k Kind) isTracepoint() bool {
	return k == KindDo || k == KindWait || k == KindNotify
}

// IsReply reports whether the kind is sent by the coordinator.
func (k Kind) IsReply() bool {
	switch k {
	case KindConnected, KindAck, KindError:
		return true
	}
	return false
}

// Connect builds a connect request. A negative id asks for an assigned one.
func Connect(requested hook.ClientID, runID string) Message {
	return Message{Kind: KindConnect, ClientID: requested, RunID: runID}
}

// Tracepoint builds a do, wait or notify request for inv.
func Tracepoint(kind Kind, inv hook.Invocation) Message {
	return Message{Kind: kind, ClientID: inv.Client, Hook: inv.Hook, Seq: inv.Seq}
}

// Disconnect builds a disconnect request.
func Disconnect(id hook.ClientID) Message {
	return Message{Kind: KindDisconnect, ClientID: id}
}

// Connected builds the reply to a successful connect.
func Connected(id hook.ClientID, runID string) Message {
	return Message{Kind: KindConnected, ClientID: id, RunID: runID}
}

// Ack builds an acknowledgment.
func Ack() Message {
	return Message{Kind: KindAck}
}

// ErrorReply builds an error reply carrying err's kind.
func ErrorReply(err error) Message {
	return Message{Kind: KindError, Error: &Error{Kind: KindOf(err), Message: err.Error()}}
}

// Invocation extracts the tracepoint carried by a do, wait or notify message.
func (m Message) Invocation() (hook.Invocation, error) {
	inv, err := hook.NewInvocation(m.Hook, m.ClientID, m.Seq)
	if err != nil {
		return hook.Invocation{}, Errorf(KindProtocol, "%s: %v", m.Kind, err)
	}
	return inv, nil
}

// Err returns the error carried by an error reply, or nil for any other kind.
func (m Message) Err() error {
	if m.Kind != KindError {
		return nil
	}
	if m.Error == nil {
		return Errorf(KindProtocol, "error reply without body")
	}
	return m.Error
}

func (m Message) String() string {
	switch m.Kind {
	case KindDo, KindWait, KindNotify:
		return fmt.Sprintf("%s(%s/%d/%d)", m.Kind, m.Hook, m.ClientID, m.Seq)
	case KindConnect, KindConnected, KindDisconnect:
		return fmt.Sprintf("%s(%d)", m.Kind, m.ClientID)
	case KindError:
		if m.Error != nil {
			return fmt.Sprintf("error(%s)", m.Error.Kind)
		}
	}
	return string(m.Kind)
}

// Encode serializes a message. Tracepoints are validated first so a name
// that is not valid UTF-8 is not silently rewritten by the encoder.
func Encode(m Message) ([]byte, error) {
	if m.Kind.isTracepoint() {
		if _, err := m.Invocation(); err != nil {
			return nil, err
		}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind, err)
	}
	if len(data) > MaxMessageSize {
		return nil, Errorf(KindProtocol, "encoded %s is %d bytes, limit %d", m.Kind, len(data), MaxMessageSize)
	}
	return data, nil
}

// Decode parses and validates a message. Every failure is an ErrProtocol.
func Decode(data []byte) (Message, error) {
	if len(data) > MaxMessageSize {
		return Message{}, Errorf(KindProtocol, "message is %d bytes, limit %d", len(data), MaxMessageSize)
	}
	// encoding/json replaces invalid UTF-8 with U+FFFD, which would merge
	// distinct hook names.
	if !utf8.Valid(data) {
		return Message{}, Errorf(KindProtocol, "message is not valid UTF-8")
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, Errorf(KindProtocol, "decode: %v", err)
	}
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m Message) validate() error {
	switch m.Kind {
	case KindDo, KindWait, KindNotify:
		if _, err := m.Invocation(); err != nil {
			return err
		}
	case KindConnect, KindDisconnect, KindConnected, KindAck:
	case KindError:
		if m.Error == nil || m.Error.Kind == "" {
			return Errorf(KindProtocol, "error reply without kind")
		}
	case "":
		return Errorf(KindProtocol, "message without kind")
	default:
		return Errorf(KindProtocol, "unknown message kind %q", m.Kind)
	}
	return nil
}
