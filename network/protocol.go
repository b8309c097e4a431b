package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"securechat/chat"
	"securechat/storage"
)

const (
	// ProtocolVersion is sent in every hello.
	ProtocolVersion = 1
	// MaxFrameSize caps a frame payload at 1 MiB.
	MaxFrameSize = 1 << 20

	DefaultConnectionTimeout = 30 * time.Second
	DefaultKeepAliveInterval = 60 * time.Second
	DefaultKeepAliveTimeout  = 15 * time.Second
	DefaultFrameReadTimeout  = 30 * time.Second
	// DefaultWriteTimeout keeps a stalled subscriber from blocking Publish.
	DefaultWriteTimeout = 10 * time.Second

	frameHeaderSize = 4
)

const (
	TypeHello   = "hello"
	TypeJoin    = "join"
	TypeJoined  = "joined"
	TypeLeave   = "leave"
	TypeMessage = "message"
	TypeDeleted = "deleted"
	TypePing    = "ping"
	TypePong    = "pong"
	TypeError   = "error"
)

// Error codes carried by ErrorMessage.
const (
	CodeHelloRequired      = "hello_required"
	CodeUnsupportedVersion = "unsupported_version"
	CodeInvalidJoin        = "invalid_join"
	CodeUnknownType        = "unknown_type"
)

var (
	ErrFrameTooLarge      = errors.New("network: frame too large")
	ErrUnsupportedVersion = errors.New("network: protocol version mismatch")
	ErrInvalidMessageType = errors.New("network: missing or unknown frame type")
)

// HelloMessage must be the first frame a client sends.
type HelloMessage struct {
	Type            string `json:"type"`
	Identity        string `json:"identity"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// JoinMessage subscribes the connection to the conversation with Peer.
type JoinMessage struct {
	Type      string `json:"type"`
	Peer      string `json:"peer"`
	Timestamp int64  `json:"timestamp"`
}

// JoinedMessage confirms a join.
type JoinedMessage struct {
	Type            string `json:"type"`
	Peer            string `json:"peer"`
	ConversationKey string `json:"conversation_key"`
	Timestamp       int64  `json:"timestamp"`
}

// LeaveMessage drops the subscription to the conversation with Peer.
type LeaveMessage struct {
	Type      string `json:"type"`
	Peer      string `json:"peer"`
	Timestamp int64  `json:"timestamp"`
}

// MessageFrame carries a stored message. Ciphertext is base64 in JSON.
type MessageFrame struct {
	Type            string `json:"type"`
	ID              string `json:"id"`
	ConversationKey string `json:"conversation_key"`
	Sender          string `json:"sender"`
	Recipient       string `json:"recipient"`
	Ciphertext      []byte `json:"ciphertext"`
	SentAt          int64  `json:"sent_at"`
	SelfDestructMs  int64  `json:"self_destruct_ms"`
	Read            bool   `json:"read"`
}

// DeletedFrame carries server ids removed from a conversation.
type DeletedFrame struct {
	Type            string   `json:"type"`
	ConversationKey string   `json:"conversation_key"`
	IDs             []string `json:"ids"`
	Timestamp       int64    `json:"timestamp"`
}

// KeepAlive is both the ping and the pong; Type tells them apart.
type KeepAlive struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func keepAlive(kind string) KeepAlive {
	return KeepAlive{Type: kind, Timestamp: time.Now().UnixMilli()}
}

// ErrorMessage is sent before the hub hangs up on a misbehaving client,
// or in reply to a frame it cannot act on.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func (e ErrorMessage) Error() string {
	return fmt.Sprintf("relay rejected frame (%s): %s", e.Code, e.Message)
}

// NewMessageFrame converts a stored row to its wire form.
func NewMessageFrame(message storage.Message) MessageFrame {
	return MessageFrame{
		Type:            TypeMessage,
		ID:              message.ID,
		ConversationKey: message.ConversationKey,
		Sender:          message.Sender,
		Recipient:       message.Recipient,
		Ciphertext:      message.Ciphertext,
		SentAt:          message.SentAt,
		SelfDestructMs:  message.SelfDestruct,
		Read:            message.IsRead,
	}
}

// Confirmation converts the frame to the reconciler input.
func (f MessageFrame) Confirmation() chat.Confirmation {
	return chat.Confirmation{
		ID:           f.ID,
		Sender:       f.Sender,
		Recipient:    f.Recipient,
		Ciphertext:   append([]byte(nil), f.Ciphertext...),
		SentAt:       time.UnixMilli(f.SentAt),
		SelfDestruct: time.Duration(f.SelfDestructMs) * time.Millisecond,
		Read:         f.Read,
	}
}

// Message converts the frame to a confirmed history entry.
func (f MessageFrame) Message() chat.Message {
	status := chat.StatusDelivered
	if f.Read {
		status = chat.StatusRead
	}
	return chat.Message{
		ID:              f.ID,
		ConversationKey: chat.ConversationKey(f.Sender, f.Recipient),
		Sender:          f.Sender,
		Recipient:       f.Recipient,
		Ciphertext:      append([]byte(nil), f.Ciphertext...),
		SentAt:          time.UnixMilli(f.SentAt),
		SelfDestruct:    time.Duration(f.SelfDestructMs) * time.Millisecond,
		Status:          status,
	}
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("network: encode %T: %w", message, err)
	}
	return payload, nil
}

// DecodeMessageType peeks at the "type" field of a frame payload.
func DecodeMessageType(payload []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return "", fmt.Errorf("network: frame type: %w", err)
	}
	if head.Type == "" {
		return "", ErrInvalidMessageType
	}
	return head.Type, nil
}

func decodeFrame[T any](payload []byte) (T, error) {
	var frame T
	if err := json.Unmarshal(payload, &frame); err != nil {
		return frame, fmt.Errorf("decode %T: %w", frame, err)
	}
	return frame, nil
}

// WriteFrame writes payload behind its big-endian length. The header and
// payload go out in a single Write so concurrent writers on a locked
// connection never interleave.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	if _, err := w.Write(append(buf, payload...)); err != nil {
		return fmt.Errorf("network: write frame: %w", err)
	}
	return nil
}

func writeMessage(w io.Writer, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadFrame reads one frame. A peer that hangs up between frames yields
// io.EOF unwrapped.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("network: frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("network: frame body: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout reads one frame from conn. A non-positive timeout
// blocks until a frame arrives or the connection fails.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		return ReadFrame(conn)
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("network: read deadline: %w", err)
	}
	payload, err := ReadFrame(conn)
	_ = conn.SetReadDeadline(time.Time{})
	return payload, err
}

func errorFrame(code, format string, args ...any) ErrorMessage {
	return ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now().UnixMilli(),
	}
}
