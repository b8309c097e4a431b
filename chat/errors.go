package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed indicates the session no longer accepts operations.
	ErrSessionClosed = errors.New("chat: session closed")
	// ErrNotSubscribed indicates an operation that needs a joined session.
	ErrNotSubscribed = errors.New("chat: session not subscribed")
	// ErrAlreadyJoined indicates Join was called twice.
	ErrAlreadyJoined = errors.New("chat: session already joined")
	// ErrUnknownMessage indicates no message with the given identifier exists.
	ErrUnknownMessage = errors.New("chat: unknown message")
	// ErrNotRetryable indicates a retry was requested for a message that has not failed.
	ErrNotRetryable = errors.New("chat: message is not retryable")
	// ErrRemoved indicates the message was already removed and cannot come back.
	ErrRemoved = errors.New("chat: message already removed")
	// ErrDuplicateID indicates a server id is already present in the conversation.
	ErrDuplicateID = errors.New("chat: duplicate message id")
	// ErrInvalidTransition indicates a status change that would move backwards.
	ErrInvalidTransition = errors.New("chat: invalid status transition")
	// ErrEmptyCiphertext indicates a send without payload.
	ErrEmptyCiphertext = errors.New("chat: ciphertext is required")
	// ErrWrongConversation indicates a message does not belong to the partition.
	ErrWrongConversation = errors.New("chat: message belongs to another conversation")
	// ErrNoCrypto indicates a plaintext operation without a Crypto collaborator.
	ErrNoCrypto = errors.New("chat: crypto is not configured")
	// ErrUnsupported indicates the transport lacks an optional capability.
	ErrUnsupported = errors.New("chat: operation not supported by transport")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("chat: invalid status transition %s -> %s", e.From, e.To)
}

// Is lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// TransportError wraps a recoverable send, fetch, join or delete failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chat: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
