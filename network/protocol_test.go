package network

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat/chat"
	"securechat/storage"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"ping","timestamp":1}`)

	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, payload))

	got, err := ReadFrame(&buffer)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	assert.Zero(t, buffer.Len())
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, MaxFrameSize+1)

	if _, err := ReadFrame(bytes.NewReader(header)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeMessageType(t *testing.T) {
	msgType, err := DecodeMessageType([]byte(`{"type":"join","peer":"bob"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeJoin, msgType)

	_, err = DecodeMessageType([]byte(`{"peer":"bob"}`))
	assert.ErrorIs(t, err, ErrInvalidMessageType)

	_, err = DecodeMessageType([]byte(`not json`))
	assert.Error(t, err)
}

func TestMessageFrameConversions(t *testing.T) {
	stored := storage.Message{
		ID:              "srv-1",
		ConversationKey: string(chat.ConversationKey("alice", "bob")),
		Sender:          "alice",
		Recipient:       "bob",
		Ciphertext:      []byte{0x00, 0xff, 0x10},
		SentAt:          1_700_000_000_123,
		SelfDestruct:    1_500,
		IsRead:          true,
	}

	payload, err := EncodeJSON(NewMessageFrame(stored))
	require.NoError(t, err)
	frame, err := decodeFrame[MessageFrame](payload)
	require.NoError(t, err)
	assert.Equal(t, TypeMessage, frame.Type)

	confirmation := frame.Confirmation()
	assert.Equal(t, "srv-1", confirmation.ID)
	assert.Equal(t, stored.Ciphertext, confirmation.Ciphertext)
	assert.Equal(t, time.UnixMilli(stored.SentAt), confirmation.SentAt)
	assert.Equal(t, 1500*time.Millisecond, confirmation.SelfDestruct)
	assert.True(t, confirmation.Read)

	message := frame.Message()
	assert.Equal(t, chat.StatusRead, message.Status)
	assert.Equal(t, chat.ConversationKey("bob", "alice"), message.ConversationKey)
	assert.False(t, message.LocalOnly)

	frame.Read = false
	assert.Equal(t, chat.StatusDelivered, frame.Message().Status)
}

func TestReadFrameDistinguishesHangupFromTruncation(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)

	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, []byte(`{"type":"pong"}`)))
	truncated := buffer.Bytes()[:buffer.Len()-3]
	_, err = ReadFrame(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	empty, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
	require.NoError(t, err)
	assert.Empty(t, empty)
}
