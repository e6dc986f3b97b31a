package websocket

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tariel-x/duocall/internal/roomstore"
)

func TestErrorFramesKeepSentinels(t *testing.T) {
	cases := []error{
		roomstore.ErrNotFound,
		roomstore.ErrConflict,
		roomstore.ErrInvalidPath,
		roomstore.ErrClosed,
	}
	for _, sentinel := range cases {
		reply := ErrorReply("req-1", fmt.Errorf("%w: rooms/R1", sentinel))

		payload, err := EncodeMessage(reply)
		require.NoError(t, err)
		decoded, err := DecodeMessage(payload)
		require.NoError(t, err)

		assert.Equal(t, "req-1", decoded.ID)
		assert.True(t, errors.Is(decoded.Err(), sentinel), "code %s", decoded.Code)
	}
}

func TestUnknownErrorIsInternal(t *testing.T) {
	reply := ErrorReply("x", errors.New("disk full"))
	assert.Equal(t, CodeInternal, reply.Code)
	assert.EqualError(t, reply.Err(), "room store: disk full")
}

func TestDecodeRejectsUntypedFrame(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"id":"1"}`))
	assert.Error(t, err)

	_, err = DecodeMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestResultFrameIsNotError(t *testing.T) {
	assert.NoError(t, Message{Type: TypeResult}.Err())
}
