package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"hello":"world"}`)

	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestWriteFrameRejectsEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, nil)
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxMessageSize+1))
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0})
	_, err := ReadFrame(buf)
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestReadFrameRejectsTruncatedPayload(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 10, 'a', 'b'})
	_, err := ReadFrame(buf)
	assert.Error(t, err)
}
