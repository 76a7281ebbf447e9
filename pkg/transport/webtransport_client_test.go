package transport

import (
	"bytes"
	"io"
	"testing"

	hubErrors "github.com/sessamekesh/spanreed-message-hub/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamFrames_ReadBackInOrder(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, writeStreamFrame(buf, []byte(`{"kind":"goodbye"}`)))
	require.NoError(t, writeStreamFrame(buf, []byte{}))
	require.NoError(t, writeStreamFrame(buf, []byte("second")))

	assert.Equal(t, []byte{18, 0, 0, 0}, buf.Bytes()[:4])

	first, err := readStreamFrame(buf, DefaultMaxStreamFrameSize)
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"goodbye"}`, string(first))

	empty, err := readStreamFrame(buf, DefaultMaxStreamFrameSize)
	require.NoError(t, err)
	assert.Empty(t, empty)

	second, err := readStreamFrame(buf, DefaultMaxStreamFrameSize)
	require.NoError(t, err)
	assert.Equal(t, "second", string(second))

	_, err = readStreamFrame(buf, DefaultMaxStreamFrameSize)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamFrames_RejectsOversizedFrame(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, writeStreamFrame(buf, make([]byte, 64)))

	_, err := readStreamFrame(buf, 32)
	var tooLarge *hubErrors.FrameTooLarge
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 64, tooLarge.Size)
	assert.Equal(t, 32, tooLarge.MaxSize)
}

func TestStreamFrames_TruncatedBody(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, writeStreamFrame(buf, []byte("complete body")))
	truncated := bytes.NewReader(buf.Bytes()[:8])

	_, err := readStreamFrame(truncated, DefaultMaxStreamFrameSize)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
