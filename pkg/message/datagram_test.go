package message

import (
	"testing"

	hubErrors "github.com/sessamekesh/spanreed-message-hub/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatagramSerializer_HeaderRoundTrip(t *testing.T) {
	s := DatagramSerializer{MagicNumber: DefaultDatagramMagicNumber, Version: DefaultDatagramVersion}

	raw, err := s.Serialize(GoodbyeFrame())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x4d, 0x52, 0x50, 0x53, 0x10}, raw[:DatagramHeaderSize])

	frame, err := s.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, FrameKind_Goodbye, frame.Kind)
}

func TestDatagramSerializer_RejectsForeignTraffic(t *testing.T) {
	s := DatagramSerializer{MagicNumber: DefaultDatagramMagicNumber, Version: DefaultDatagramVersion}

	_, err := s.Parse([]byte{0x01, 0x02})
	var underflow *hubErrors.Underflow
	require.ErrorAs(t, err, &underflow)
	assert.Equal(t, 2, underflow.MsgSize)

	other := DatagramSerializer{MagicNumber: 42, Version: DefaultDatagramVersion}
	raw, err := other.Serialize(GoodbyeFrame())
	require.NoError(t, err)

	_, err = s.Parse(raw)
	var header *hubErrors.InvalidHeaderVersion
	require.ErrorAs(t, err, &header)
	assert.Equal(t, uint32(42), header.ActualMagicNumber)

	newer := DatagramSerializer{MagicNumber: DefaultDatagramMagicNumber, Version: 2}
	raw, err = newer.Serialize(GoodbyeFrame())
	require.NoError(t, err)
	_, err = s.Parse(raw)
	require.ErrorAs(t, err, &header)
	assert.Equal(t, uint8(2), header.ActualVersion)
}
