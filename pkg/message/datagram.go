package message

import (
	"encoding/binary"

	"github.com/sessamekesh/spanreed-message-hub/pkg/errors"
)

// Datagram header: little-endian uint32 magic number, then one byte carrying
// the protocol version in the high nibble. The JSON frame follows.
const DatagramHeaderSize = 5

const (
	DefaultDatagramMagicNumber uint32 = 0x5350524d // "SPRM"
	DefaultDatagramVersion     uint8  = 1
)

// DatagramSerializer frames messages for connectionless transports, where the
// header lets the hub throw away stray traffic before parsing anything.
type DatagramSerializer struct {
	MagicNumber uint32
	Version     uint8

	Frames FrameSerializer
}

func (s DatagramSerializer) Serialize(frame *Frame) ([]byte, error) {
	body, err := s.Frames.Serialize(frame)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, DatagramHeaderSize+len(body))
	out = binary.LittleEndian.AppendUint32(out, s.MagicNumber)
	out = append(out, (s.Version&0xF)<<4)
	return append(out, body...), nil
}

func (s DatagramSerializer) Parse(msg []byte) (*Frame, error) {
	if len(msg) < DatagramHeaderSize {
		return nil, &errors.Underflow{
			MessageName: "Datagram",
			MsgSize:     len(msg),
			MinimumSize: DatagramHeaderSize,
		}
	}

	magicNumber := binary.LittleEndian.Uint32(msg[0:4])
	version := (msg[4] & 0xF0) >> 4

	if magicNumber != s.MagicNumber || version != s.Version&0xF {
		return nil, &errors.InvalidHeaderVersion{
			ExpectedMagicNumber: s.MagicNumber,
			ExpectedVersion:     s.Version,
			ActualMagicNumber:   magicNumber,
			ActualVersion:       version,
		}
	}

	return s.Frames.Parse(msg[DatagramHeaderSize:])
}
