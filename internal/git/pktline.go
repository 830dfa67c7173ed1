package git

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	// lengthSize is the size of the hex length prefix of every pkt-line.
	lengthSize = 4

	// MaxPacketSize is the largest frame git allows, header included.
	MaxPacketSize = 65520

	// MaxPayloadSize is the largest payload that fits in one frame. Longer
	// payloads must be split by the caller.
	MaxPayloadSize = MaxPacketSize - lengthSize
)

var flushPkt = []byte("0000")

var (
	ErrPayloadTooLong = errors.New("pkt-line payload exceeds 65516 bytes")
	ErrInvalidLength  = errors.New("invalid pkt-line length")
	ErrShortPacket    = errors.New("pkt-line shorter than its declared length")
)

// FrameKind classifies a decoded pkt-line.
type FrameKind int

const (
	DataFrame FrameKind = iota
	FlushFrame
	// DelimFrame ("0001") and ResponseEndFrame ("0002") only occur in protocol v2.
	DelimFrame
	ResponseEndFrame
)

// Frame is one decoded pkt-line. Payload is only set for a DataFrame.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// EncodeLine frames payload as a single pkt-line: four lowercase hex digits
// holding len(payload)+4, followed by payload unchanged. An empty payload
// encodes as the flush packet.
func EncodeLine(payload []byte) ([]byte, error) {
	return AppendLine(nil, payload)
}

// EncodeFlush returns the flush packet "0000".
func EncodeFlush() []byte {
	return append([]byte(nil), flushPkt...)
}

// AppendLine is EncodeLine appending to b.
func AppendLine(b, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return append(b, flushPkt...), nil
	}
	if len(payload) > MaxPayloadSize {
		return b, ErrPayloadTooLong
	}
	b = fmt.Appendf(b, "%04x", len(payload)+lengthSize)
	return append(b, payload...), nil
}

// DecodeFrame decodes the first pkt-line in b and returns it together with the
// number of bytes it occupied. A declared length that is malformed, or that
// runs past the end of b, is rejected.
func DecodeFrame(b []byte) (Frame, int, error) {
	if len(b) < lengthSize {
		return Frame{}, 0, ErrShortPacket
	}
	size, err := parseLength(b[:lengthSize])
	if err != nil {
		return Frame{}, 0, err
	}
	switch size {
	case 0:
		return Frame{Kind: FlushFrame}, lengthSize, nil
	case 1:
		return Frame{Kind: DelimFrame}, lengthSize, nil
	case 2:
		return Frame{Kind: ResponseEndFrame}, lengthSize, nil
	}
	if size > len(b) {
		return Frame{}, 0, ErrShortPacket
	}
	return Frame{Kind: DataFrame, Payload: b[lengthSize:size]}, size, nil
}

func parseLength(hdr []byte) (int, error) {
	for _, c := range hdr {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return 0, fmt.Errorf("%w: %q", ErrInvalidLength, hdr)
		}
	}
	size, err := strconv.ParseUint(string(hdr), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLength, hdr)
	}
	// 0003 would be a header with a negative payload; 0004 is an empty data
	// line, which git never sends but tolerates.
	if size == 3 || size > MaxPacketSize {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLength, hdr)
	}
	return int(size), nil
}
