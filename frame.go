package dish

// Connection frames.
//
// Stream transports (tcp, quic, local):
//
//	[4-byte big-endian length][1-byte tag][8-byte big-endian id][payload]
//
// The length covers tag, id and payload. WebSocket messages carry the same
// frame without the length prefix, since the websocket layer already
// delimits messages.
//
// Handshake: the dialer writes a hello frame then reads the peer's hello;
// the acceptor reads first then writes. Hello payload:
//
//	[1-byte protocol version][name UTF-8 bytes]
//
// Request frames go to the connection's PacketHandler. Reply and error
// frames complete the pending Transmit with the same id. Ping frames only
// keep idle connections inside their read deadline.

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	frameHello   byte = 1
	frameRequest byte = 2
	frameReply   byte = 3
	frameError   byte = 4
	framePing    byte = 5
)

const (
	frameHeaderSize = 1 + 8
	frameLenSize    = 4

	protocolVersion byte = 1
	maxNameLen           = 256
)

type frame struct {
	tag     byte
	id      uint64
	payload []byte
}

func frameTagName(tag byte) string {
	switch tag {
	case frameHello:
		return "hello"
	case frameRequest:
		return "request"
	case frameReply:
		return "reply"
	case frameError:
		return "error"
	case framePing:
		return "ping"
	default:
		return fmt.Sprintf("tag(%d)", tag)
	}
}

// appendFrame appends the unprefixed encoding of f to buf.
func appendFrame(buf []byte, f frame) []byte {
	buf = append(buf, f.tag)
	buf = binary.BigEndian.AppendUint64(buf, f.id)
	return append(buf, f.payload...)
}

// parseFrame decodes an unprefixed frame. The payload aliases b.
func parseFrame(b []byte) (frame, error) {
	if len(b) < frameHeaderSize {
		return frame{}, fmt.Errorf("frame length %d too small", len(b))
	}
	return frame{
		tag:     b[0],
		id:      binary.BigEndian.Uint64(b[1:frameHeaderSize]),
		payload: b[frameHeaderSize:],
	}, nil
}

// buildStreamFrame encodes f with its length prefix into *frameBuf (no I/O).
func buildStreamFrame(frameBuf *[]byte, f frame) {
	buf := (*frameBuf)[:0]
	buf = append(buf, 0, 0, 0, 0) // length placeholder
	buf = appendFrame(buf, f)
	binary.BigEndian.PutUint32(buf[:frameLenSize], uint32(len(buf)-frameLenSize))
	*frameBuf = buf
}

// writeStreamFrame encodes f and writes it to w in a single Write.
func writeStreamFrame(w io.Writer, frameBuf *[]byte, f frame) error {
	buildStreamFrame(frameBuf, f)
	_, err := w.Write(*frameBuf)
	return err
}

// readStreamFrame reads one length-prefixed frame. The payload is freshly
// allocated and owned by the caller.
func readStreamFrame(r *bufio.Reader, maxFrame int) (frame, error) {
	var lenBuf [frameLenSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < frameHeaderSize {
		return frame{}, fmt.Errorf("frame length %d too small", n)
	}
	if int64(n) > int64(maxFrame) {
		return frame{}, fmt.Errorf("frame too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return frame{}, fmt.Errorf("incomplete frame: %w", err)
	}
	return parseFrame(buf)
}

func helloFrame(name string) frame {
	payload := make([]byte, 0, 1+len(name))
	payload = append(payload, protocolVersion)
	payload = append(payload, name...)
	return frame{tag: frameHello, payload: payload}
}

func parseHello(f frame) (string, error) {
	if f.tag != frameHello {
		return "", fmt.Errorf("handshake: expected hello, got %s", frameTagName(f.tag))
	}
	if len(f.payload) < 1 {
		return "", errors.New("handshake: empty hello")
	}
	if v := f.payload[0]; v != protocolVersion {
		return "", fmt.Errorf("handshake: unsupported protocol version %d", v)
	}
	name := f.payload[1:]
	if len(name) == 0 || len(name) > maxNameLen {
		return "", fmt.Errorf("handshake: invalid name length %d", len(name))
	}
	return string(name), nil
}
