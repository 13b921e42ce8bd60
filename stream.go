package dish

import (
	"bufio"
	"io"
	"time"
)

// deadlineStream is the byte stream beneath stream-framed transports:
// net.Conn for tcp and local, *quic.Stream for quic.
type deadlineStream interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// streamConn frames a byte stream with length-prefixed frames.
type streamConn struct {
	rw       deadlineStream
	r        *bufio.Reader
	frameBuf []byte // reused by the single writer
	maxFrame int
	closeFn  func() error
}

func newStreamConn(rw deadlineStream, closeFn func() error, cfg config) *streamConn {
	return &streamConn{
		rw:       rw,
		r:        bufio.NewReaderSize(rw, 64<<10),
		maxFrame: cfg.maxFrame,
		closeFn:  closeFn,
	}
}

func (s *streamConn) readFrame() (frame, error) {
	return readStreamFrame(s.r, s.maxFrame)
}

func (s *streamConn) writeFrame(f frame) error {
	return writeStreamFrame(s.rw, &s.frameBuf, f)
}

func (s *streamConn) SetReadDeadline(t time.Time) error {
	return s.rw.SetReadDeadline(t)
}

func (s *streamConn) SetWriteDeadline(t time.Time) error {
	return s.rw.SetWriteDeadline(t)
}

func (s *streamConn) Close() error {
	return s.closeFn()
}
