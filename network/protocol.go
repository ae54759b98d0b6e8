package network

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"lanshare/models"
)

const (
	// DefaultPort is the TCP transfer port.
	DefaultPort = 45455
	// MaxHeaderSize bounds the JSON header frame.
	MaxHeaderSize = 64 * 1024
	// MaxTextSize bounds a text payload held in memory.
	MaxTextSize = 16 * 1024 * 1024
	// BufferSize is the streaming chunk size for both directions.
	BufferSize = 1024 * 1024
	// OffsetSize is the length of the resume offset reply.
	OffsetSize = 8

	// DefaultHeaderTimeout bounds reading the header from a new connection.
	DefaultHeaderTimeout = 30 * time.Second
	// DefaultConfirmTimeout bounds the wait for a confirmation decision.
	DefaultConfirmTimeout = 2 * time.Minute
	// DefaultDialTimeout bounds connecting to a peer.
	DefaultDialTimeout = 10 * time.Second
	// ProgressInterval is the minimum gap between progress events.
	ProgressInterval = 100 * time.Millisecond
)

// ErrFrameTooLarge indicates a header frame longer than MaxHeaderSize.
var ErrFrameTooLarge = errors.New("network: frame exceeds max size")

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxHeaderSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, errors.Wrap(err, "read frame length")
	}

	length := binary.BigEndian.Uint32(prefix)
	if length > MaxHeaderSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "read frame payload")
	}
	return payload, nil
}

// WriteHeader encodes header as a JSON frame.
func WriteHeader(w io.Writer, header models.TransferHeader) error {
	payload, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "marshal header")
	}
	return WriteFrame(w, payload)
}

// ReadHeader reads and validates one header frame. A missing type is
// treated as a file. Every failure wraps ErrProtocol.
func ReadHeader(r io.Reader) (models.TransferHeader, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return models.TransferHeader{}, protocolError(err)
	}

	var header models.TransferHeader
	if err := json.Unmarshal(payload, &header); err != nil {
		return models.TransferHeader{}, protocolError(errors.Wrap(err, "decode header"))
	}
	if header.Kind == "" {
		header.Kind = models.KindFile
	}
	if err := header.Validate(); err != nil {
		return models.TransferHeader{}, protocolError(err)
	}
	return header, nil
}

// ReadHeaderWithTimeout reads a header with an optional read deadline.
func ReadHeaderWithTimeout(conn net.Conn, timeout time.Duration) (models.TransferHeader, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return models.TransferHeader{}, errors.Wrap(err, "set read deadline")
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadHeader(conn)
}

// WriteOffset writes the 8-byte resume offset reply.
func WriteOffset(w io.Writer, offset int64) error {
	var buf [OffsetSize]byte
	binary.BigEndian.PutUint64(buf[:], uint64(offset))
	if _, err := w.Write(buf[:]); err != nil {
		return errors.Wrap(err, "write offset")
	}
	return nil
}

// ReadOffset reads the 8-byte resume offset reply. A connection closed
// before any byte of the reply yields io.EOF unwrapped.
func ReadOffset(r io.Reader) (int64, error) {
	var buf [OffsetSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, errors.Wrap(err, "read offset")
	}
	offset := binary.BigEndian.Uint64(buf[:])
	if offset > 1<<62 {
		return 0, protocolError(errors.Errorf("offset %d out of range", offset))
	}
	return int64(offset), nil
}
