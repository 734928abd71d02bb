// Package wire implements the length-prefixed packet framing shared by the
// chat and file listeners: one byte of packet type, four bytes of
// big-endian length, then the payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Packet type bytes. Names match the client-facing protocol; values are
// part of the wire contract and must never be renumbered.
const (
	THello        byte = 0x01
	TRegister     byte = 0x02
	TSuccess      byte = 0x03
	TError        byte = 0x04
	TPubkey       byte = 0x05
	TChatMsg      byte = 0x06
	TFileMsg      byte = 0x07
	TFriends      byte = 0x08
	TFriendUnknown byte = 0x09
	TFriendOnline  byte = 0x0a
	TFriendOffline byte = 0x0b
	TGetPubkey     byte = 0x0c
	TStartCall     byte = 0x0d
	TAcceptCall    byte = 0x0e
	TStopCall      byte = 0x0f
	TRejectCall    byte = 0x10
	TGoodbye       byte = 0x11
	TFileUpload    byte = 0x12
	TFileDownload  byte = 0x13
)

// MaxPayload bounds a single packet's payload size, guarding against a
// malicious or buggy peer claiming an enormous length prefix.
const MaxPayload = 16 * 1024 * 1024

// ErrTimeout is returned in place of the underlying net.Error when a read or
// write deadline expires. Callers should treat it as a recoverable,
// transient condition, not a protocol error.
var ErrTimeout = errors.New("wire: i/o timeout")

// ErrPayloadTooLarge is returned when a peer's declared length prefix
// exceeds MaxPayload.
var ErrPayloadTooLarge = errors.New("wire: payload too large")

// Packet is one decoded frame: a type byte and its payload.
type Packet struct {
	Type    byte
	Payload []byte
}

// ReadPacket reads one framed packet from conn, blocking until deadline (if
// non-zero) expires. A zero deadline means no deadline is set (the caller's
// responsibility to bound the read some other way).
func ReadPacket(conn net.Conn, deadline time.Duration) (Packet, error) {
	if err := setReadDeadline(conn, deadline); err != nil {
		return Packet{}, err
	}
	defer clearDeadline(conn)

	var header [5]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return Packet{}, wrapTimeout(err)
	}

	typ := header[0]
	length := binary.BigEndian.Uint32(header[1:5])
	if length > MaxPayload {
		return Packet{}, ErrPayloadTooLarge
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return Packet{}, wrapTimeout(err)
		}
	}
	return Packet{Type: typ, Payload: payload}, nil
}

// WritePacket writes one framed packet to conn.
func WritePacket(conn net.Conn, typ byte, payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, 5+len(payload))
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	_, err := conn.Write(buf)
	return wrapTimeout(err)
}

// ReadRaw reads exactly len(buf) unframed bytes, such as a raw file body
// that follows a framed header, honoring deadline.
func ReadRaw(conn net.Conn, buf []byte, deadline time.Duration) (int, error) {
	if err := setReadDeadline(conn, deadline); err != nil {
		return 0, err
	}
	defer clearDeadline(conn)
	n, err := io.ReadFull(conn, buf)
	return n, wrapTimeout(err)
}

// ReadSome reads up to len(buf) bytes (a partial read is not an error),
// honoring deadline. Used by the file listener's per-read upload loop.
func ReadSome(conn net.Conn, buf []byte, deadline time.Duration) (int, error) {
	if err := setReadDeadline(conn, deadline); err != nil {
		return 0, err
	}
	defer clearDeadline(conn)
	n, err := conn.Read(buf)
	return n, wrapTimeout(err)
}

func setReadDeadline(conn net.Conn, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return conn.SetReadDeadline(time.Now().Add(d))
}

func clearDeadline(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Time{})
}

func wrapTimeout(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
