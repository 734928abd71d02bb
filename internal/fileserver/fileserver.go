// Package fileserver implements FileListener: a TLS listener offering
// upload/download of opaque file blobs, gated solely by whether the
// connecting IP currently holds a live chat session (a deliberately weak,
// IP-based bearer-capability model — see spec.md §9's open question on
// file authorization).
package fileserver

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"retroserver/internal/wire"
)

// SessionLookup reports whether ip currently has a live chat session —
// the file listener's sole access-control check.
type SessionLookup func(ip string) bool

// Recorder persists upload metadata (uploader IP and size). Optional.
type Recorder interface {
	RecordFile(ctx context.Context, fileIDHex, uploaderIP string, size int64) error
}

// Listener is the FileListener component.
type Listener struct {
	addr          string
	tlsConfig     *tls.Config
	blobs         *blobStore
	hasSession    SessionLookup
	recorder      Recorder
	acceptTimeout time.Duration
	recvTimeout   time.Duration
	maxFileSize   int64
	deleteOnGet   bool

	ln net.Listener
}

// Config bundles the FileListener's construction parameters.
type Config struct {
	Address       string
	TLSConfig     *tls.Config
	UploadDir     string
	HasSession    SessionLookup
	Recorder      Recorder
	AcceptTimeout time.Duration
	RecvTimeout   time.Duration
	MaxFileSize   int64
	DeleteOnGet   bool
}

// New constructs a Listener ready to Run.
func New(cfg Config) (*Listener, error) {
	blobs, err := newBlobStore(cfg.UploadDir)
	if err != nil {
		return nil, err
	}
	return &Listener{
		addr:          cfg.Address,
		tlsConfig:     cfg.TLSConfig,
		blobs:         blobs,
		hasSession:    cfg.HasSession,
		recorder:      cfg.Recorder,
		acceptTimeout: cfg.AcceptTimeout,
		recvTimeout:   cfg.RecvTimeout,
		maxFileSize:   cfg.MaxFileSize,
		deleteOnGet:   cfg.DeleteOnGet,
	}, nil
}

// Run binds the listener and accepts connections until ctx is canceled.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := tls.Listen("tcp", l.addr, l.tlsConfig)
	if err != nil {
		return fmt.Errorf("fileserver: listen %s: %w", l.addr, err)
	}
	l.ln = ln
	log.Printf("[fileserver] listening on %s", l.addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Printf("[fileserver] listener closed")
				return nil
			default:
			}
			log.Printf("[fileserver] accept error: %v", err)
			continue
		}
		go l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reqID := uuid.NewString()
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	if !l.hasSession(host) {
		log.Printf("[fileserver] req=%s rejecting %s: no live chat session", reqID, host)
		return
	}

	pkt, err := wire.ReadPacket(conn, l.recvTimeout)
	if err != nil {
		log.Printf("[fileserver] req=%s %s: initial packet: %v", reqID, host, err)
		return
	}

	switch pkt.Type {
	case wire.TFileUpload:
		l.handleUpload(ctx, conn, host, reqID, pkt.Payload)
	case wire.TFileDownload:
		l.handleDownload(conn, host, reqID, pkt.Payload)
	default:
		log.Printf("[fileserver] req=%s %s: unexpected initial packet type %#x", reqID, host, pkt.Type)
	}
}

func (l *Listener) handleUpload(ctx context.Context, conn net.Conn, host, reqID string, payload []byte) {
	if len(payload) != 20 {
		log.Printf("[fileserver] req=%s %s: malformed upload header (%d bytes)", reqID, host, len(payload))
		return
	}
	fileIDHex := hex.EncodeToString(payload[:16])
	size := beUint32(payload[16:20])

	if int64(size) > l.maxFileSize {
		_ = wire.WritePacket(conn, wire.TError, []byte("File too large"))
		return
	}

	sink, err := l.blobs.createSink(fileIDHex)
	if err != nil {
		log.Printf("[fileserver] req=%s %s: create sink: %v", reqID, host, err)
		_ = wire.WritePacket(conn, wire.TError, []byte("Internal server error"))
		return
	}

	if err := wire.WritePacket(conn, wire.TSuccess, nil); err != nil {
		sink.abort()
		return
	}

	received, err := copyExactly(conn, sink, int64(size), l.recvTimeout)
	if err != nil {
		sink.abort()
		msg := fmt.Sprintf("Failed, only uploaded %d/%d bytes", received, size)
		_ = wire.WritePacket(conn, wire.TError, []byte(msg))
		log.Printf("[fileserver] req=%s %s: upload %s short: %v", reqID, host, fileIDHex, err)
		return
	}

	if err := sink.commit(); err != nil {
		log.Printf("[fileserver] req=%s %s: commit upload %s: %v", reqID, host, fileIDHex, err)
		_ = wire.WritePacket(conn, wire.TError, []byte("Internal server error"))
		return
	}

	if l.recorder != nil {
		if err := l.recorder.RecordFile(ctx, fileIDHex, host, int64(size)); err != nil {
			log.Printf("[fileserver] req=%s %s: record metadata for %s: %v (non-fatal)", reqID, host, fileIDHex, err)
		}
	}

	_ = wire.WritePacket(conn, wire.TSuccess, nil)
	log.Printf("[fileserver] req=%s %s: upload %s complete (%d bytes)", reqID, host, fileIDHex, size)
}

func (l *Listener) handleDownload(conn net.Conn, host, reqID string, payload []byte) {
	if len(payload) != 16 {
		log.Printf("[fileserver] req=%s %s: malformed download header (%d bytes)", reqID, host, len(payload))
		return
	}
	fileIDHex := hex.EncodeToString(payload)

	size, err := l.blobs.size(fileIDHex)
	if err != nil {
		_ = wire.WritePacket(conn, wire.TError, []byte("Requested file doesn't exist"))
		return
	}

	f, err := l.blobs.open(fileIDHex)
	if err != nil {
		_ = wire.WritePacket(conn, wire.TError, []byte("Requested file doesn't exist"))
		return
	}
	defer f.Close()

	body := make([]byte, 4)
	putUint32(body, uint32(size))
	if err := wire.WritePacket(conn, wire.TSuccess, body); err != nil {
		return
	}

	if _, err := io.Copy(conn, f); err != nil {
		log.Printf("[fileserver] req=%s %s: stream %s: %v", reqID, host, fileIDHex, err)
		return
	}

	if l.deleteOnGet {
		if err := l.blobs.remove(fileIDHex); err != nil {
			log.Printf("[fileserver] req=%s %s: delete-after-download %s: %v (non-fatal)", reqID, host, fileIDHex, err)
		}
	}
	log.Printf("[fileserver] req=%s %s: download %s complete (%d bytes)", reqID, host, fileIDHex, size)
}

// copyExactly reads exactly n bytes from conn into w, with a per-read
// deadline, returning the number of bytes actually received on failure.
func copyExactly(conn net.Conn, w io.Writer, n int64, deadline time.Duration) (int64, error) {
	const chunk = 32 * 1024
	buf := make([]byte, chunk)
	var received int64
	for received < n {
		want := int64(chunk)
		if remain := n - received; remain < want {
			want = remain
		}
		read, err := wire.ReadSome(conn, buf[:want], deadline)
		if read > 0 {
			if _, werr := w.Write(buf[:read]); werr != nil {
				return received, werr
			}
			received += int64(read)
		}
		if err != nil {
			return received, err
		}
	}
	return received, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
