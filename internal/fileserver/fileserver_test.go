package fileserver

import (
	"context"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"retroserver/internal/wire"
)

func TestBeUint32PutUint32RoundTrip(t *testing.T) {
	buf := make([]byte, 4)
	putUint32(buf, 0xDEADBEEF)
	if got := beUint32(buf); got != 0xDEADBEEF {
		t.Fatalf("expected 0xDEADBEEF, got %#x", got)
	}
}

func newTestListener(t *testing.T) *Listener {
	t.Helper()
	l, err := New(Config{
		MaxFileSize:   1024,
		RecvTimeout:   time.Second,
		UploadDir:     t.TempDir(),
		DeleteOnGet:   false,
		HasSession:    func(string) bool { return true },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestHandleUploadThenDownload(t *testing.T) {
	l := newTestListener(t)

	var fileID [16]byte
	fileID[0] = 0xAB
	fileIDHex := hex.EncodeToString(fileID[:])
	content := []byte("retro file contents")

	header := append(append([]byte{}, fileID[:]...), 0, 0, 0, byte(len(content)))

	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.handleUpload(context.Background(), server, "127.0.0.1", "test-req-1", header)
	}()

	ack, err := wire.ReadPacket(client, time.Second)
	if err != nil {
		t.Fatalf("read upload ack: %v", err)
	}
	if ack.Type != wire.TSuccess {
		t.Fatalf("expected TSuccess before payload, got %#x", ack.Type)
	}

	if _, err := client.Write(content); err != nil {
		t.Fatalf("write content: %v", err)
	}

	final, err := wire.ReadPacket(client, time.Second)
	if err != nil {
		t.Fatalf("read final ack: %v", err)
	}
	if final.Type != wire.TSuccess {
		t.Fatalf("expected final TSuccess, got %#x: %s", final.Type, final.Payload)
	}
	client.Close()
	<-done

	if !l.blobs.exists(fileIDHex) {
		t.Fatal("expected uploaded blob to exist")
	}

	dServer, dClient := net.Pipe()
	dDone := make(chan struct{})
	go func() {
		defer close(dDone)
		l.handleDownload(dServer, "127.0.0.1", "test-req-2", fileID[:])
	}()

	resp, err := wire.ReadPacket(dClient, time.Second)
	if err != nil {
		t.Fatalf("read download header: %v", err)
	}
	if resp.Type != wire.TSuccess {
		t.Fatalf("expected TSuccess header, got %#x", resp.Type)
	}
	if beUint32(resp.Payload) != uint32(len(content)) {
		t.Fatalf("expected size %d, got %d", len(content), beUint32(resp.Payload))
	}

	got := make([]byte, len(content))
	if _, err := wire.ReadRaw(dClient, got, time.Second); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("expected body %q, got %q", content, got)
	}
	dClient.Close()
	<-dDone
}
