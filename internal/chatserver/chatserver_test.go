package chatserver

import (
	"context"
	"crypto/ed25519"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"retroserver/internal/directory"
	"retroserver/internal/queue"
	"retroserver/internal/wire"
)

func newTestDeps(t *testing.T) (*directory.Directory, *queue.Queue) {
	t.Helper()
	dir := t.TempDir()
	d, err := directory.Open(filepath.Join(dir, "server.db"), filepath.Join(dir, "users"))
	if err != nil {
		t.Fatalf("directory.Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	q, err := queue.Open(filepath.Join(dir, "msg"))
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	return d, q
}

func TestRegisterPersistsNewUser(t *testing.T) {
	dir, q := newTestDeps(t)
	l := New(Config{Directory: dir, Queue: q, RecvTimeout: time.Second})

	key, err := dir.NewUniqueRegKey()
	if err != nil {
		t.Fatalf("NewUniqueRegKey: %v", err)
	}

	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.register(server, key[:])
	}()

	ack, err := wire.ReadPacket(client, time.Second)
	if err != nil {
		t.Fatalf("read id ack: %v", err)
	}
	if ack.Type != wire.TSuccess || len(ack.Payload) != 8 {
		t.Fatalf("expected 8-byte TSuccess userid, got type %#x payload %v", ack.Type, ack.Payload)
	}
	id, err := directory.ParseUserId(ack.Payload)
	if err != nil {
		t.Fatalf("ParseUserId: %v", err)
	}

	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := wire.WritePacket(client, wire.TPubkey, pub); err != nil {
		t.Fatalf("write pubkey: %v", err)
	}

	final, err := wire.ReadPacket(client, time.Second)
	if err != nil {
		t.Fatalf("read final ack: %v", err)
	}
	if final.Type != wire.TSuccess {
		t.Fatalf("expected final TSuccess, got %#x", final.Type)
	}
	client.Close()
	<-done

	if !dir.UserExists(id) {
		t.Fatal("expected the new user to be persisted")
	}
	if dir.RegKeyExists(key) {
		t.Fatal("expected the registration key to be consumed")
	}
}

func TestRegisterRejectsUnknownKey(t *testing.T) {
	dir, q := newTestDeps(t)
	l := New(Config{Directory: dir, Queue: q, RecvTimeout: time.Second})

	var bogus directory.RegKey
	bogus[0] = 0xFF

	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.register(server, bogus[:])
	}()

	pkt, err := wire.ReadPacket(client, time.Second)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if pkt.Type != wire.TError {
		t.Fatalf("expected TError for an unknown regkey, got %#x", pkt.Type)
	}
	client.Close()
	<-done
}

func registerTestUser(t *testing.T, dir *directory.Directory) (directory.UserId, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := dir.NewUniqueUserId()
	if err != nil {
		t.Fatalf("NewUniqueUserId: %v", err)
	}
	if err := dir.AddUser(id, pub); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	return id, priv
}

func helloPayload(id directory.UserId, priv ed25519.PrivateKey) []byte {
	payload := make([]byte, 104)
	copy(payload[0:8], id[:])
	nonce := payload[8:40]
	for i := range nonce {
		nonce[i] = byte(i + 1)
	}
	sig := ed25519.Sign(priv, nonce)
	copy(payload[40:104], sig)
	return payload
}

func TestHandshakeAdmitsValidSignature(t *testing.T) {
	dir, q := newTestDeps(t)
	l := New(Config{Directory: dir, Queue: q, RecvTimeout: time.Second})

	id, priv := registerTestUser(t, dir)
	payload := helloPayload(id, priv)

	server, client := net.Pipe()
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer close(done)
		sess := newSession(server)
		l.handshake(ctx, sess, payload, rate.NewLimiter(rate.Inf, 1))
	}()

	ack, err := wire.ReadPacket(client, time.Second)
	if err != nil {
		t.Fatalf("read handshake ack: %v", err)
	}
	if ack.Type != wire.TSuccess {
		t.Fatalf("expected TSuccess, got %#x: %s", ack.Type, ack.Payload)
	}

	if _, online := dir.SessionByUserId(id); !online {
		t.Fatal("expected the session to be admitted")
	}

	if err := wire.WritePacket(client, wire.TGoodbye, nil); err != nil {
		t.Fatalf("write goodbye: %v", err)
	}
	client.Close()
	<-done

	if _, online := dir.SessionByUserId(id); online {
		t.Fatal("expected the session to be evicted after goodbye")
	}
}

func TestHandshakeRejectsDuplicateSession(t *testing.T) {
	dir, q := newTestDeps(t)
	l := New(Config{Directory: dir, Queue: q, RecvTimeout: time.Second})

	id, priv := registerTestUser(t, dir)
	if !dir.AdmitSession(id, &fakeTarget{id: id}) {
		t.Fatal("expected first AdmitSession to succeed")
	}
	defer dir.EvictSession(id, &fakeTarget{id: id})

	payload := helloPayload(id, priv)
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess := newSession(server)
		l.handshake(context.Background(), sess, payload, rate.NewLimiter(rate.Inf, 1))
	}()

	pkt, err := wire.ReadPacket(client, time.Second)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if pkt.Type != wire.TError || string(pkt.Payload) != "You are already connected" {
		t.Fatalf("expected duplicate-session TError, got %#x %q", pkt.Type, pkt.Payload)
	}
	client.Close()
	<-done
}

func TestHandshakeRejectsBadSignature(t *testing.T) {
	dir, q := newTestDeps(t)
	l := New(Config{Directory: dir, Queue: q, RecvTimeout: time.Second})

	id, _ := registerTestUser(t, dir)
	_, wrongPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payload := helloPayload(id, wrongPriv)

	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess := newSession(server)
		l.handshake(context.Background(), sess, payload, rate.NewLimiter(rate.Inf, 1))
	}()

	pkt, err := wire.ReadPacket(client, time.Second)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if pkt.Type != wire.TError || string(pkt.Payload) != "Permission denied" {
		t.Fatalf("expected Permission denied TError, got %#x %q", pkt.Type, pkt.Payload)
	}
	client.Close()
	<-done
}

func TestHandshakeRejectsWrongLengthPayload(t *testing.T) {
	dir, q := newTestDeps(t)
	l := New(Config{Directory: dir, Queue: q, RecvTimeout: time.Second})

	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess := newSession(server)
		l.handshake(context.Background(), sess, make([]byte, 10), rate.NewLimiter(rate.Inf, 1))
	}()

	pkt, err := wire.ReadPacket(client, time.Second)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if pkt.Type != wire.TError || string(pkt.Payload) != "Malformed hello" {
		t.Fatalf("expected Malformed hello TError, got %#x %q", pkt.Type, pkt.Payload)
	}
	client.Close()
	<-done
}

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

type fakeTarget struct {
	id   directory.UserId
	sent []wire.Packet
}

func (f *fakeTarget) UserId() directory.UserId { return f.id }
func (f *fakeTarget) RemoteAddr() net.Addr      { return fakeAddr("192.0.2.9:1") }
func (f *fakeTarget) Send(typ byte, payload []byte) error {
	f.sent = append(f.sent, wire.Packet{Type: typ, Payload: payload})
	return nil
}

func TestForwardOrQueueDeliversToOnlineRecipient(t *testing.T) {
	dir, q := newTestDeps(t)
	l := New(Config{Directory: dir, Queue: q, RecvTimeout: time.Second})

	recipient, err := dir.NewUniqueUserId()
	if err != nil {
		t.Fatalf("NewUniqueUserId: %v", err)
	}
	if err := dir.AddUser(recipient, make([]byte, 32)); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	target := &fakeTarget{id: recipient}
	if !dir.AdmitSession(recipient, target) {
		t.Fatal("expected AdmitSession to succeed")
	}

	server, _ := net.Pipe()
	defer server.Close()
	sess := newSession(server)

	payload := make([]byte, 24)
	copy(payload[8:16], recipient[:])
	l.forwardOrQueue(sess, wire.TChatMsg, payload)

	if len(target.sent) != 1 {
		t.Fatalf("expected exactly one forwarded packet, got %d", len(target.sent))
	}
	if target.sent[0].Type != wire.TChatMsg {
		t.Fatalf("expected forwarded type TChatMsg, got %#x", target.sent[0].Type)
	}
}

func TestForwardOrQueueStoresForOfflineRecipient(t *testing.T) {
	dir, q := newTestDeps(t)
	l := New(Config{Directory: dir, Queue: q, RecvTimeout: time.Second})

	recipient, err := dir.NewUniqueUserId()
	if err != nil {
		t.Fatalf("NewUniqueUserId: %v", err)
	}
	if err := dir.AddUser(recipient, make([]byte, 32)); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	server, _ := net.Pipe()
	defer server.Close()
	sess := newSession(server)

	payload := make([]byte, 24)
	copy(payload[8:16], recipient[:])
	l.forwardOrQueue(sess, wire.TChatMsg, payload)

	packets, err := q.Drain(context.Background(), recipient)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(packets) != 1 || packets[0].Type != wire.TChatMsg {
		t.Fatalf("expected one queued TChatMsg packet, got %+v", packets)
	}
}

func TestForwardOrQueueUnknownRecipientErrors(t *testing.T) {
	dir, q := newTestDeps(t)
	l := New(Config{Directory: dir, Queue: q, RecvTimeout: time.Second})

	server, client := net.Pipe()
	sess := newSession(server)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var unknown directory.UserId
		unknown[0] = 0x99
		payload := make([]byte, 24)
		copy(payload[8:16], unknown[:])
		l.forwardOrQueue(sess, wire.TChatMsg, payload)
	}()

	pkt, err := wire.ReadPacket(client, time.Second)
	if err != nil {
		t.Fatalf("read error response: %v", err)
	}
	if pkt.Type != wire.TError {
		t.Fatalf("expected TError for an unknown recipient, got %#x", pkt.Type)
	}
	client.Close()
	server.Close()
	<-done
}

func TestGetPubkeyAddsFriendAndReturnsKey(t *testing.T) {
	dir, q := newTestDeps(t)
	l := New(Config{Directory: dir, Queue: q, RecvTimeout: time.Second})

	target, err := dir.NewUniqueUserId()
	if err != nil {
		t.Fatalf("NewUniqueUserId: %v", err)
	}
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := dir.AddUser(target, pub); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	server, client := net.Pipe()
	sess := newSession(server)

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.getPubkey(sess, target[:])
	}()

	pkt, err := wire.ReadPacket(client, time.Second)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if pkt.Type != wire.TPubkey {
		t.Fatalf("expected TPubkey, got %#x", pkt.Type)
	}
	if string(pkt.Payload[8:]) != string(pub) {
		t.Fatal("expected returned key bytes to match the stored public key")
	}
	client.Close()
	server.Close()
	<-done

	friends := sess.friendSet()
	if len(friends) != 1 || !friends[0].Equal(target) {
		t.Fatalf("expected the looked-up user to be added as a friend, got %v", friends)
	}
}

func TestUpdateFriendsBroadcastsOnlineToJustClassifiedFriend(t *testing.T) {
	dir, q := newTestDeps(t)
	l := New(Config{Directory: dir, Queue: q, RecvTimeout: time.Second})

	friendID, err := dir.NewUniqueUserId()
	if err != nil {
		t.Fatalf("NewUniqueUserId: %v", err)
	}
	if err := dir.AddUser(friendID, make([]byte, 32)); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	friendTarget := &fakeTarget{id: friendID}
	if !dir.AdmitSession(friendID, friendTarget) {
		t.Fatal("expected AdmitSession to succeed")
	}
	defer dir.EvictSession(friendID, friendTarget)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	// updateFriends answers sess with one status packet per id before it
	// broadcasts; drain those so the synchronous pipe never blocks.
	go io.Copy(io.Discard, client)
	sess := newSession(server)
	sess.setUserID(directory.UserId{0x42})

	payload := make([]byte, 8)
	copy(payload, friendID[:])
	l.updateFriends(sess, payload)

	if len(friendTarget.sent) != 1 {
		t.Fatalf("expected exactly one broadcast packet to the friend, got %d", len(friendTarget.sent))
	}
	if friendTarget.sent[0].Type != wire.TFriendOnline {
		t.Fatalf("expected TFriendOnline broadcast, got %#x", friendTarget.sent[0].Type)
	}
}

func TestAdmitConnEnforcesMaxConnectionsAndPerIPLimit(t *testing.T) {
	dir, q := newTestDeps(t)
	l := New(Config{Directory: dir, Queue: q, RecvTimeout: time.Second, MaxConnections: 2, PerIPLimit: 1})

	a := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 1}
	b := &net.TCPAddr{IP: net.ParseIP("192.0.2.2"), Port: 1}

	if !l.admitConn(fakeConnAt{a}) {
		t.Fatal("expected first connection from 192.0.2.1 to be admitted")
	}
	if l.admitConn(fakeConnAt{a}) {
		t.Fatal("expected second connection from the same IP to be rejected by PerIPLimit")
	}
	if !l.admitConn(fakeConnAt{b}) {
		t.Fatal("expected connection from a different IP to be admitted")
	}
	if l.admitConn(fakeConnAt{a}) {
		t.Fatal("expected a third connection total to be rejected by MaxConnections")
	}
}

type fakeConnAt struct{ addr net.Addr }

func (f fakeConnAt) Read(b []byte) (int, error)         { return 0, nil }
func (f fakeConnAt) Write(b []byte) (int, error)        { return len(b), nil }
func (f fakeConnAt) Close() error                       { return nil }
func (f fakeConnAt) LocalAddr() net.Addr                { return f.addr }
func (f fakeConnAt) RemoteAddr() net.Addr               { return f.addr }
func (f fakeConnAt) SetDeadline(t time.Time) error      { return nil }
func (f fakeConnAt) SetReadDeadline(t time.Time) error  { return nil }
func (f fakeConnAt) SetWriteDeadline(t time.Time) error { return nil }
