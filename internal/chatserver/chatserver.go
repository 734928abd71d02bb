// Package chatserver implements ChatListener: the TLS control/chat
// listener, its Session state machine (handshake, registration, active
// router loop), and friend-presence broadcasts. The accept-loop shape is
// grounded on the pack's raw-TCP relay accept loop; the per-session send
// lock is grounded on the teacher's Client.ctrlMu/sendRaw; the directory
// and queue wiring below is grounded on the teacher's callback-style
// Room construction in main.go (SetOnXxx-style hooks), adapted here to
// plain constructor fields since chatserver owns its dependencies
// directly rather than registering callbacks after the fact.
package chatserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"retroserver/internal/directory"
	"retroserver/internal/identity"
	"retroserver/internal/queue"
	"retroserver/internal/wire"
)

const (
	// registrationKeyWait is how long a freshly-registered client has to
	// send its public key before registration is abandoned.
	registrationKeyWait = 4 * time.Minute
)

// BanChecker reports whether a userid hex / IP pair is currently banned.
type BanChecker interface {
	IsBanned(userIDHex, ip string) (reason string, banned bool, err error)
}

// Config bundles ChatListener's construction parameters.
type Config struct {
	Address       string
	TLSConfig     *tls.Config
	Directory     *directory.Directory
	Queue         *queue.Queue
	RecvTimeout   time.Duration
	AcceptTimeout time.Duration

	MaxConnections int // 0 = unlimited
	PerIPLimit     int // 0 = unlimited
	RateLimitHz    float64
	RateLimitBurst int

	Bans BanChecker
}

// Listener is the ChatListener component.
type Listener struct {
	cfg Config
	ln  net.Listener

	mu             sync.Mutex
	totalConns     int
	connsByIP      map[string]int
}

// New constructs a Listener ready to Run.
func New(cfg Config) *Listener {
	if cfg.RateLimitHz <= 0 {
		cfg.RateLimitHz = 50
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}
	return &Listener{cfg: cfg, connsByIP: make(map[string]int)}
}

// HasSessionFromIP reports whether any currently-admitted chat session's
// remote address matches ip. It is the FileListener's sole access-control
// check, passed in as a fileserver.SessionLookup.
func (l *Listener) HasSessionFromIP(ip string) bool {
	_, ok := l.cfg.Directory.SessionByRemoteAddr(ip)
	return ok
}

// Run binds the listener and accepts connections until ctx is canceled.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := tls.Listen("tcp", l.cfg.Address, l.cfg.TLSConfig)
	if err != nil {
		return fmt.Errorf("chatserver: listen %s: %w", l.cfg.Address, err)
	}
	l.ln = ln
	log.Printf("[chatserver] listening on %s", l.cfg.Address)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Printf("[chatserver] listener closed")
				return nil
			default:
			}
			log.Printf("[chatserver] accept error: %v", err)
			continue
		}
		if !l.admitConn(conn) {
			conn.Close()
			continue
		}
		go l.handle(ctx, conn)
	}
}

// admitConn enforces global and per-IP connection limits before any byte
// is read, so an over-limit client costs no handshake work and never
// touches the Directory.
func (l *Listener) admitConn(conn net.Conn) bool {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.MaxConnections > 0 && l.totalConns >= l.cfg.MaxConnections {
		return false
	}
	if l.cfg.PerIPLimit > 0 && l.connsByIP[host] >= l.cfg.PerIPLimit {
		return false
	}
	l.totalConns++
	l.connsByIP[host]++
	return true
}

func (l *Listener) releaseConn(conn net.Conn) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totalConns--
	if l.connsByIP[host] > 0 {
		l.connsByIP[host]--
		if l.connsByIP[host] == 0 {
			delete(l.connsByIP, host)
		}
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer l.releaseConn(conn)

	sess := newSession(conn)
	limiter := rate.NewLimiter(rate.Limit(l.cfg.RateLimitHz), l.cfg.RateLimitBurst)

	pkt, err := wire.ReadPacket(conn, l.cfg.RecvTimeout)
	if err != nil {
		return
	}

	switch pkt.Type {
	case wire.THello:
		l.handshake(ctx, sess, pkt.Payload, limiter)
	case wire.TRegister:
		l.register(conn, pkt.Payload)
	default:
		log.Printf("[chatserver] %s: unexpected first packet type %#x", conn.RemoteAddr(), pkt.Type)
	}
}

func (l *Listener) handshake(ctx context.Context, sess *Session, payload []byte, limiter *rate.Limiter) {
	conn := sess.conn
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	if len(payload) != 104 {
		sess.Send(wire.TError, []byte("Malformed hello"))
		return
	}
	id, err := directory.ParseUserId(payload[0:8])
	if err != nil {
		sess.Send(wire.TError, []byte("Malformed hello"))
		return
	}
	nonce := payload[8:40]
	sig := payload[40:104]

	if !l.cfg.Directory.UserExists(id) {
		sess.Send(wire.TError, []byte("You don't have an account yet"))
		return
	}

	if l.cfg.Bans != nil {
		if reason, banned, _ := l.cfg.Bans.IsBanned(id.Hex(), host); banned {
			sess.Send(wire.TError, []byte("You are banned: "+reason))
			log.Printf("[chatserver] rejected banned user=%s ip=%s reason=%s", id.Hex(), host, reason)
			return
		}
	}

	if _, online := l.cfg.Directory.SessionByUserId(id); online {
		sess.Send(wire.TError, []byte("You are already connected"))
		return
	}

	pub, err := l.cfg.Directory.LoadPublicKey(id)
	if err != nil {
		sess.Send(wire.TError, []byte("Internal server error"))
		return
	}
	if !pub.Verify(nonce, sig) {
		sess.Send(wire.TError, []byte("Permission denied"))
		return
	}

	sess.setUserID(id)
	if !l.cfg.Directory.AdmitSession(id, sess) {
		sess.Send(wire.TError, []byte("You are already connected"))
		return
	}
	defer l.cfg.Directory.EvictSession(id, sess)

	sess.Send(wire.TSuccess, nil)
	l.activeLoop(ctx, sess, limiter)
}

func (l *Listener) register(conn net.Conn, payload []byte) {
	sess := newSession(conn)
	if len(payload) != 32 {
		return
	}
	key, err := directory.ParseRegKey(payload)
	if err != nil {
		return
	}

	if !l.cfg.Directory.RegKeyExists(key) {
		sess.Send(wire.TError, []byte("Invalid registration key"))
		return
	}

	id, err := l.cfg.Directory.NewUniqueUserId()
	if err != nil {
		sess.Send(wire.TError, []byte("Internal server error"))
		return
	}

	body := make([]byte, 8)
	copy(body, id[:])
	if err := sess.Send(wire.TSuccess, body); err != nil {
		return
	}

	pkt, err := wire.ReadPacket(conn, registrationKeyWait)
	if err != nil || pkt.Type != wire.TPubkey {
		return
	}
	if _, err := identity.ParsePublicKey(pkt.Payload); err != nil {
		sess.Send(wire.TError, []byte("Invalid public key"))
		return
	}

	if err := l.cfg.Directory.AddUser(id, pkt.Payload); err != nil {
		sess.Send(wire.TError, []byte("Internal server error"))
		return
	}

	if _, err := l.cfg.Directory.ConsumeRegKey(key); err != nil {
		log.Printf("[chatserver] consume regkey failed: %v", err)
	}
	sess.Send(wire.TSuccess, nil)
}

func (l *Listener) activeLoop(ctx context.Context, sess *Session, limiter *rate.Limiter) {
	id := sess.UserId()
	conn := sess.conn

	l.drainOffline(ctx, sess)
	defer l.broadcastFriends(sess, wire.TFriendOffline)

	// Unblock a pending or future ReadPacket as soon as ctx is canceled, the
	// same way Run's accept loop closes the listener on shutdown.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		pkt, err := wire.ReadPacket(conn, l.cfg.RecvTimeout)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return
		}

		if !limiter.Allow() {
			log.Printf("[chatserver] %s: rate limit exceeded, dropping packet type %#x", id.Hex(), pkt.Type)
			continue
		}

		if l.route(sess, pkt.Type, pkt.Payload) {
			return
		}
	}
}

// route handles one active-loop packet. Returns true if the session
// should terminate.
func (l *Listener) route(sess *Session, typ byte, payload []byte) bool {
	switch typ {
	case wire.TChatMsg, wire.TFileMsg:
		l.forwardOrQueue(sess, typ, payload)
	case wire.TFriends:
		l.updateFriends(sess, payload)
	case wire.TGetPubkey:
		l.getPubkey(sess, payload)
	case wire.TStartCall, wire.TAcceptCall, wire.TStopCall, wire.TRejectCall:
		l.forwardCallControl(typ, payload)
	case wire.TGoodbye:
		return true
	default:
		log.Printf("[chatserver] %s: ignoring unknown packet type %#x", sess.UserId().Hex(), typ)
	}
	return false
}

func (l *Listener) forwardOrQueue(sess *Session, typ byte, payload []byte) {
	if len(payload) < 16 {
		sess.Send(wire.TError, []byte("Malformed message"))
		return
	}
	recipient, err := directory.ParseUserId(payload[8:16])
	if err != nil {
		sess.Send(wire.TError, []byte("Malformed message"))
		return
	}

	if !l.cfg.Directory.UserExists(recipient) {
		sess.Send(wire.TError, []byte(fmt.Sprintf("Receiver %s doesn't exist!", recipient.Hex())))
		return
	}

	if target, online := l.cfg.Directory.SessionByUserId(recipient); online {
		if err := target.Send(typ, payload); err != nil {
			log.Printf("[chatserver] forward to %s failed: %v", recipient.Hex(), err)
		}
		return
	}

	if err := l.cfg.Queue.Store(context.Background(), recipient, typ, payload); err != nil {
		log.Printf("[chatserver] queue store for %s failed: %v", recipient.Hex(), err)
		sess.Send(wire.TError, []byte("Internal server error"))
	}
}

func (l *Listener) updateFriends(sess *Session, payload []byte) {
	if len(payload)%8 != 0 {
		return
	}
	for i := 0; i+8 <= len(payload); i += 8 {
		id, err := directory.ParseUserId(payload[i : i+8])
		if err != nil {
			continue
		}
		status := l.cfg.Directory.UserStatus(id)

		body := make([]byte, 8)
		copy(body, id[:])
		switch status {
		case directory.StatusUnknown:
			sess.Send(wire.TFriendUnknown, body)
		case directory.StatusOffline:
			sess.Send(wire.TFriendOffline, body)
		case directory.StatusOnline:
			sess.Send(wire.TFriendOnline, body)
		}
		if status != directory.StatusUnknown {
			sess.addFriend(id)
		}
	}

	// Tell the friends just classified as online that sess is online too,
	// now that they're actually in sess's friend set.
	l.broadcastFriends(sess, wire.TFriendOnline)
}

func (l *Listener) getPubkey(sess *Session, payload []byte) {
	if len(payload) != 8 {
		sess.Send(wire.TError, []byte("Malformed request"))
		return
	}
	id, err := directory.ParseUserId(payload)
	if err != nil || !l.cfg.Directory.UserExists(id) {
		sess.Send(wire.TError, []byte("Unknown user"))
		return
	}
	pub, err := l.cfg.Directory.LoadPublicKey(id)
	if err != nil {
		sess.Send(wire.TError, []byte("Internal server error"))
		return
	}
	body := make([]byte, 8, 8+identity.KeySize)
	copy(body, id[:])
	body = append(body, pub.Bytes()...)
	sess.Send(wire.TPubkey, body)
	sess.addFriend(id)
}

func (l *Listener) forwardCallControl(typ byte, payload []byte) {
	if len(payload) < 16 {
		return
	}
	peer, err := directory.ParseUserId(payload[8:16])
	if err != nil {
		return
	}
	if target, online := l.cfg.Directory.SessionByUserId(peer); online {
		_ = target.Send(typ, payload)
	}
}

func (l *Listener) broadcastFriends(sess *Session, typ byte) {
	id := sess.UserId()
	body := make([]byte, 8)
	copy(body, id[:])
	for _, friendID := range sess.friendSet() {
		if target, online := l.cfg.Directory.SessionByUserId(friendID); online {
			_ = target.Send(typ, body)
		}
	}
}

func (l *Listener) drainOffline(ctx context.Context, sess *Session) {
	id := sess.UserId()
	packets, err := l.cfg.Queue.Drain(ctx, id)
	if err != nil {
		log.Printf("[chatserver] drain queue for %s failed: %v", id.Hex(), err)
		return
	}
	for _, p := range packets {
		if err := sess.Send(p.Type, p.Payload); err != nil {
			log.Printf("[chatserver] deliver queued packet to %s failed: %v", id.Hex(), err)
			return
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, wire.ErrTimeout) {
		return true
	}
	type timeouter interface{ Timeout() bool }
	var te timeouter
	for e := err; e != nil; {
		if t, ok := e.(timeouter); ok {
			te = t
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return te != nil && te.Timeout()
}
