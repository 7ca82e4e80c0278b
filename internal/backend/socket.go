package backend

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/Klingon-tech/walletsync/internal/chain"
	"github.com/Klingon-tech/walletsync/pkg/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Socket timing
const (
	actualizeDelay      = 10 * time.Millisecond
	socketReadTimeout   = 60 * time.Second
	socketPingInterval  = 30 * time.Second
	socketWriteTimeout  = 10 * time.Second
	DefaultMinReconnect = time.Second
	DefaultMaxReconnect = 30 * time.Second
)

// Message types on the activity socket.
const (
	msgSubscribe   = "subscribe"
	msgSubscribed  = "subscribed"
	msgNewActivity = "newActivity"

	eventActivity = "activity"
)

type watchedAddress struct {
	Chain   chain.Chain `json:"chain"`
	Address string      `json:"address"`
	Events  []string    `json:"events"`
}

type clientMessage struct {
	Type      string           `json:"type"`
	ID        uint64           `json:"id"`
	Addresses []watchedAddress `json:"addresses"`
}

type serverMessage struct {
	Type      string      `json:"type"`
	ID        uint64      `json:"id,omitempty"`
	Chain     chain.Chain `json:"chain,omitempty"`
	Addresses []string    `json:"addresses,omitempty"`
}

// SocketConfig configures an activity socket.
type SocketConfig struct {
	URL     string
	Network chain.Network
	// MinReconnect and MaxReconnect bound the exponential reconnect backoff.
	MinReconnect time.Duration
	MaxReconnect time.Duration
	Dialer       *websocket.Dialer
	Header       http.Header
	Logger       *logging.Logger
}

// Socket is a reconnecting websocket to the wallet activity backend of one
// network. It is only connected while somebody watches at least one wallet.
type Socket struct {
	cfg SocketConfig
	log *logging.Logger

	mu        sync.Mutex
	ctx       context.Context
	closed    bool
	nextID    uint64
	watchers  []*socketWatcher
	conn      *websocket.Conn
	gen       uint64
	stop      context.CancelFunc
	loopDone  chan struct{}
	actualize *time.Timer

	writeMu sync.Mutex
}

// NewSocket creates a socket. It does nothing until Start is called.
func NewSocket(cfg SocketConfig) *Socket {
	if cfg.MinReconnect <= 0 {
		cfg.MinReconnect = DefaultMinReconnect
	}
	if cfg.MaxReconnect < cfg.MinReconnect {
		cfg.MaxReconnect = DefaultMaxReconnect
		if cfg.MaxReconnect < cfg.MinReconnect {
			cfg.MaxReconnect = cfg.MinReconnect
		}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault().Component("socket")
	}
	return &Socket{
		cfg: cfg,
		log: log.With("network", cfg.Network),
	}
}

// Start allows the socket to connect. ctx bounds its whole lifetime.
func (s *Socket) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ctx != nil {
		return
	}
	s.ctx = ctx
	s.scheduleActualize()
}

// Close disconnects and waits for the connection loop to exit.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.actualize != nil {
		s.actualize.Stop()
		s.actualize = nil
	}
	stop, done := s.stop, s.loopDone
	s.stop, s.loopDone = nil, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}

// IsConnected reports whether a connection is currently open.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// WatchWallets starts watching the given wallets. The returned watcher turns
// connected once the backend confirms a subscription that includes it.
func (s *Socket) WatchWallets(subs []WalletSubscription, handlers WatchHandlers) WalletWatcher {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &socketWatcher{
		socket:   s,
		id:       s.nextID,
		subs:     append([]WalletSubscription(nil), subs...),
		handlers: handlers,
	}
	s.nextID++
	s.watchers = append(s.watchers, w)
	s.scheduleActualize()
	return w
}

func (s *Socket) removeWatcher(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.watchers {
		if w.id == id {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			s.scheduleActualize()
			return
		}
	}
}

// scheduleActualize coalesces watcher changes. Must hold s.mu.
func (s *Socket) scheduleActualize() {
	if s.actualize != nil || s.closed {
		return
	}
	s.actualize = time.AfterFunc(actualizeDelay, s.actualizeNow)
}

// actualizeNow starts or stops the connection loop to match the watchers and
// resubscribes when connected.
func (s *Socket) actualizeNow() {
	s.mu.Lock()
	s.actualize = nil
	if s.closed || s.ctx == nil {
		s.mu.Unlock()
		return
	}

	want := s.hasWatchedAddresses()
	switch {
	case want && s.stop == nil:
		ctx, cancel := context.WithCancel(s.ctx)
		done := make(chan struct{})
		s.gen++
		s.stop, s.loopDone = cancel, done
		go s.run(ctx, s.gen, done)
		s.mu.Unlock()

	case want:
		connected := s.conn != nil
		s.mu.Unlock()
		if connected {
			s.sendSubscribe()
		}

	case s.stop != nil:
		stop := s.stop
		s.stop, s.loopDone = nil, nil
		s.mu.Unlock()
		stop()

	default:
		s.mu.Unlock()
	}
}

func (s *Socket) hasWatchedAddresses() bool {
	for _, w := range s.watchers {
		if len(w.subs) > 0 {
			return true
		}
	}
	return false
}

// run dials and serves the connection until ctx ends, reconnecting with
// exponential backoff.
func (s *Socket) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	backoff := s.cfg.MinReconnect
	for {
		conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Debug("Socket dial failed", "error", err, "retry_in", backoff)
		} else {
			backoff = s.cfg.MinReconnect
			s.serve(ctx, gen, conn)
			s.handleDisconnect(gen)
			if ctx.Err() != nil {
				return
			}
		}

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
		backoff *= 2
		if backoff > s.cfg.MaxReconnect {
			backoff = s.cfg.MaxReconnect
		}
	}
}

func (s *Socket) serve(ctx context.Context, gen uint64, conn *websocket.Conn) {
	connID := uuid.NewString()
	log := s.log.With("conn", connID)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	log.Debug("Socket connected", "url", s.cfg.URL)

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		ticker := time.NewTicker(socketPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-stopped:
				return
			case <-ticker.C:
				s.writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				s.writeMu.Unlock()
				if err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
		return nil
	})

	s.sendSubscribe()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				log.Debug("Socket read error", "error", err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(socketReadTimeout))

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("Malformed socket message", "error", err)
			continue
		}
		s.handleMessage(gen, msg)
	}

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
	log.Debug("Socket disconnected")
}

// sendSubscribe sends every watched address. The request id is taken from
// the watcher id counter, so a subscribed reply with id N covers every
// watcher whose id is below N.
func (s *Socket) sendSubscribe() {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return
	}
	var addresses []watchedAddress
	for _, w := range s.watchers {
		for _, sub := range w.subs {
			addresses = append(addresses, watchedAddress{
				Chain:   sub.Chain,
				Address: sub.Address,
				Events:  []string{eventActivity},
			})
		}
	}
	msg := clientMessage{Type: msgSubscribe, ID: s.nextID, Addresses: addresses}
	s.nextID++
	s.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("Failed to encode subscribe message", "error", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Debug("Failed to send subscribe message", "error", err)
		conn.Close()
	}
}

func (s *Socket) handleMessage(gen uint64, msg serverMessage) {
	switch msg.Type {
	case msgSubscribed:
		s.handleSubscribed(gen, msg.ID)
	case msgNewActivity:
		s.handleNewActivity(gen, msg)
	}
}

func (s *Socket) handleSubscribed(gen, id uint64) {
	var calls []func()

	s.mu.Lock()
	if s.gen == gen {
		for _, w := range s.watchers {
			// Created after the request was sent, so maybe not subscribed yet.
			if id < w.id {
				continue
			}
			if !w.connected {
				w.connected = true
				calls = append(calls, w.handlers.OnConnect)
			}
		}
	}
	s.mu.Unlock()

	s.invoke(calls)
}

func (s *Socket) handleNewActivity(gen uint64, msg serverMessage) {
	addresses := make(map[string]struct{}, len(msg.Addresses))
	for _, a := range msg.Addresses {
		addresses[a] = struct{}{}
	}

	var calls []func()

	s.mu.Lock()
	if s.gen == gen {
		for _, w := range s.watchers {
			if !w.connected || w.handlers.OnNewActivity == nil {
				continue
			}
			for _, sub := range w.subs {
				if _, ok := addresses[sub.Address]; ok && sub.Chain == msg.Chain {
					calls = append(calls, w.handlers.OnNewActivity)
				}
			}
		}
	}
	s.mu.Unlock()

	s.invoke(calls)
}

func (s *Socket) handleDisconnect(gen uint64) {
	var calls []func()

	s.mu.Lock()
	if s.gen == gen {
		for _, w := range s.watchers {
			if w.connected {
				w.connected = false
				calls = append(calls, w.handlers.OnDisconnect)
			}
		}
	}
	s.mu.Unlock()

	s.invoke(calls)
}

// invoke runs watcher callbacks outside the lock. A panicking callback is
// logged and does not affect the others.
func (s *Socket) invoke(calls []func()) {
	for _, fn := range calls {
		if fn == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("Watcher callback panicked", "panic", r)
				}
			}()
			fn()
		}()
	}
}

type socketWatcher struct {
	socket   *Socket
	id       uint64
	subs     []WalletSubscription
	handlers WatchHandlers

	// guarded by socket.mu
	connected bool
}

func (w *socketWatcher) IsConnected() bool {
	w.socket.mu.Lock()
	defer w.socket.mu.Unlock()
	return w.connected
}

func (w *socketWatcher) Destroy() {
	w.socket.removeWatcher(w.id)
}

var _ WalletWatcher = (*socketWatcher)(nil)
var _ WalletWatchService = (*Socket)(nil)
