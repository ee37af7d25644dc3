package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"taskboard/internal/protocol"
)

// Identity is the cached session used for automatic restore.
type Identity struct {
	UserID string
	Login  string
	Token  string
}

type IdentityStore interface {
	LoadIdentity(ctx context.Context) (Identity, bool, error)
	SaveIdentity(ctx context.Context, identity Identity) error
	ClearIdentity(ctx context.Context) error
}

// Reply is a successful or failed ack. Payload keeps the raw ack so the
// engine can tell absent fields from zero values.
type Reply struct {
	Ack     protocol.Ack
	Payload json.RawMessage
}

type Options struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	RequestTimeout    time.Duration
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int

	Identities IdentityStore
	Logger     *zap.Logger

	OnState           func(State)
	OnEvent           func(protocol.Envelope)
	OnNeedCredentials func()
	OnTerminal        func(error)
}

// Manager owns the websocket transport: it dials, reconnects with backoff,
// restores the cached identity and correlates requests with their acks.
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	ready    chan struct{}
	pending  map[string]chan protocol.Envelope
	identity *Identity

	writeMu sync.Mutex
}

func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 5 * time.Second
	}
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opts:    opts,
		logger:  logger,
		ready:   make(chan struct{}),
		pending: make(map[string]chan protocol.Envelope),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Identity() (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return Identity{}, false
	}
	return *m.identity, true
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	changed := m.state != state
	m.state = state
	m.mu.Unlock()
	if changed && m.opts.OnState != nil {
		m.opts.OnState(state)
	}
}

// Run keeps the transport connected until ctx is done or reconnection gives
// up, in which case OnTerminal is called and ErrReconnectExhausted returned.
func (m *Manager) Run(ctx context.Context) error {
	if m.opts.Identities != nil {
		identity, ok, err := m.opts.Identities.LoadIdentity(ctx)
		if err != nil {
			m.logger.Warn("load cached identity", zap.Error(err))
		} else if ok {
			m.mu.Lock()
			m.identity = &identity
			m.mu.Unlock()
		}
	}

	failures := 0
	for {
		m.setState(StateConnecting)
		conn, _, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, m.opts.Header)
		if err != nil {
			m.setState(StateDisconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			m.logger.Warn("connect failed",
				zap.Int("attempt", failures),
				zap.Error(err),
			)
			if failures >= m.opts.ReconnectAttempts {
				if m.opts.OnTerminal != nil {
					m.opts.OnTerminal(ErrReconnectExhausted)
				}
				return ErrReconnectExhausted
			}
			if err := sleep(ctx, m.backoff(failures)); err != nil {
				return err
			}
			continue
		}

		failures = 0
		done := m.attach(conn)
		m.restoreCached(ctx)

		select {
		case <-done:
			m.logger.Info("connection lost, reconnecting")
		case <-ctx.Done():
			_ = conn.Close()
			<-done
			return ctx.Err()
		}
		if err := sleep(ctx, m.opts.ReconnectInitial); err != nil {
			return err
		}
	}
}

func (m *Manager) backoff(failures int) time.Duration {
	delay := m.opts.ReconnectInitial
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= m.opts.ReconnectMax {
			return m.opts.ReconnectMax
		}
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) attach(conn *websocket.Conn) <-chan struct{} {
	m.mu.Lock()
	m.conn = conn
	close(m.ready)
	m.mu.Unlock()
	m.setState(StateConnected)

	done := make(chan struct{})
	go m.readLoop(conn, done)
	return done
}

// detach fails every pending request with CONNECTION_LOST.
func (m *Manager) detach(conn *websocket.Conn) {
	_ = conn.Close()
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.ready = make(chan struct{})
	pending := m.pending
	m.pending = make(map[string]chan protocol.Envelope)
	m.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	m.setState(StateDisconnected)
}

func (m *Manager) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer m.detach(conn)
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case protocol.TypeAck:
			m.mu.Lock()
			ch, ok := m.pending[env.ID]
			delete(m.pending, env.ID)
			m.mu.Unlock()
			if ok {
				ch <- env
			}
		case protocol.TypeEvent:
			if m.opts.OnEvent != nil {
				m.opts.OnEvent(env)
			}
		}
	}
}

func (m *Manager) restoreCached(ctx context.Context) {
	identity, ok := m.Identity()
	if !ok {
		m.needCredentials()
		return
	}
	_, err := m.Request(ctx, protocol.EventRestoreSession, protocol.RestoreRequest{
		Login: identity.Login,
		Token: identity.Token,
	})
	if err != nil {
		m.logger.Info("session restore failed", zap.String("code", Code(err)))
		m.needCredentials()
	}
}

func (m *Manager) needCredentials() {
	if m.opts.OnNeedCredentials != nil {
		m.opts.OnNeedCredentials()
	}
}

// Close drops the current transport. Run will reconnect unless its context
// is done.
func (m *Manager) Close() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// waitsForTransport lists the requests that may be issued before the
// transport is up.
func waitsForTransport(event string) bool {
	switch event {
	case protocol.EventLogin, protocol.EventRegister, protocol.EventRestoreSession:
		return true
	}
	return false
}

func (m *Manager) Request(ctx context.Context, event string, payload any) (Reply, error) {
	return m.RequestWithID(ctx, uuid.NewString(), event, payload)
}

// RequestWithID sends a request whose id doubles as its correlation id.
func (m *Manager) RequestWithID(ctx context.Context, id, event string, payload any) (Reply, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()

	m.mu.Lock()
	conn, state, ready := m.conn, m.state, m.ready
	m.mu.Unlock()
	if conn == nil {
		if !waitsForTransport(event) {
			return Reply{}, errConnectionLost
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return Reply{}, waitError(parent)
		}
		m.mu.Lock()
		conn, state = m.conn, m.state
		m.mu.Unlock()
		if conn == nil {
			return Reply{}, errConnectionLost
		}
	}
	if protocol.IsMutation(event) && state != StateAuthenticated {
		return Reply{}, errUnauthenticated
	}

	env, err := protocol.NewRequest(id, event, payload)
	if err != nil {
		return Reply{}, err
	}
	ch := make(chan protocol.Envelope, 1)
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return Reply{}, errConnectionLost
	}
	m.pending[id] = ch
	m.mu.Unlock()

	m.writeMu.Lock()
	err = conn.WriteJSON(env)
	m.writeMu.Unlock()
	if err != nil {
		m.forget(id)
		return Reply{}, errConnectionLost
	}

	select {
	case got, ok := <-ch:
		if !ok {
			return Reply{}, errConnectionLost
		}
		var ack protocol.Ack
		if err := got.Decode(&ack); err != nil {
			return Reply{}, err
		}
		reply := Reply{Ack: ack, Payload: got.Payload}
		m.afterAck(ctx, event, ack)
		if !ack.Success {
			return reply, requestError(ack.Code, ack.Error)
		}
		return reply, nil
	case <-ctx.Done():
		m.forget(id)
		return Reply{}, waitError(parent)
	}
}

func waitError(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return errTimeout
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// afterAck tracks identity changes carried by auth acks.
func (m *Manager) afterAck(ctx context.Context, event string, ack protocol.Ack) {
	switch event {
	case protocol.EventLogin, protocol.EventRegister, protocol.EventRestoreSession:
		if ack.Success && ack.User != nil {
			identity := Identity{UserID: ack.User.ID, Login: ack.User.Login, Token: ack.Token}
			m.mu.Lock()
			m.identity = &identity
			m.mu.Unlock()
			m.saveIdentity(ctx, identity)
			m.setState(StateAuthenticated)
			return
		}
		if event == protocol.EventRestoreSession && ack.Code == protocol.CodeInvalidCredential {
			m.clearIdentity(ctx)
		}
	case protocol.EventLogout:
		if ack.Success {
			m.clearIdentity(ctx)
			if m.State() == StateAuthenticated {
				m.setState(StateConnected)
			}
		}
	}
}

func (m *Manager) saveIdentity(ctx context.Context, identity Identity) {
	if m.opts.Identities == nil {
		return
	}
	if err := m.opts.Identities.SaveIdentity(ctx, identity); err != nil {
		m.logger.Warn("save identity", zap.Error(err))
	}
}

func (m *Manager) clearIdentity(ctx context.Context) {
	m.mu.Lock()
	m.identity = nil
	m.mu.Unlock()
	if m.opts.Identities == nil {
		return
	}
	if err := m.opts.Identities.ClearIdentity(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("clear identity", zap.Error(err))
	}
}
