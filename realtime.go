package chatsync

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push connection.
type RealtimeConfig struct {
	HeartbeatInterval time.Duration
	// AutoReconnect redials after a dropped connection. Off by default: a
	// dropped connection stays closed until Open is called again.
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// TypingInterval is the minimum gap between start-typing frames.
	TypingInterval time.Duration
	HTTPClient     *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.TypingInterval == 0 {
		c.TypingInterval = 2 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ConnectionState is the lifecycle state of the push connection.
type ConnectionState string

const (
	StateClosed       ConnectionState = "closed"
	StateConnecting   ConnectionState = "connecting"
	StateOpen         ConnectionState = "open"
	StateReconnecting ConnectionState = "reconnecting"
)

// outboundFrame is a client-to-server frame.
type outboundFrame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type userStatusPayload struct {
	UserID int64 `json:"user_id"`
}

type typingPayload struct {
	ChatID   int64 `json:"chat_id"`
	IsTyping bool  `json:"is_typing"`
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential backoff with up to 50% jitter. A connection that
// stayed up for a minute starts over from the base delay.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single push connection of a session. Inbound
// frames go through a Dispatcher into the store.
type ConnectionManager struct {
	url        string
	creds      CredentialProvider
	store      *Store
	dispatcher *Dispatcher
	config     RealtimeConfig
	logger     zerolog.Logger
	typingLim  *rate.Limiter

	mu     sync.Mutex
	state  ConnectionState
	conn   *websocket.Conn
	cancel context.CancelFunc
	// lifeCancel ends the context spanning one Open..Close cycle, reconnects
	// included. Cancelling it aborts a pending backoff or dial.
	lifeCancel context.CancelFunc
	// epoch changes on every Open and Close so that loops of an older
	// connection can tell they are stale.
	epoch        int
	recon        *reconnector
	onDisconnect []func(err error)
}

func NewConnectionManager(wsURL string, creds CredentialProvider, store *Store, config RealtimeConfig, logger zerolog.Logger) *ConnectionManager {
	config.defaults()
	logger = logger.With().Str("component", "push").Logger()
	return &ConnectionManager{
		url:        wsURL,
		creds:      creds,
		store:      store,
		dispatcher: NewDispatcher(store, logger),
		config:     config,
		logger:     logger,
		typingLim:  rate.NewLimiter(rate.Every(config.TypingInterval), 1),
		state:      StateClosed,
		recon:      newReconnector(&config),
	}
}

// State returns the current connection state.
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// OnDisconnected registers h to run when the connection ends without Close
// being called: after a drop with AutoReconnect off, or once reconnecting
// gives up.
func (cm *ConnectionManager) OnDisconnected(h func(err error)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onDisconnect = append(cm.onDisconnect, h)
}

func (cm *ConnectionManager) disconnected(err error) {
	cm.mu.Lock()
	handlers := append([]func(error){}, cm.onDisconnect...)
	cm.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

// Open closes any existing connection and dials a new one. Without a
// credential it does nothing. Once connected it asks for the presence of
// every participant of the loaded chats and starts the heartbeat.
func (cm *ConnectionManager) Open(ctx context.Context) error {
	cm.Close()

	token := cm.token()
	if token == "" {
		cm.logger.Debug().Msg("no credential, push connection not opened")
		return nil
	}

	cm.mu.Lock()
	cm.state = StateConnecting
	epoch := cm.epoch
	cm.recon.reset()
	life, lifeCancel := context.WithCancel(context.Background())
	cm.lifeCancel = lifeCancel
	cm.mu.Unlock()

	if err := cm.connect(ctx, life, token, epoch); err != nil {
		cm.mu.Lock()
		if cm.epoch == epoch {
			cm.state = StateClosed
			cm.lifeCancel = nil
		}
		cm.mu.Unlock()
		lifeCancel()
		return err
	}
	return nil
}

// Close shuts the connection down. It is safe to call at any time, any
// number of times.
func (cm *ConnectionManager) Close() {
	cm.mu.Lock()
	cm.epoch++
	conn, cancel, lifeCancel := cm.conn, cm.cancel, cm.lifeCancel
	cm.conn, cm.cancel = nil, nil
	cm.lifeCancel = nil
	cm.state = StateClosed
	cm.mu.Unlock()

	// The close handshake runs before the loop contexts are cancelled, since
	// cancelling a pending read tears the connection down.
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			cm.logger.Debug().Err(err).Msg("close push connection")
		}
	}
	if cancel != nil {
		cancel()
	}
	if lifeCancel != nil {
		lifeCancel()
	}
}

// QueryPresence asks the server for one user's online status.
func (cm *ConnectionManager) QueryPresence(ctx context.Context, userID int64) error {
	return cm.send(ctx, outboundFrame{Type: "get_user_status", Payload: userStatusPayload{UserID: userID}})
}

// SendTyping tells the other participant that the user started or stopped
// typing. Start frames faster than TypingInterval are dropped; stop frames
// always go out.
func (cm *ConnectionManager) SendTyping(ctx context.Context, chatID int64, isTyping bool) error {
	conn := cm.current()
	if conn == nil {
		return ErrNotConnected
	}
	if isTyping && !cm.typingLim.Allow() {
		return nil
	}
	return cm.write(ctx, conn, outboundFrame{Type: "typing", Payload: typingPayload{ChatID: chatID, IsTyping: isTyping}})
}

func (cm *ConnectionManager) send(ctx context.Context, frame outboundFrame) error {
	conn := cm.current()
	if conn == nil {
		return ErrNotConnected
	}
	return cm.write(ctx, conn, frame)
}

func (cm *ConnectionManager) write(ctx context.Context, conn *websocket.Conn, frame outboundFrame) error {
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Type, err)
	}
	return nil
}

func (cm *ConnectionManager) current() *websocket.Conn {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.conn
}

func (cm *ConnectionManager) token() string {
	if cm.creds == nil {
		return ""
	}
	return cm.creds.Token()
}

func (cm *ConnectionManager) dialURL(token string) string {
	return cm.url + "?token=" + url.QueryEscape(token)
}

// connect dials and installs a connection for epoch. If the manager was
// closed or reopened meanwhile the new connection is discarded.
func (cm *ConnectionManager) connect(ctx, life context.Context, token string, epoch int) error {
	conn, _, err := websocket.Dial(ctx, cm.dialURL(token), &websocket.DialOptions{
		HTTPClient: cm.config.HTTPClient,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	cm.mu.Lock()
	if cm.epoch != epoch {
		cm.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	loopCtx, cancel := context.WithCancel(life)
	cm.conn = conn
	cm.cancel = cancel
	cm.state = StateOpen
	cm.recon.markConnected()
	cm.mu.Unlock()

	cm.logger.Info().Str("url", cm.url).Msg("push connection open")

	self := cm.store.CurrentUserID()
	for _, userID := range cm.store.ParticipantIDs() {
		if userID == self {
			continue
		}
		frame := outboundFrame{Type: "get_user_status", Payload: userStatusPayload{UserID: userID}}
		if err := cm.write(ctx, conn, frame); err != nil {
			cm.logger.Warn().Err(err).Int64("user_id", userID).Msg("presence query failed")
		}
	}

	go cm.readLoop(loopCtx, life, conn, epoch)
	go cm.heartbeatLoop(loopCtx, conn)
	return nil
}

func (cm *ConnectionManager) readLoop(ctx, life context.Context, conn *websocket.Conn, epoch int) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			cm.mu.Lock()
			if cm.epoch != epoch || cm.conn != conn {
				cm.mu.Unlock()
				return
			}
			cancel := cm.cancel
			cm.conn, cm.cancel = nil, nil
			cm.state = StateClosed
			cm.mu.Unlock()

			if cancel != nil {
				cancel()
			}
			conn.CloseNow()
			cm.logger.Warn().Err(err).Msg("push connection dropped")

			if cm.config.AutoReconnect {
				cm.reconnectLoop(life, epoch)
				return
			}
			cm.disconnected(err)
			return
		}
		cm.dispatcher.HandleFrame(data)
	}
}

// heartbeatLoop writes a ping frame every HeartbeatInterval. Pongs are not
// awaited; a dead connection surfaces as a read error.
func (cm *ConnectionManager) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(cm.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cm.write(ctx, conn, outboundFrame{Type: "ping"}); err != nil {
				cm.logger.Debug().Err(err).Msg("heartbeat stopped")
				return
			}
			cm.logger.Debug().Msg("heartbeat")
		}
	}
}

// reconnectLoop redials with backoff until it succeeds, gives up, or life
// is cancelled by Close.
func (cm *ConnectionManager) reconnectLoop(life context.Context, epoch int) {
	var lastErr error = ErrNotConnected
	for {
		cm.mu.Lock()
		if cm.epoch != epoch {
			cm.mu.Unlock()
			return
		}
		if !cm.recon.shouldReconnect() {
			cm.state = StateClosed
			cm.mu.Unlock()
			cm.logger.Warn().Err(lastErr).Msg("giving up on push connection")
			cm.disconnected(lastErr)
			return
		}
		delay := cm.recon.nextDelay()
		attempt := cm.recon.attempt
		cm.state = StateReconnecting
		cm.mu.Unlock()

		cm.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting push connection")
		timer := time.NewTimer(delay)
		select {
		case <-life.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		token := cm.token()
		if token == "" {
			cm.markClosed(epoch)
			cm.disconnected(ErrNotConnected)
			return
		}
		ctx, cancel := context.WithTimeout(life, cm.config.ReconnectMaxDelay)
		err := cm.connect(ctx, life, token, epoch)
		cancel()
		if err == nil {
			return
		}
		if life.Err() != nil {
			return
		}
		lastErr = err
		cm.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}
}

func (cm *ConnectionManager) markClosed(epoch int) {
	cm.mu.Lock()
	if cm.epoch == epoch {
		cm.state = StateClosed
	}
	cm.mu.Unlock()
}
