package sigclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshtalk/signaling/internal/protocol"
)

const writeWait = 1 * time.Second

// State describes the transport's connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Handler receives envelopes relayed from other members of the room.
//
// Callbacks run on the transport's read goroutine; implementations must not
// block for long or call back into the Client synchronously from them.
type Handler interface {
	OnJoin(connectionID string)
	OnLeave(connectionID string)
	OnOffer(connectionID string, sdp protocol.SessionDescription)
	OnAnswer(connectionID string, sdp protocol.SessionDescription)
	OnICECandidate(connectionID string, candidate protocol.ICECandidate)
}

type Options struct {
	// ReconnectDelay is the fixed delay between a connection loss and the
	// next dial attempt.
	ReconnectDelay time.Duration

	// RequestTimeout bounds how long a request waits for the relay's
	// response envelope.
	RequestTimeout time.Duration

	// HeartbeatInterval is the cadence of the "\r\n" keepalive frames.
	HeartbeatInterval time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

const (
	DefaultReconnectDelay    = 1000 * time.Millisecond
	DefaultRequestTimeout    = 5 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Client is a reconnecting signaling transport.
//
// Requests (join and the emit operations) are serialized: they are queued in
// FIFO order, sent one at a time, and each waits for the relay's response
// envelope carrying the same seq. A rejoin or a connection loss aborts
// everything still queued with ErrAborted; after reconnecting, the transport
// rejoins the last room under a fresh relay-assigned connection id.
type Client struct {
	url     string
	handler Handler
	opts    Options
	log     *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	state  State
	closed bool
	room   string
	connID string
	seq    uint64
	epoch  uint64

	conn     *websocket.Conn
	connDone chan struct{}

	queue    []*pendingRequest
	inFlight *pendingRequest
	kick     chan struct{}

	reconnectTimer *time.Timer
}

func New(url string, handler Handler, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		url:     url,
		handler: handler,
		opts:    opts,
		log:     opts.Logger,
		state:   StateDisconnected,
		kick:    make(chan struct{}, 1),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the relay-assigned id for the current membership, or
// "" while not joined.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Join connects to the relay and joins the named room. A Join on an active
// client supersedes the previous membership: any scheduled reconnect is
// cancelled, queued requests fail with ErrAborted, the sequence counter
// restarts, and the old connection is torn down before the new dial.
//
// It returns the relay-assigned connection id.
func (c *Client) Join(ctx context.Context, room string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	c.room = room
	c.epoch++
	epoch := c.epoch
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.abortLocked()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateConnecting
	c.seq = 0
	c.connID = ""
	c.mu.Unlock()

	return c.connect(ctx, epoch, room)
}

// Leave tells the relay to drop the current membership without closing the
// transport.
func (c *Client) Leave(ctx context.Context) error {
	_, err := c.request(ctx, protocol.Envelope{Type: protocol.TypeLeave})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.connID = ""
	c.mu.Unlock()
	return nil
}

// EmitOffer sends an SDP offer to the named peer.
func (c *Client) EmitOffer(ctx context.Context, connectionID string, sdp protocol.SessionDescription) error {
	return c.emit(ctx, protocol.TypeOffer, connectionID, sdp)
}

// EmitAnswer sends an SDP answer to the named peer.
func (c *Client) EmitAnswer(ctx context.Context, connectionID string, sdp protocol.SessionDescription) error {
	return c.emit(ctx, protocol.TypeAnswer, connectionID, sdp)
}

// EmitCandidate sends a trickled ICE candidate to the named peer.
func (c *Client) EmitCandidate(ctx context.Context, connectionID string, candidate protocol.ICECandidate) error {
	return c.emit(ctx, protocol.TypeCandidate, connectionID, candidate)
}

func (c *Client) emit(ctx context.Context, typ protocol.Type, connectionID string, payload any) error {
	data, err := protocol.MarshalData(payload)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, protocol.Envelope{
		Type:         typ,
		ConnectionID: connectionID,
		Data:         data,
	})
	return err
}

// Close tears the transport down. All queued requests fail with ErrAborted
// and the client cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.epoch++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.abortLocked()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = conn.Close()
	}
	return nil
}

func (c *Client) connect(ctx context.Context, epoch uint64, room string) (string, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.log.Warn("signaling dial failed", "url", c.url, "err", err)
		c.scheduleReconnect(epoch)
		return "", err
	}

	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		_ = conn.Close()
		return "", ErrAborted
	}
	c.conn = conn
	done := make(chan struct{})
	c.connDone = done
	c.mu.Unlock()

	go c.readLoop(conn, epoch, done)
	go c.heartbeatLoop(conn, done)
	go c.workerLoop(conn, done)

	data, err := protocol.MarshalData(protocol.JoinRequest{Room: room})
	if err != nil {
		return "", err
	}
	resp, err := c.request(ctx, protocol.Envelope{Type: protocol.TypeJoin, Data: data})
	if err != nil {
		// A dead or unresponsive connection cannot carry this membership;
		// closing it makes the read loop schedule the next attempt. A
		// concurrent rejoin owns its own connection, so only close ours.
		c.mu.Lock()
		if !c.closed && epoch == c.epoch && c.conn == conn {
			_ = conn.Close()
		}
		c.mu.Unlock()
		return "", err
	}

	var ack protocol.JoinAck
	if err := protocol.DecodeData(resp.Data, &ack); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		return "", ErrAborted
	}
	c.connID = ack.ConnectionID
	c.state = StateConnected
	c.mu.Unlock()

	c.log.Info("joined room", "room", room, "connection_id", ack.ConnectionID)
	return ack.ConnectionID, nil
}

func (c *Client) scheduleReconnect(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || epoch != c.epoch {
		return
	}
	c.state = StateReconnecting
	room := c.room
	c.reconnectTimer = time.AfterFunc(c.opts.ReconnectDelay, func() {
		c.mu.Lock()
		if c.closed || epoch != c.epoch {
			c.mu.Unlock()
			return
		}
		c.seq = 0
		c.connID = ""
		c.state = StateConnecting
		c.mu.Unlock()

		// Dial and join failures reschedule through the same path.
		_, _ = c.connect(context.Background(), epoch, room)
	})
}

// request enqueues env, assigns it the next seq, and waits for the matching
// response envelope.
//
// Only the join itself may be queued while the transport is not connected:
// anything else accepted during an outage would take a seq from the dead
// connection's counter and ride ahead of the rejoin, where the relay drops it
// unacknowledged and the join stalls behind its timeout.
func (c *Client) request(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
	c.mu.Lock()
	if c.closed || c.room == "" {
		c.mu.Unlock()
		return protocol.Envelope{}, ErrNotConnected
	}
	if env.Type != protocol.TypeJoin && c.state != StateConnected {
		c.mu.Unlock()
		return protocol.Envelope{}, ErrNotConnected
	}
	c.seq++
	env.Seq = c.seq
	frame, err := protocol.Marshal(env)
	if err != nil {
		c.mu.Unlock()
		return protocol.Envelope{}, err
	}
	p := newPendingRequest(frame, env.Seq)
	c.queue = append(c.queue, p)
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}

	select {
	case res := <-p.resp:
		return res.env, res.err
	case <-ctx.Done():
		p.finish(protocol.Envelope{}, ctx.Err())
		return protocol.Envelope{}, ctx.Err()
	}
}

// workerLoop sends queued requests one at a time, holding each until its
// response arrives or the request timeout fires.
func (c *Client) workerLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-c.kick:
		}

		for {
			c.mu.Lock()
			// Pop only while this worker's connection is still current, so a
			// superseded worker cannot steal requests meant for its successor.
			if c.connDone != done || c.inFlight != nil || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			p := c.queue[0]
			c.queue = c.queue[1:]
			c.inFlight = p
			c.mu.Unlock()

			if p.resolved() {
				c.clearInFlight(p)
				continue
			}

			if err := c.writeFrame(conn, p.frame); err != nil {
				c.clearInFlight(p)
				p.finish(protocol.Envelope{}, ErrAborted)
				return
			}

			timer := time.NewTimer(c.opts.RequestTimeout)
			select {
			case <-p.done:
				timer.Stop()
				c.clearInFlight(p)
			case <-timer.C:
				c.clearInFlight(p)
				p.finish(protocol.Envelope{}, ErrTimeout)
			case <-done:
				timer.Stop()
				c.clearInFlight(p)
				p.finish(protocol.Envelope{}, ErrAborted)
				return
			}
		}
	}
}

func (c *Client) clearInFlight(p *pendingRequest) {
	c.mu.Lock()
	if c.inFlight == p {
		c.inFlight = nil
	}
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn, epoch uint64, done chan struct{}) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		c.handleFrame(raw)
	}
	close(done)
	_ = conn.Close()

	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	// Leave the connected state under the same lock that purges the queue, so
	// no request can slip in between with a seq from the dead counter.
	c.state = StateReconnecting
	c.abortLocked()
	c.mu.Unlock()

	c.log.Warn("signaling connection lost, reconnecting", "url", c.url)
	c.scheduleReconnect(epoch)
}

func (c *Client) handleFrame(raw []byte) {
	if protocol.IsHeartbeat(raw) {
		return
	}
	env, err := protocol.Parse(raw)
	if err != nil {
		c.log.Debug("dropping malformed envelope", "err", err)
		return
	}

	switch env.Type {
	case protocol.TypeResponse:
		c.resolveResponse(env)
	case protocol.TypeJoin:
		c.handler.OnJoin(env.ConnectionID)
	case protocol.TypeLeave:
		c.handler.OnLeave(env.ConnectionID)
	case protocol.TypeOffer:
		var sdp protocol.SessionDescription
		if err := protocol.DecodeData(env.Data, &sdp); err != nil {
			c.log.Debug("dropping offer with bad data", "err", err)
			return
		}
		c.handler.OnOffer(env.ConnectionID, sdp)
	case protocol.TypeAnswer:
		var sdp protocol.SessionDescription
		if err := protocol.DecodeData(env.Data, &sdp); err != nil {
			c.log.Debug("dropping answer with bad data", "err", err)
			return
		}
		c.handler.OnAnswer(env.ConnectionID, sdp)
	case protocol.TypeCandidate:
		var cand protocol.ICECandidate
		if err := protocol.DecodeData(env.Data, &cand); err != nil {
			c.log.Debug("dropping candidate with bad data", "err", err)
			return
		}
		c.handler.OnICECandidate(env.ConnectionID, cand)
	}
}

func (c *Client) resolveResponse(env protocol.Envelope) {
	c.mu.Lock()
	p := c.inFlight
	if p == nil || p.seq != env.Seq {
		c.mu.Unlock()
		c.log.Debug("dropping response with unexpected seq", "seq", env.Seq)
		return
	}
	c.inFlight = nil
	c.mu.Unlock()
	p.finish(env, nil)
}

func (c *Client) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.writeFrame(conn, protocol.Heartbeat); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// abortLocked fails every queued request. Callers hold c.mu.
func (c *Client) abortLocked() {
	if c.inFlight != nil {
		c.inFlight.finish(protocol.Envelope{}, ErrAborted)
		c.inFlight = nil
	}
	for _, p := range c.queue {
		p.finish(protocol.Envelope{}, ErrAborted)
	}
	c.queue = nil
}

type requestResult struct {
	env protocol.Envelope
	err error
}

// pendingRequest resolves exactly once, whether by response, timeout, abort,
// or caller cancellation.
type pendingRequest struct {
	frame []byte
	seq   uint64

	once sync.Once
	resp chan requestResult
	done chan struct{}
}

func newPendingRequest(frame []byte, seq uint64) *pendingRequest {
	return &pendingRequest{
		frame: frame,
		seq:   seq,
		resp:  make(chan requestResult, 1),
		done:  make(chan struct{}),
	}
}

func (p *pendingRequest) finish(env protocol.Envelope, err error) {
	p.once.Do(func() {
		p.resp <- requestResult{env: env, err: err}
		close(p.done)
	})
}

func (p *pendingRequest) resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
