package http

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/immxrtalbeast/teleconsult/internal/domain"
	"github.com/immxrtalbeast/teleconsult/internal/realtime"
	"github.com/immxrtalbeast/teleconsult/lib/logger/sl"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256

	// leases are renewed by pongs, several pings per lease
	pingsPerLease = 3
	minPingPeriod = 50 * time.Millisecond
)

var (
	errUnknownOp  = errors.New("unknown operation")
	errConnClosed = errors.New("connection closed")
)

// keepalivePeriod returns how often a socket is pinged so that its pongs
// renew a lease of ttl well before it expires.
func keepalivePeriod(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return pingPeriod
	}
	p := ttl / pingsPerLease
	if p > pingPeriod {
		return pingPeriod
	}
	if p < minPingPeriod {
		return minPingPeriod
	}
	return p
}

// SignalingController serves the realtime store over a websocket. Every
// socket holds one lease session; dropping the socket or letting the lease
// run out counts as a disconnect.
type SignalingController struct {
	store      *realtime.Store
	leaseTTL   time.Duration
	pingPeriod time.Duration
	log        *slog.Logger
	upgrader   websocket.Upgrader
}

func NewSignalingController(store *realtime.Store, leaseTTL time.Duration, log *slog.Logger) *SignalingController {
	if log == nil {
		log = slog.Default()
	}
	return &SignalingController{
		store:      store,
		leaseTTL:   leaseTTL,
		pingPeriod: keepalivePeriod(leaseTTL),
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (c *SignalingController) Connect(ctx *gin.Context) {
	const op = "http.signaling.connect"

	conn, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		c.log.Warn("websocket upgrade failed", slog.String("op", op), sl.Err(err))
		return
	}

	session := c.store.OpenSession(c.leaseTTL)
	sc := newSignalConn(conn, c.store, session, c.pingPeriod,
		c.log.With(slog.String("session", session.ID()), slog.String("remote", ctx.Request.RemoteAddr)))
	sc.log.Debug("signaling client connected", slog.String("op", op), slog.Duration("ping_period", c.pingPeriod))

	go sc.writePump()
	sc.readPump()
}

type signalConn struct {
	conn       *websocket.Conn
	store      *realtime.Store
	session    *realtime.Session
	pingPeriod time.Duration
	log        *slog.Logger

	send      chan domain.SignalMessage
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[uint64]func()
}

func newSignalConn(conn *websocket.Conn, store *realtime.Store, session *realtime.Session, ping time.Duration, log *slog.Logger) *signalConn {
	return &signalConn{
		conn:       conn,
		store:      store,
		session:    session,
		pingPeriod: ping,
		log:        log,
		send:       make(chan domain.SignalMessage, sendBuffer),
		done:       make(chan struct{}),
		subs:       make(map[uint64]func()),
	}
}

func (c *signalConn) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.session.Renew()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.conn.SetPingHandler(func(data string) error {
		c.session.Renew()
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var req domain.SignalRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("signaling client dropped", sl.Err(err))
			}
			return
		}
		c.session.Renew()

		reply := c.handle(req)
		reply.Type = domain.SignalReply
		reply.ID = req.ID
		if !c.enqueue(reply) {
			return
		}
	}
}

func (c *signalConn) handle(req domain.SignalRequest) domain.SignalMessage {
	var (
		reply domain.SignalMessage
		err   error
	)

	switch req.Op {
	case domain.OpWrite:
		err = c.store.Write(req.Path, req.Value)
	case domain.OpCreate:
		reply.Created, err = c.store.CreateIfAbsent(req.Path, req.Value)
	case domain.OpRead:
		reply.Value, reply.Exists, err = c.store.Read(req.Path)
	case domain.OpAppend:
		reply.Key, err = c.store.Append(req.Path, req.Value)
	case domain.OpRemove:
		err = c.store.Remove(req.Path)
	case domain.OpSubscribe:
		err = c.subscribe(req.Sub, req.Path)
	case domain.OpUnsubscribe:
		c.unsubscribe(req.Sub)
	case domain.OpOnDisconnect:
		err = c.session.OnDisconnectRemove(req.Path)
	case domain.OpCancelDisconnect:
		c.session.CancelDisconnect(req.Path)
	default:
		err = fmt.Errorf("%w: %q", errUnknownOp, req.Op)
	}

	if err != nil {
		c.log.Debug("signaling request failed", slog.String("req_op", req.Op), slog.String("path", req.Path), sl.Err(err))
		reply.Error = err.Error()
		return reply
	}
	reply.OK = true
	return reply
}

func (c *signalConn) subscribe(id uint64, path string) error {
	if id == 0 {
		return errors.New("subscription id is required")
	}

	cancel, err := c.store.Subscribe(path, func(snap domain.Snapshot) {
		c.enqueue(domain.SignalMessage{
			Type:   domain.SignalEvent,
			Sub:    id,
			Path:   snap.Path,
			Exists: snap.Exists,
			Value:  snap.Value,
		})
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		cancel()
		return errConnClosed
	default:
	}
	prev := c.subs[id]
	c.subs[id] = cancel
	c.mu.Unlock()

	if prev != nil {
		prev()
	}
	return nil
}

func (c *signalConn) unsubscribe(id uint64) {
	c.mu.Lock()
	cancel := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (c *signalConn) enqueue(msg domain.SignalMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *signalConn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// close drops every subscription and ends the lease as a disconnect.
func (c *signalConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[uint64]func())
		c.mu.Unlock()

		for _, cancel := range subs {
			cancel()
		}
		c.session.Close()
		c.log.Debug("signaling client disconnected")
	})
}
