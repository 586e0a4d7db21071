package signalclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/immxrtalbeast/teleconsult/internal/domain"
	"github.com/immxrtalbeast/teleconsult/lib/logger/sl"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

var (
	ErrClosed = errors.New("signaling connection closed")
	ErrServer = errors.New("signaling server error")
)

// Remote is a signaling channel backed by the server's websocket endpoint.
type Remote struct {
	conn *websocket.Conn
	log  *slog.Logger

	nextID  atomic.Uint64
	nextSub atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan domain.SignalMessage
	subs    map[uint64]*dispatcher
	err     error

	outgoing  chan domain.SignalRequest
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the signaling endpoint at serverURL.
func Dial(ctx context.Context, serverURL string, log *slog.Logger) (*Remote, error) {
	if log == nil {
		log = slog.Default()
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	r := &Remote{
		conn:     conn,
		log:      log.With(slog.String("server", u.Host)),
		pending:  make(map[uint64]chan domain.SignalMessage),
		subs:     make(map[uint64]*dispatcher),
		outgoing: make(chan domain.SignalRequest, 64),
		done:     make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go r.readPump()
	go r.writePump()

	return r, nil
}

func (r *Remote) Write(ctx context.Context, path string, value any) error {
	raw, err := encode(ctx, value)
	if err != nil {
		return err
	}
	_, err = r.call(ctx, domain.SignalRequest{Op: domain.OpWrite, Path: path, Value: raw})
	return err
}

func (r *Remote) CreateIfAbsent(ctx context.Context, path string, value any) (bool, error) {
	raw, err := encode(ctx, value)
	if err != nil {
		return false, err
	}
	reply, err := r.call(ctx, domain.SignalRequest{Op: domain.OpCreate, Path: path, Value: raw})
	if err != nil {
		return false, err
	}
	return reply.Created, nil
}

func (r *Remote) ReadOnce(ctx context.Context, path string) (domain.Snapshot, error) {
	reply, err := r.call(ctx, domain.SignalRequest{Op: domain.OpRead, Path: path})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return domain.Snapshot{Path: path, Exists: reply.Exists, Value: reply.Value}, nil
}

func (r *Remote) Append(ctx context.Context, listPath string, value any) (string, error) {
	raw, err := encode(ctx, value)
	if err != nil {
		return "", err
	}
	reply, err := r.call(ctx, domain.SignalRequest{Op: domain.OpAppend, Path: listPath, Value: raw})
	if err != nil {
		return "", err
	}
	return reply.Key, nil
}

func (r *Remote) Remove(ctx context.Context, path string) error {
	_, err := r.call(ctx, domain.SignalRequest{Op: domain.OpRemove, Path: path})
	return err
}

func (r *Remote) RegisterAutoCleanup(ctx context.Context, path string) error {
	_, err := r.call(ctx, domain.SignalRequest{Op: domain.OpOnDisconnect, Path: path})
	return err
}

func (r *Remote) CancelAutoCleanup(ctx context.Context, path string) error {
	_, err := r.call(ctx, domain.SignalRequest{Op: domain.OpCancelDisconnect, Path: path})
	return err
}

// Subscribe registers fn for path. Events for one subscription are delivered
// in order on a dedicated goroutine.
func (r *Remote) Subscribe(ctx context.Context, path string, fn func(domain.Snapshot)) (func(), error) {
	subID := r.nextSub.Add(1)
	d := newDispatcher(fn)

	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return nil, r.err
	}
	r.subs[subID] = d
	r.mu.Unlock()
	go d.run()

	if _, err := r.call(ctx, domain.SignalRequest{Op: domain.OpSubscribe, Path: path, Sub: subID}); err != nil {
		r.dropSub(subID)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.dropSub(subID)
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			defer cancel()
			if _, err := r.call(ctx, domain.SignalRequest{Op: domain.OpUnsubscribe, Sub: subID}); err != nil && !errors.Is(err, ErrClosed) {
				r.log.Debug("unsubscribe failed", slog.Uint64("sub", subID), sl.Err(err))
			}
		})
	}, nil
}

// Close ends the connection. The server treats it as a disconnect.
func (r *Remote) Close() error {
	r.shutdown(ErrClosed)
	return nil
}

// Done is closed once the connection is gone.
func (r *Remote) Done() <-chan struct{} {
	return r.done
}

func (r *Remote) call(ctx context.Context, req domain.SignalRequest) (domain.SignalMessage, error) {
	req.ID = r.nextID.Add(1)
	replyCh := make(chan domain.SignalMessage, 1)

	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return domain.SignalMessage{}, err
	}
	r.pending[req.ID] = replyCh
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
	}()

	select {
	case r.outgoing <- req:
	case <-ctx.Done():
		return domain.SignalMessage{}, ctx.Err()
	case <-r.done:
		return domain.SignalMessage{}, r.closeErr()
	}

	select {
	case reply := <-replyCh:
		if !reply.OK {
			return reply, fmt.Errorf("%w: %s %s: %s", ErrServer, req.Op, req.Path, reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		return domain.SignalMessage{}, ctx.Err()
	case <-r.done:
		return domain.SignalMessage{}, r.closeErr()
	}
}

func (r *Remote) readPump() {
	defer r.shutdown(ErrClosed)

	_ = r.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg domain.SignalMessage
		if err := r.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.log.Warn("signaling connection lost", sl.Err(err))
			}
			return
		}

		switch msg.Type {
		case domain.SignalEvent:
			r.mu.Lock()
			d := r.subs[msg.Sub]
			r.mu.Unlock()
			if d != nil {
				d.push(domain.Snapshot{Path: msg.Path, Exists: msg.Exists, Value: msg.Value})
			}
		default:
			r.mu.Lock()
			ch := r.pending[msg.ID]
			r.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		}
	}
}

func (r *Remote) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		r.conn.Close()
	}()

	for {
		select {
		case req := <-r.outgoing:
			_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteJSON(req); err != nil {
				r.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
				return
			}

		case <-ticker.C:
			_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				r.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
				return
			}

		case <-r.done:
			_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = r.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (r *Remote) shutdown(err error) {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.err = err
		subs := r.subs
		r.subs = make(map[uint64]*dispatcher)
		r.mu.Unlock()

		for _, d := range subs {
			d.cancel()
		}
		close(r.done)
	})
}

func (r *Remote) closeErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	return ErrClosed
}

func (r *Remote) dropSub(id uint64) {
	r.mu.Lock()
	d := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if d != nil {
		d.cancel()
	}
}

// dispatcher runs one subscription's callbacks in arrival order.
type dispatcher struct {
	fn func(domain.Snapshot)

	mu    sync.Mutex
	queue []domain.Snapshot
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newDispatcher(fn func(domain.Snapshot)) *dispatcher {
	return &dispatcher{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (d *dispatcher) push(s domain.Snapshot) {
	d.mu.Lock()
	d.queue = append(d.queue, s)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			s := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()

			select {
			case <-d.done:
				return
			default:
			}
			d.fn(s)
		}
	}
}

func (d *dispatcher) cancel() {
	d.once.Do(func() { close(d.done) })
}
