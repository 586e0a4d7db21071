// Package signalclient provides the signaling channel implementations a call
// session talks to: an in-process adapter over the realtime store and a
// websocket client for the signaling server.
package signalclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/immxrtalbeast/teleconsult/internal/domain"
	"github.com/immxrtalbeast/teleconsult/internal/realtime"
)

// Local talks to a store in the same process. Each Local holds its own lease
// session, so Close behaves like a client dropping off the network.
type Local struct {
	store   *realtime.Store
	session *realtime.Session
}

func NewLocal(store *realtime.Store) *Local {
	return &Local{
		store:   store,
		session: store.OpenSession(0),
	}
}

func (l *Local) Write(ctx context.Context, path string, value any) error {
	raw, err := encode(ctx, value)
	if err != nil {
		return err
	}
	return l.store.Write(path, raw)
}

func (l *Local) CreateIfAbsent(ctx context.Context, path string, value any) (bool, error) {
	raw, err := encode(ctx, value)
	if err != nil {
		return false, err
	}
	return l.store.CreateIfAbsent(path, raw)
}

func (l *Local) ReadOnce(ctx context.Context, path string) (domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, err
	}
	value, ok, err := l.store.Read(path)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return domain.Snapshot{Path: path, Exists: ok, Value: value}, nil
}

func (l *Local) Subscribe(ctx context.Context, path string, fn func(domain.Snapshot)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.store.Subscribe(path, fn)
}

func (l *Local) Append(ctx context.Context, listPath string, value any) (string, error) {
	raw, err := encode(ctx, value)
	if err != nil {
		return "", err
	}
	return l.store.Append(listPath, raw)
}

func (l *Local) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.store.Remove(path)
}

func (l *Local) RegisterAutoCleanup(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.session.OnDisconnectRemove(path)
}

func (l *Local) CancelAutoCleanup(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.session.CancelDisconnect(path)
	return nil
}

// Close drops the client; scheduled cleanups run.
func (l *Local) Close() error {
	l.session.Close()
	return nil
}

func encode(ctx context.Context, value any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return raw, nil
}
