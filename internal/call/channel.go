// Package call runs one side of a two-party video call: it negotiates a
// peer connection through the signaling channel, controls local media,
// records both parties and tears everything down exactly once.
package call

import (
	"context"

	"github.com/immxrtalbeast/teleconsult/internal/domain"
)

// Channel is the signaling store as seen by one client.
type Channel interface {
	Write(ctx context.Context, path string, value any) error
	CreateIfAbsent(ctx context.Context, path string, value any) (bool, error)
	ReadOnce(ctx context.Context, path string) (domain.Snapshot, error)
	Subscribe(ctx context.Context, path string, fn func(domain.Snapshot)) (func(), error)
	Append(ctx context.Context, listPath string, value any) (string, error)
	Remove(ctx context.Context, path string) error
	RegisterAutoCleanup(ctx context.Context, path string) error
	CancelAutoCleanup(ctx context.Context, path string) error
}
