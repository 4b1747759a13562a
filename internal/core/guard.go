package core

import (
	"context"
	"sync"
)

type sessionKey struct{}

// Guard serializes mutating calls and rejects re-entry. While a session waits
// on a custody collaborator the guard is flagged, and any mutating call that
// arrives during that window is rejected instead of queuing on the lock it
// would never get. Reads recognise their own session by the context marker.
type Guard struct {
	mu sync.RWMutex

	flag    sync.Mutex
	calling bool
}

// Enter opens an exclusive session. release must be called on every exit path.
func (g *Guard) Enter(ctx context.Context) (sessionCtx context.Context, release func(), err error) {
	if g.inSession(ctx) || g.inCall() {
		return nil, nil, ErrReentrantCall
	}
	g.mu.Lock()
	return context.WithValue(ctx, sessionKey{}, g), g.mu.Unlock, nil
}

// Call runs fn on behalf of the open session with the collaborator flag set.
func (g *Guard) Call(fn func() error) error {
	g.setCalling(true)
	defer g.setCalling(false)
	return fn()
}

// Read opens a shared read session. Reads issued from inside a mutating
// session run without locking.
func (g *Guard) Read(ctx context.Context) (release func()) {
	if g.inSession(ctx) {
		return func() {}
	}
	g.mu.RLock()
	return g.mu.RUnlock
}

func (g *Guard) inSession(ctx context.Context) bool {
	owner, _ := ctx.Value(sessionKey{}).(*Guard)
	return owner == g
}

func (g *Guard) inCall() bool {
	g.flag.Lock()
	defer g.flag.Unlock()
	return g.calling
}

func (g *Guard) setCalling(v bool) {
	g.flag.Lock()
	g.calling = v
	g.flag.Unlock()
}
