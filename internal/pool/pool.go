// Package pool hands out managed connections and takes them back when the
// application closes them. It follows connection events: a connection that
// reports a fatal error is evicted and destroyed.
package pool

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/Aidin1998/xaconn/internal/xa"
	"github.com/Aidin1998/xaconn/pkg/metrics"
)

var ErrPoolClosed = errors.New("connection pool is closed")

// Pool keeps up to maxIdle idle managed connections created by one factory.
type Pool struct {
	xa.NopConnectionEventListener

	factory *xa.Factory
	maxIdle int
	logger  *zap.Logger

	mu     sync.Mutex
	idle   []*xa.ManagedConnection
	inUse  map[*xa.ManagedConnection]struct{}
	closed bool
}

// New creates an empty pool.
func New(factory *xa.Factory, maxIdle int, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		factory: factory,
		maxIdle: maxIdle,
		logger:  logger,
		inUse:   make(map[*xa.ManagedConnection]struct{}),
	}
}

// Get returns an idle connection or opens a new one. Callers return it with
// ManagedConnection.Close.
func (p *Pool) Get(ctx context.Context) (*xa.ManagedConnection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	for len(p.idle) > 0 {
		mc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if mc.IsBroken() {
			p.mu.Unlock()
			p.destroy(ctx, mc)
			p.mu.Lock()
			continue
		}
		p.inUse[mc] = struct{}{}
		p.updateGaugesLocked()
		p.mu.Unlock()
		return mc, nil
	}
	p.mu.Unlock()

	mc, err := p.factory.NewManagedConnection(ctx)
	if err != nil {
		return nil, err
	}
	mc.AddConnectionEventListener(p)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(ctx, mc)
		return nil, ErrPoolClosed
	}
	p.inUse[mc] = struct{}{}
	p.updateGaugesLocked()
	p.mu.Unlock()
	return mc, nil
}

// ConnectionClosed puts the connection back into the idle set, or destroys
// it when the idle set is full.
func (p *Pool) ConnectionClosed(ev xa.ConnectionEvent) {
	mc := ev.Source
	p.mu.Lock()
	if _, ok := p.inUse[mc]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.inUse, mc)
	keep := !p.closed && len(p.idle) < p.maxIdle && !mc.IsBroken()
	if keep {
		p.idle = append(p.idle, mc)
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	if !keep {
		p.destroy(context.Background(), mc)
	}
}

// ConnectionErrorOccurred evicts the connection and destroys it.
func (p *Pool) ConnectionErrorOccurred(ev xa.ConnectionEvent) {
	mc := ev.Source
	p.mu.Lock()
	delete(p.inUse, mc)
	for i, idle := range p.idle {
		if idle == mc {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.logger.Warn("Evicting connection after fatal error",
		zap.String("connection", mc.ID().String()),
		zap.Error(ev.Err))
	p.destroy(context.Background(), mc)
}

// Stats returns the number of idle and checked out connections.
func (p *Pool) Stats() (idle, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), len(p.inUse)
}

// Close destroys idle connections. Checked out connections are destroyed
// when they are closed.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.updateGaugesLocked()
	p.mu.Unlock()

	var errs []error
	for _, mc := range idle {
		if err := mc.Destroy(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) destroy(ctx context.Context, mc *xa.ManagedConnection) {
	mc.RemoveConnectionEventListener(p)
	if err := mc.Destroy(ctx); err != nil {
		p.logger.Warn("Destroying pooled connection failed",
			zap.String("connection", mc.ID().String()),
			zap.Error(err))
	}
}

func (p *Pool) updateGaugesLocked() {
	metrics.PoolConnections.WithLabelValues("idle").Set(float64(len(p.idle)))
	metrics.PoolConnections.WithLabelValues("in_use").Set(float64(len(p.inUse)))
}
