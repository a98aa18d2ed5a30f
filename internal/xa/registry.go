package xa

import (
	"sync"
	"sync/atomic"

	"github.com/Aidin1998/xaconn/internal/xid"
	"github.com/Aidin1998/xaconn/pkg/metrics"
)

// Registry maps each started xid to the managed connection that most
// recently handled it. One Registry belongs to one Factory.
type Registry struct {
	entries sync.Map // xid.Xid -> *ManagedConnection
	size    atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register maps x to mc, replacing any previous owner.
func (r *Registry) Register(x xid.Xid, mc *ManagedConnection) {
	if _, loaded := r.entries.Swap(x, mc); !loaded {
		r.grow(1)
	}
}

// claim registers x to mc unless x is already registered, in which case the
// current owner is returned.
func (r *Registry) claim(x xid.Xid, mc *ManagedConnection) (*ManagedConnection, bool) {
	owner, loaded := r.entries.LoadOrStore(x, mc)
	if loaded {
		return owner.(*ManagedConnection), true
	}
	r.grow(1)
	return mc, false
}

// Lookup returns the connection owning x.
func (r *Registry) Lookup(x xid.Xid) (*ManagedConnection, bool) {
	v, ok := r.entries.Load(x)
	if !ok {
		return nil, false
	}
	return v.(*ManagedConnection), true
}

// release drops x only while it is still owned by mc.
func (r *Registry) release(x xid.Xid, mc *ManagedConnection) {
	if r.entries.CompareAndDelete(x, mc) {
		r.grow(-1)
	}
}

// Len returns the number of registered xids.
func (r *Registry) Len() int {
	return int(r.size.Load())
}

func (r *Registry) grow(delta int64) {
	r.size.Add(delta)
	metrics.RegistryEntries.Add(float64(delta))
}
