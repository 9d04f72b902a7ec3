package jsvm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// PoolConfig holds configuration for the VM pool.
type PoolConfig struct {
	// MaxSize is the maximum number of VMs running at once.
	MaxSize int
	// AcquireTimeout is the maximum time to wait for a free slot when the
	// caller's context has no deadline.
	AcquireTimeout time.Duration
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:        8,
		AcquireTimeout: 5 * time.Second,
	}
}

// VMPool bounds concurrent widget executions. Every Acquire hands out a brand
// new goja.Runtime and Release discards it, so no state survives between
// executions.
type VMPool struct {
	slots          chan struct{}
	maxSize        int
	acquireTimeout time.Duration
	createCount    atomic.Int64
	activeCount    atomic.Int64

	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}
}

// NewVMPool creates a new VM pool with the given configuration.
func NewVMPool(cfg PoolConfig) *VMPool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 8
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}

	return &VMPool{
		slots:          make(chan struct{}, cfg.MaxSize),
		maxSize:        cfg.MaxSize,
		acquireTimeout: cfg.AcquireTimeout,
		closedCh:       make(chan struct{}),
	}
}

// Acquire waits for a free slot and returns a fresh VM.
// It blocks until a slot is available or the context is cancelled.
func (p *VMPool) Acquire(ctx context.Context) (*goja.Runtime, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrVMPoolExhausted
	}
	p.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ErrVMPoolExhausted
	case <-p.closedCh:
		return nil, ErrVMPoolExhausted
	}

	p.createCount.Add(1)
	p.activeCount.Add(1)
	return newRuntime(), nil
}

// Release frees the slot held by vm. The VM itself is dropped.
func (p *VMPool) Release(vm *goja.Runtime) {
	if vm == nil {
		return
	}
	vm.ClearInterrupt()
	p.activeCount.Add(-1)

	select {
	case <-p.slots:
	default:
	}
}

// Close stops handing out VMs. Executions in flight finish normally.
func (p *VMPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.closedCh)
	return nil
}

// Stats returns current pool statistics.
func (p *VMPool) Stats() PoolStats {
	return PoolStats{
		MaxSize: p.maxSize,
		Created: int(p.createCount.Load()),
		Active:  int(p.activeCount.Load()),
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	MaxSize int `json:"max_size"`
	Created int `json:"created"`
	Active  int `json:"active"`
}

// newRuntime builds a VM exposing only ECMAScript builtins.
func newRuntime() *goja.Runtime {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	return vm
}
