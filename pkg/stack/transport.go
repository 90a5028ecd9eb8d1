package stack

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnitUnreachable is returned by a Transport when the target unit is not
// (or no longer) addressable.
var ErrUnitUnreachable = errors.New("stack: unit unreachable")

// DeliverFunc receives an encoded message sent by unit from.
type DeliverFunc func(from int, msg []byte)

// Transport moves encoded messages between stack units.
type Transport interface {
	// Send delivers msg to unit. msg may be reused by the caller once
	// Send returns.
	Send(ctx context.Context, unit int, msg []byte) error
	// SetHandler installs the receive callback.
	SetHandler(fn DeliverFunc)
	Close() error
}

// LocalBus connects in-process units. Delivery is synchronous.
type LocalBus struct {
	mu    sync.RWMutex
	units map[int]*LocalEndpoint
}

// NewLocalBus creates an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{units: make(map[int]*LocalEndpoint)}
}

// Attach returns the transport endpoint for unit, creating it if needed.
func (b *LocalBus) Attach(unit int) *LocalEndpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ep, ok := b.units[unit]; ok {
		return ep
	}
	ep := &LocalEndpoint{bus: b, unit: unit}
	b.units[unit] = ep
	return ep
}

// Detach removes unit from the bus. Later sends to it fail.
func (b *LocalBus) Detach(unit int) {
	b.mu.Lock()
	delete(b.units, unit)
	b.mu.Unlock()
}

// LocalEndpoint is one unit's view of a LocalBus.
type LocalEndpoint struct {
	bus  *LocalBus
	unit int

	mu      sync.RWMutex
	handler DeliverFunc
}

var _ Transport = (*LocalEndpoint)(nil)

// Send implements Transport.
func (e *LocalEndpoint) Send(ctx context.Context, unit int, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.bus.mu.RLock()
	dst, ok := e.bus.units[unit]
	e.bus.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unit %d: %w", unit, ErrUnitUnreachable)
	}

	dst.mu.RLock()
	h := dst.handler
	dst.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("unit %d has no handler: %w", unit, ErrUnitUnreachable)
	}
	h(e.unit, append([]byte(nil), msg...))
	return nil
}

// SetHandler implements Transport.
func (e *LocalEndpoint) SetHandler(fn DeliverFunc) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
}

// Close detaches the endpoint.
func (e *LocalEndpoint) Close() error {
	e.bus.Detach(e.unit)
	return nil
}
