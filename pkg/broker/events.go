package broker

import "sync"

// Dispatcher fans venue push events out to registered listeners. Handle
// implementations emit into it; the daemon and execution engines subscribe.
// Each On* call returns an unsubscribe function. Listeners are invoked
// outside the dispatcher lock, so a listener may unsubscribe (itself or
// others) while handling an event.
type Dispatcher struct {
	mu     sync.RWMutex
	nextID int

	pnl         map[int]func(accountID string, snap PnLSnapshot)
	orders      map[int]func(n OrderNotification)
	positions   map[int]func(p Position)
	disconnects map[int]func(err error)
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		pnl:         make(map[int]func(string, PnLSnapshot)),
		orders:      make(map[int]func(OrderNotification)),
		positions:   make(map[int]func(Position)),
		disconnects: make(map[int]func(error)),
	}
}

// OnPnL registers a listener for P&L cache updates.
func (d *Dispatcher) OnPnL(fn func(accountID string, snap PnLSnapshot)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.pnl[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.pnl, id)
	}
}

// OnOrder registers a listener for order notifications.
func (d *Dispatcher) OnOrder(fn func(n OrderNotification)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.orders[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.orders, id)
	}
}

// OnPosition registers a listener for position updates.
func (d *Dispatcher) OnPosition(fn func(p Position)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.positions[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.positions, id)
	}
}

// OnDisconnect registers a listener for transport loss.
func (d *Dispatcher) OnDisconnect(fn func(err error)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.disconnects[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.disconnects, id)
	}
}

// EmitPnL delivers a P&L cache update to all listeners.
func (d *Dispatcher) EmitPnL(accountID string, snap PnLSnapshot) {
	d.mu.RLock()
	fns := make([]func(string, PnLSnapshot), 0, len(d.pnl))
	for _, fn := range d.pnl {
		fns = append(fns, fn)
	}
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(accountID, snap)
	}
}

// EmitOrder delivers an order notification to all listeners.
func (d *Dispatcher) EmitOrder(n OrderNotification) {
	d.mu.RLock()
	fns := make([]func(OrderNotification), 0, len(d.orders))
	for _, fn := range d.orders {
		fns = append(fns, fn)
	}
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(n)
	}
}

// EmitPosition delivers a position update to all listeners.
func (d *Dispatcher) EmitPosition(p Position) {
	d.mu.RLock()
	fns := make([]func(Position), 0, len(d.positions))
	for _, fn := range d.positions {
		fns = append(fns, fn)
	}
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(p)
	}
}

// EmitDisconnect delivers a transport-loss notification to all listeners.
func (d *Dispatcher) EmitDisconnect(err error) {
	d.mu.RLock()
	fns := make([]func(error), 0, len(d.disconnects))
	for _, fn := range d.disconnects {
		fns = append(fns, fn)
	}
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}
