package gpu

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrSlotOutOfRange = errors.New("gpu slot out of range")
	ErrSlotNotHeld    = errors.New("gpu slot is not held")
)

// Slot identifies one GPU device. Valid slots are 0..Capacity()-1.
type Slot int

// SlotState represents the current state of a slot
type SlotState string

const (
	StateIdle SlotState = "idle"
	StateBusy SlotState = "busy"
)

// SlotInfo holds the observable state of a slot
type SlotInfo struct {
	Slot  Slot      `json:"slot"`
	State SlotState `json:"state"`
	Usage float64   `json:"usage"`
}

// PoolStatus is a point-in-time view of the pool for status queries
type PoolStatus struct {
	Capacity  int        `json:"capacity"`
	Available int        `json:"available"`
	InUse     int        `json:"in_use"`
	Slots     []SlotInfo `json:"slots"`
}

// Pool manages exclusive access to a fixed number of GPU slots.
//
// Acquire hands out the slot at the head of the available queue and Release
// appends it to the tail. The available queue and the held flags always
// partition [0, capacity). Releasing a slot that is not held is ignored and
// reported with ErrSlotNotHeld.
//
// The usage table is guarded separately so the monitor never contends with
// job allocation.
type Pool struct {
	mu        sync.Mutex
	available []Slot
	held      []bool

	usageMu sync.RWMutex
	usage   []float64
}

// NewPool creates a pool with slots 0..capacity-1, all available.
func NewPool(capacity int) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("pool capacity must be positive, got %d", capacity)
	}

	available := make([]Slot, capacity)
	for i := range available {
		available[i] = Slot(i)
	}

	return &Pool{
		available: available,
		held:      make([]bool, capacity),
		usage:     make([]float64, capacity),
	}, nil
}

// Acquire takes the next free slot without blocking. The boolean is false when
// every slot is held; callers should retry later.
func (p *Pool) Acquire() (Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.available) == 0 {
		return -1, false
	}

	slot := p.available[0]
	p.available = p.available[1:]
	p.held[slot] = true
	return slot, true
}

// Release returns a held slot to the pool.
func (p *Pool) Release(slot Slot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(slot) < 0 || int(slot) >= len(p.held) {
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, slot)
	}
	if !p.held[slot] {
		return fmt.Errorf("%w: %d", ErrSlotNotHeld, slot)
	}

	p.held[slot] = false
	p.available = append(p.available, slot)
	return nil
}

// Capacity returns the fixed number of slots.
func (p *Pool) Capacity() int {
	return len(p.held)
}

// Available returns the number of free slots.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// InUse returns the number of held slots.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held) - len(p.available)
}

// IsHeld reports whether slot is currently allocated.
func (p *Pool) IsHeld(slot Slot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(slot) < 0 || int(slot) >= len(p.held) {
		return false
	}
	return p.held[slot]
}

// SetUsage records the latest utilisation sample for slot. Out of range slots
// are ignored.
func (p *Pool) SetUsage(slot Slot, value float64) {
	p.usageMu.Lock()
	defer p.usageMu.Unlock()
	if int(slot) < 0 || int(slot) >= len(p.usage) {
		return
	}
	p.usage[slot] = value
}

// Usage returns a copy of the per-slot utilisation table.
func (p *Pool) Usage() []float64 {
	p.usageMu.RLock()
	defer p.usageMu.RUnlock()
	out := make([]float64, len(p.usage))
	copy(out, p.usage)
	return out
}

// Snapshot returns occupancy and usage for every slot.
func (p *Pool) Snapshot() PoolStatus {
	usage := p.Usage()

	p.mu.Lock()
	status := PoolStatus{
		Capacity:  len(p.held),
		Available: len(p.available),
		InUse:     len(p.held) - len(p.available),
		Slots:     make([]SlotInfo, len(p.held)),
	}
	for i, held := range p.held {
		state := StateIdle
		if held {
			state = StateBusy
		}
		status.Slots[i] = SlotInfo{Slot: Slot(i), State: state, Usage: usage[i]}
	}
	p.mu.Unlock()

	return status
}
