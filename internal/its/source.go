package its

import (
	"fmt"
)

// Handler is invoked by Dispatch when the interrupt fires.
type Handler func(irq *Interrupt)

// Registrar is the dispatch framework an interrupt is registered with the
// first time its object is created. Recycled objects are not registered
// again.
type Registrar interface {
	Register(irq *Interrupt) error
}

// Interrupt is one LPI bound to a device event. Interrupt objects are owned
// by the controller and reused after release.
type Interrupt struct {
	// id numbers the object in creation order.
	id uint32

	lpi     uint32
	event   uint32
	device  uint32
	cpu     int
	enabled bool
	handler Handler
	live    bool
}

// LPI returns the INTID.
func (i *Interrupt) LPI() uint32 { return i.lpi }

// Event returns the device-local event id.
func (i *Interrupt) Event() uint32 { return i.event }

// DeviceID returns the device the interrupt serves.
func (i *Interrupt) DeviceID() uint32 { return i.device }

// Object returns the creation number of the underlying object, which
// survives recycling.
func (i *Interrupt) Object() uint32 { return i.id }

func (i *Interrupt) String() string {
	return fmt.Sprintf("lpi %d (device 0x%x event %d)", i.lpi, i.device, i.event)
}

// sourceRegistry maps LPIs to interrupt objects. Released objects go on a
// free list instead of being dropped. Guarded by the controller registry
// lock.
type sourceRegistry struct {
	base      uint32
	slots     []*Interrupt
	free      []*Interrupt
	created   int
	registrar Registrar
}

func newSourceRegistry(base, count uint32, r Registrar) *sourceRegistry {
	return &sourceRegistry{
		base:      base,
		slots:     make([]*Interrupt, count),
		registrar: r,
	}
}

// acquire binds an object to lpi, reusing a released one when available.
func (s *sourceRegistry) acquire(lpi, event, dev uint32, cpu int) (*Interrupt, error) {
	idx := lpi - s.base
	if s.slots[idx] != nil {
		panic(fmt.Sprintf("its: lpi %d already has an interrupt source", lpi))
	}

	var irq *Interrupt
	if n := len(s.free); n > 0 {
		irq = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		irq = &Interrupt{id: uint32(s.created)}
		if s.registrar != nil {
			if err := s.registrar.Register(irq); err != nil {
				return nil, fmt.Errorf("its: register interrupt source: %w", err)
			}
		}
		s.created++
	}

	*irq = Interrupt{id: irq.id, lpi: lpi, event: event, device: dev, cpu: cpu, live: true}
	s.slots[idx] = irq
	return irq, nil
}

// release puts irq back on the free list.
func (s *sourceRegistry) release(irq *Interrupt) {
	if !irq.live || s.lookup(irq.lpi) != irq {
		panic(fmt.Sprintf("its: release of inactive interrupt %s", irq))
	}
	s.slots[irq.lpi-s.base] = nil
	irq.live = false
	irq.handler = nil
	irq.enabled = false
	s.free = append(s.free, irq)
}

func (s *sourceRegistry) lookup(lpi uint32) *Interrupt {
	if lpi < s.base || lpi-s.base >= uint32(len(s.slots)) {
		return nil
	}
	return s.slots[lpi-s.base]
}

// active reports whether irq is a live object of this registry.
func (s *sourceRegistry) active(irq *Interrupt) bool {
	return irq != nil && irq.live && s.lookup(irq.lpi) == irq
}
