package its

import (
	"fmt"
	"math/bits"

	"github.com/tinyrange/its/internal/hw"
	"github.com/tinyrange/its/internal/its/command"
	"github.com/tinyrange/its/internal/lpi"
)

// ittAlign is the alignment and size granule of an interrupt translation
// table.
const ittAlign = 256

// ittSize returns the ITT bytes for vectors events of esize bytes each.
func ittSize(vectors uint32, esize uint64) uint64 {
	return hw.AlignUp(uint64(max(vectors, 2))*esize, ittAlign)
}

// mapdSize returns the MAPD size field, the number of EventID bits needed
// for vectors events.
func mapdSize(vectors uint32) uint8 {
	return uint8(bits.Len32(max(vectors, 2) - 1))
}

// lpiChunk is the LPI range owned by one device. Event ids are handed out
// from the front and are not reused before the device is released.
type lpiChunk struct {
	r     lpi.Range
	total uint32
	free  uint32
	busy  uint32
}

func (c lpiChunk) nextEvent() uint32 { return c.total - c.free }

// device is the driver state of one ITS device id. Fields other than ready,
// gone and id are guarded by the controller registry lock.
type device struct {
	id   uint32
	itt  hw.Block
	lpis lpiChunk

	// ready is closed once MAPD completed or failed; err holds the failure.
	ready chan struct{}
	err   error
	// dying is set when busy reached zero and the unmap is in flight. gone
	// is closed once the device left the registry.
	dying bool
	gone  chan struct{}
}

// DeviceInfo is a snapshot of one mapped device.
type DeviceInfo struct {
	ID      uint32
	ITT     uint64
	ITTSize uint64
	LPIs    lpi.Range
	Free    uint32
	Busy    uint32
}

func (d *device) info() DeviceInfo {
	return DeviceInfo{
		ID:      d.id,
		ITT:     d.itt.Phys,
		ITTSize: d.itt.Size(),
		LPIs:    d.lpis.r,
		Free:    d.lpis.free,
		Busy:    d.lpis.busy,
	}
}

// getOrCreateDevice returns the device for id, creating and mapping it with
// room for vectors events if it does not exist yet.
func (c *Controller) getOrCreateDevice(id, vectors uint32) (*device, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if d, ok := c.devices[id]; ok {
			if d.dying {
				c.mu.Unlock()
				<-d.gone
				continue
			}
			c.mu.Unlock()
			<-d.ready
			if d.err != nil {
				continue
			}
			return d, nil
		}

		d, err := c.createDeviceLocked(id, vectors)
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}

		var b Batch
		b.Add(command.Mapd{DeviceID: id, ITT: d.itt.Phys, Size: mapdSize(vectors), Valid: true})
		if err := c.issue(&b); err != nil {
			c.mu.Lock()
			c.destroyDeviceLocked(d)
			d.err = err
			c.mu.Unlock()
			close(d.ready)
			close(d.gone)
			return nil, err
		}
		close(d.ready)
		c.log.Debug("its: device mapped", "device", id, "lpis", d.lpis.r.String(), "itt", d.itt.Phys)
		return d, nil
	}
}

// createDeviceLocked reserves table space, LPIs and an ITT for id and
// registers the device as not yet ready.
func (c *Controller) createDeviceLocked(id, vectors uint32) (*device, error) {
	if vectors == 0 {
		return nil, fmt.Errorf("its: device 0x%x: zero vectors: %w", id, ErrOutOfRange)
	}
	if uint64(vectors) > uint64(1)<<c.idBits || mapdSize(vectors) > command.MaxSize {
		return nil, fmt.Errorf("its: device 0x%x: %d vectors exceed %d event id bits: %w", id, vectors, c.idBits, ErrOutOfRange)
	}
	if err := c.devTable.ensureEntry(id); err != nil {
		return nil, err
	}

	r, err := c.lpis.Reserve(vectors)
	if err != nil {
		return nil, fmt.Errorf("its: device 0x%x: reserve %d LPIs: %w", id, vectors, err)
	}

	itt, err := c.mem.Alloc(hw.AllocRequest{
		Name:      fmt.Sprintf("its itt device 0x%x", id),
		Size:      ittSize(vectors, c.ittEntrySize),
		Alignment: ittAlign,
		MaxAddr:   c.cfg.MaxPhysAddr,
		Domain:    c.cfg.NUMADomain,
	})
	if err != nil {
		c.lpis.Release(r)
		return nil, fmt.Errorf("its: device 0x%x: allocate ITT: %w: %w", id, ErrOutOfSpace, err)
	}
	if c.devTable.flush {
		c.cache.Flush(itt.Phys, itt.Size())
	}

	d := &device{
		id:    id,
		itt:   itt,
		lpis:  lpiChunk{r: r, total: vectors, free: vectors},
		ready: make(chan struct{}),
		gone:  make(chan struct{}),
	}
	if _, dup := c.devices[id]; dup {
		panic(fmt.Sprintf("its: device 0x%x inserted twice", id))
	}
	c.devices[id] = d
	c.metrics.devices.Set(float64(len(c.devices)))
	return d, nil
}

// destroyDeviceLocked frees what createDeviceLocked reserved. Device table
// pages stay installed.
func (c *Controller) destroyDeviceLocked(d *device) {
	c.mem.Free(d.itt)
	c.lpis.Release(d.lpis.r)
	delete(c.devices, d.id)
	c.metrics.devices.Set(float64(len(c.devices)))
}

// beginReleaseLocked marks a device whose last event was released. The
// caller must call releaseDevice after dropping the lock.
func (c *Controller) beginReleaseLocked(d *device) {
	if d.lpis.busy != 0 {
		panic(fmt.Sprintf("its: release of device 0x%x with %d busy events", d.id, d.lpis.busy))
	}
	d.dying = true
}

// releaseDevice unmaps a device marked by beginReleaseLocked and returns its
// ITT and LPIs. If the unmap cannot be queued the memory still belongs to
// hardware and is leaked.
func (c *Controller) releaseDevice(d *device) {
	var b Batch
	b.Add(command.Mapd{DeviceID: d.id, Valid: false})
	err := c.issue(&b)

	c.mu.Lock()
	if err != nil {
		c.log.Error("its: device unmap failed, leaking its ITT", "device", d.id, "err", err)
		delete(c.devices, d.id)
		c.metrics.devices.Set(float64(len(c.devices)))
	} else {
		c.destroyDeviceLocked(d)
	}
	c.mu.Unlock()
	close(d.gone)
	c.log.Debug("its: device released", "device", d.id)
}

// Device returns a snapshot of a mapped device.
func (c *Controller) Device(id uint32) (DeviceInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[id]
	if !ok || d.dying {
		return DeviceInfo{}, false
	}
	select {
	case <-d.ready:
	default:
		return DeviceInfo{}, false
	}
	if d.err != nil {
		return DeviceInfo{}, false
	}
	return d.info(), true
}
