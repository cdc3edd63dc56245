package its

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/its/internal/debug"
	"github.com/tinyrange/its/internal/hw"
	"github.com/tinyrange/its/internal/its/command"
	"github.com/tinyrange/its/internal/its/regs"
)

type request struct {
	cmd      command.Command
	target   uint64
	targeted bool
}

// Batch is an ordered group of commands submitted under one queue lock hold.
type Batch struct {
	reqs []request
}

// Add appends a command that no redistributor has to acknowledge.
func (b *Batch) Add(cmd command.Command) {
	b.reqs = append(b.reqs, request{cmd: cmd})
}

// AddTargeted appends a command addressed to the redistributor target
// (RDbase form). The batch ends with a SYNC for every distinct target.
func (b *Batch) AddTargeted(cmd command.Command, target uint64) {
	b.reqs = append(b.reqs, request{cmd: cmd, target: target, targeted: true})
}

// expand returns the commands followed by one SYNC per distinct target in
// first-use order.
func (b *Batch) expand() []command.Command {
	out := make([]command.Command, 0, len(b.reqs)+1)
	var targets []uint64
	seen := make(map[uint64]bool)
	for _, r := range b.reqs {
		out = append(out, r.cmd)
		if r.targeted && !seen[r.target] {
			seen[r.target] = true
			targets = append(targets, r.target)
		}
	}
	for _, t := range targets {
		out = append(out, command.Sync{Target: t})
	}
	return out
}

// CommandQueue is the producer side of the ITS circular command buffer.
type CommandQueue struct {
	mu sync.Mutex

	port    hw.RegisterPort
	cache   hw.Cache
	mem     hw.Memory
	block   hw.Block
	backoff Backoff
	log     *slog.Logger
	metrics *metrics
	trace   debug.Debug

	capacity uint64
	write    uint64
	// flush is set when the hardware reports non-shareable queue memory.
	flush bool

	issued   atomic.Uint64
	timeouts atomic.Uint64
}

type queueConfig struct {
	size    uint64
	maxAddr uint64
	domain  int
	quirks  Quirks
}

func newCommandQueue(port hw.RegisterPort, mem hw.Memory, cache hw.Cache, backoff Backoff, log *slog.Logger, m *metrics, cfg queueConfig) (*CommandQueue, error) {
	block, err := mem.Alloc(hw.AllocRequest{
		Name:      "its command queue",
		Size:      cfg.size,
		Alignment: regs.PageSize64K,
		MaxAddr:   cfg.maxAddr,
		Domain:    cfg.domain,
	})
	if err != nil {
		return nil, fmt.Errorf("its: allocate command queue: %w", err)
	}

	q := &CommandQueue{
		port:     port,
		cache:    cache,
		mem:      mem,
		block:    block,
		backoff:  backoff,
		log:      log,
		metrics:  m,
		trace:    debug.WithSource("its cmdq"),
		capacity: cfg.size / command.Size,
	}

	reg := block.Phys&regs.CbaserAddrMask |
		regs.CbaserValid |
		uint64(regs.CacheWaWb)<<regs.CbaserCacheShift |
		(cfg.size/regs.PageSize4K - 1)
	reg = regs.WithShareability(reg, regs.ShareInner)
	port.Write64(regs.GITSCbaser, reg)

	got := port.Read64(regs.GITSCbaser)
	if regs.Shareability(got) == regs.ShareNone || cfg.quirks.ForceNonShareable {
		reg = reg&^regs.CbaserCacheMask | uint64(regs.CacheNC)<<regs.CbaserCacheShift
		reg = regs.WithShareability(reg, regs.ShareNone)
		port.Write64(regs.GITSCbaser, reg)
		q.flush = true
	}
	cache.Flush(block.Phys, block.Size())

	port.Write64(regs.GITSCwriter, 0)
	debug.Writef("its cmdq", "queue at 0x%x slots=%d flush=%t", block.Phys, q.capacity, q.flush)

	return q, nil
}

// Capacity returns the number of slots.
func (q *CommandQueue) Capacity() uint64 { return q.capacity }

// WriteIndex returns the producer cursor.
func (q *CommandQueue) WriteIndex() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.write
}

// NeedsFlush reports whether written slots are flushed before submission.
func (q *CommandQueue) NeedsFlush() bool { return q.flush }

func (q *CommandQueue) readIndex() uint64 {
	return (q.port.Read64(regs.GITSCreadr) & regs.QueueOffsetMask) / command.Size
}

// allocSlot claims the slot at the write cursor, polling the hardware read
// pointer while the queue is full. Encoded but unsubmitted slots of the
// current batch are handed to hardware first so a batch larger than the free
// space can still drain. submitted tracks the cursor hardware has seen.
func (q *CommandQueue) allocSlot(submitted *uint64) (uint64, error) {
	for attempt := 1; ; attempt++ {
		next := (q.write + 1) % q.capacity
		if next != q.readIndex() {
			slot := q.write
			q.write = next
			return slot, nil
		}
		if *submitted != q.write {
			q.submit()
			*submitted = q.write
		}
		if !q.backoff.Wait(attempt) {
			return 0, ErrQueueFull
		}
	}
}

func (q *CommandQueue) encode(slot uint64, cmd command.Command) {
	off := slot * command.Size
	buf := q.block.Bytes[off : off+command.Size]
	cmd.Encode(buf)
	if q.flush {
		q.cache.Flush(q.block.Phys+off, command.Size)
	}
	if debug.Enabled() {
		q.trace.WriteBytes(buf)
	}
	q.metrics.commands.WithLabelValues(cmd.Opcode().String()).Inc()
	q.issued.Add(1)
}

// submit publishes every slot before the write cursor to hardware.
func (q *CommandQueue) submit() {
	q.cache.Barrier()
	q.port.Write64(regs.GITSCwriter, q.write*command.Size)
}

// waitCompletion polls until the hardware read pointer leaves the slot window
// [first, last).
func (q *CommandQueue) waitCompletion(first, last uint64) error {
	if first == last {
		return nil
	}
	done := poll(q.backoff, func() bool {
		read := q.readIndex()
		if first < last {
			return read < first || read >= last
		}
		return read >= last && read < first
	})
	if !done {
		return ErrCompletionTimeout
	}
	return nil
}

// Send encodes, submits and waits for one batch. On ErrQueueFull nothing past
// the last submitted slot remains in the queue. On ErrCompletionTimeout every
// command was submitted but hardware has not consumed them all.
func (q *CommandQueue) Send(b *Batch) error {
	cmds := b.expand()
	if len(cmds) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	first := q.write
	submitted := q.write
	for _, cmd := range cmds {
		slot, err := q.allocSlot(&submitted)
		if err != nil {
			q.write = submitted
			q.log.Debug("its: command batch abandoned", "cmd", cmd.String(), "err", err)
			return fmt.Errorf("its: issue %s: %w", cmd.Opcode(), err)
		}
		q.encode(slot, cmd)
	}
	q.submit()

	if uint64(len(cmds)) >= q.capacity-1 {
		// The batch lapped the ring, only an empty queue proves completion.
		first = (q.write + 1) % q.capacity
	}
	if err := q.waitCompletion(first, q.write); err != nil {
		q.timeouts.Add(1)
		q.metrics.timeouts.Inc()
		q.log.Warn("its: command queue did not drain", "first", first, "last", q.write, "read", q.readIndex())
		return fmt.Errorf("its: batch of %d commands: %w", len(cmds), err)
	}
	return nil
}

// release returns the queue memory. The ITS must already be disabled.
func (q *CommandQueue) release() {
	q.mem.Free(q.block)
}
