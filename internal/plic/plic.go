// Package plic emulates the Platform-Level Interrupt Controller a guest
// sees at its G-stage-mapped PLIC MMIO window: per-source priority, a
// pending bitmap, per-context enable bits, and per-context
// threshold/claim/complete registers.
package plic

import "sync"

// Register offsets within the PLIC MMIO window, matching the SiFive/QEMU
// PLIC layout guests expect.
const (
	PriorityBase  = 0x00_0000
	PendingBase   = 0x00_1000
	EnableBase    = 0x00_2000
	ContextBase   = 0x20_0000
	ContextStride = 0x1000
	EnableStride  = 0x80
)

// MaxSources is the number of interrupt source slots modeled; source 0 is
// reserved (means "no interrupt") as in the hardware spec.
const MaxSources = 1024

// PLIC is a single instance serving one or more contexts (one per guest
// HART's VS-mode external-interrupt consumer, by convention context 0).
type PLIC struct {
	mu sync.Mutex

	priority [MaxSources]uint32
	pending  [MaxSources / 32]uint32
	enable   map[int][MaxSources / 32]uint32
	threshold map[int]uint32
	claimed   map[int]uint32
}

// New creates an empty PLIC ready to serve the given contexts.
func New(contexts []int) *PLIC {
	p := &PLIC{
		enable:    make(map[int][MaxSources / 32]uint32, len(contexts)),
		threshold: make(map[int]uint32, len(contexts)),
		claimed:   make(map[int]uint32, len(contexts)),
	}
	for _, c := range contexts {
		p.enable[c] = [MaxSources / 32]uint32{}
		p.threshold[c] = 0
		p.claimed[c] = 0
	}
	return p
}

// SetPending marks source (1..MaxSources-1) pending or not; called by a
// device model (UART, VirtIO) when it wants to raise or drop its line.
func (p *PLIC) SetPending(source uint32, pending bool) {
	if source == 0 || source >= MaxSources {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	word, bit := source/32, source%32
	if pending {
		p.pending[word] |= 1 << bit
	} else {
		p.pending[word] &^= 1 << bit
	}
}

// Read services an MMIO load at offset within the PLIC window for the given
// context. The additive "pending readback" register at ContextBase +
// context*ContextStride + 0x08 returns the raw pending bitmap word covering
// this context's lowest 32 sources without claiming them, letting a guest
// poll for a specific source's pending state without racing a claim.
func (p *PLIC) Read(context int, offset uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PendingBase:
		source := offset / 4
		if source < MaxSources {
			return uint64(p.priority[source])
		}

	case offset >= PendingBase && offset < EnableBase:
		word := (offset - PendingBase) / 4
		if int(word) < len(p.pending) {
			return uint64(p.pending[word])
		}

	case offset >= EnableBase && offset < ContextBase:
		rel := offset - EnableBase
		ctx := int(rel / EnableStride)
		word := (rel % EnableStride) / 4
		if bits, ok := p.enable[ctx]; ok && int(word) < len(bits) {
			return uint64(bits[word])
		}

	case offset >= ContextBase:
		rel := offset - ContextBase
		ctx := int(rel / ContextStride)
		reg := rel % ContextStride
		switch reg {
		case 0:
			return uint64(p.threshold[context])
		case 4:
			return uint64(p.claim(context))
		case 8:
			if int(ctx) == context && len(p.pending) > 0 {
				return uint64(p.pending[0])
			}
		}
	}
	return 0
}

// Write services an MMIO store at offset within the PLIC window.
func (p *PLIC) Write(context int, offset uint64, value uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PendingBase:
		source := offset / 4
		if source > 0 && source < MaxSources {
			p.priority[source] = uint32(value) & 7
		}

	case offset >= EnableBase && offset < ContextBase:
		rel := offset - EnableBase
		ctx := int(rel / EnableStride)
		word := (rel % EnableStride) / 4
		if bits, ok := p.enable[ctx]; ok && int(word) < len(bits) {
			bits[word] = uint32(value)
			p.enable[ctx] = bits
		}

	case offset >= ContextBase:
		rel := offset - ContextBase
		reg := rel % ContextStride
		switch reg {
		case 0:
			p.threshold[context] = uint32(value) & 7
		case 4:
			p.complete(context, uint32(value))
		}
	}
}

// claim returns the highest-priority pending, enabled, above-threshold
// source for context and clears its pending bit, recording it as claimed.
// Equal-priority sources resolve in favor of the lower interrupt id, since
// the scan runs ascending and only strictly-greater priority replaces the
// current winner.
func (p *PLIC) claim(context int) uint32 {
	bits, ok := p.enable[context]
	if !ok {
		return 0
	}

	var bestSource, bestPriority uint32
	for source := uint32(1); source < MaxSources; source++ {
		word, bit := source/32, source%32
		if p.pending[word]&(1<<bit) == 0 {
			continue
		}
		if bits[word]&(1<<bit) == 0 {
			continue
		}
		priority := p.priority[source]
		if priority <= p.threshold[context] {
			continue
		}
		if priority > bestPriority {
			bestPriority = priority
			bestSource = source
		}
	}

	if bestSource != 0 {
		word, bit := bestSource/32, bestSource%32
		p.pending[word] &^= 1 << bit
		p.claimed[context] = bestSource
	}
	return bestSource
}

// complete clears a context's claimed record if it matches source, the
// guest's signal that it has finished servicing the interrupt.
func (p *PLIC) complete(context int, source uint32) {
	if source == 0 || source >= MaxSources {
		return
	}
	if p.claimed[context] == source {
		p.claimed[context] = 0
	}
}

// Pending reports whether any enabled source above threshold is pending for
// context, the condition that should assert the guest's VS-external
// interrupt line (hvip.VSEIP via the emulated PLIC, not hardware routed).
func (p *PLIC) Pending(context int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	bits, ok := p.enable[context]
	if !ok {
		return false
	}
	for source := uint32(1); source < MaxSources; source++ {
		word, bit := source/32, source%32
		if p.pending[word]&(1<<bit) == 0 {
			continue
		}
		if bits[word]&(1<<bit) == 0 {
			continue
		}
		if p.priority[source] > p.threshold[context] {
			return true
		}
	}
	return false
}
