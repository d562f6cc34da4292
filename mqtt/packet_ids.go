package mqtt

// DefaultInflightWindow bounds the identifiers awaiting PUBACK or SUBACK.
const DefaultInflightWindow = 16

// PacketIDs allocates packet identifiers in the range 1-65535.
// Allocation is sequential, wraps from 65535 to 1 and skips identifiers that
// are still in flight. When the in-flight window is full the oldest identifier
// is evicted so allocation never blocks. Not safe for concurrent use.
type PacketIDs struct {
	next     uint16
	window   int
	inflight map[uint16]struct{}
	order    []uint16
}

// NewPacketIDs creates an allocator with the given in-flight window.
func NewPacketIDs(window int) *PacketIDs {
	if window <= 0 {
		window = DefaultInflightWindow
	}
	return &PacketIDs{
		next:     1,
		window:   window,
		inflight: make(map[uint16]struct{}, window),
		order:    make([]uint16, 0, window),
	}
}

// Allocate returns the next free identifier. When the window was full,
// evicted is the identifier that was given up on, otherwise 0.
func (a *PacketIDs) Allocate() (id, evicted uint16) {
	if len(a.order) >= a.window {
		evicted = a.order[0]
		a.order = a.order[1:]
		delete(a.inflight, evicted)
	}

	for {
		id = a.next
		a.advance()
		if _, busy := a.inflight[id]; !busy {
			break
		}
	}

	a.inflight[id] = struct{}{}
	a.order = append(a.order, id)
	return id, evicted
}

// Release retires id. It reports whether id was in flight.
func (a *PacketIDs) Release(id uint16) bool {
	if _, ok := a.inflight[id]; !ok {
		return false
	}
	delete(a.inflight, id)
	for i, v := range a.order {
		if v == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return true
}

// InFlight reports whether id is awaiting acknowledgement.
func (a *PacketIDs) InFlight(id uint16) bool {
	_, ok := a.inflight[id]
	return ok
}

// Len returns the number of identifiers in flight.
func (a *PacketIDs) Len() int { return len(a.order) }

// Reset forgets every in-flight identifier. The sequence continues.
func (a *PacketIDs) Reset() {
	clear(a.inflight)
	a.order = a.order[:0]
}

func (a *PacketIDs) advance() {
	a.next++
	if a.next == 0 {
		a.next = 1
	}
}
