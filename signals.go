package congestion

import "sync/atomic"

// CongestionSignals is an immutable snapshot of the totals
// accumulated since the previous snapshot.
type CongestionSignals struct {
	// SendBytes is the total bytes handed to the UDP/TCP send paths
	// by sampled calls.
	SendBytes uint64

	// Drops is the exact count of freed-packet events.
	Drops uint64

	// AvgWmemPressure is the mean ratio of queued socket memory to
	// the socket send-buffer limit across sampled transmit calls, in
	// the range 0..1. Zero when no socket-state samples were taken.
	AvgWmemPressure float64

	// SoftirqNS is the total time spent in the network transmit and
	// receive softirq vectors, in nanoseconds.
	SoftirqNS uint64

	// EventCount is the total number of records dispatched, of any
	// type.
	EventCount uint64
}

// AtomicSignals holds the raw running sums shared by every
// consumption task. All fields are updated with relaxed atomic adds:
// the aggregate is a statistical window, not a transactional ledger,
// so cross-counter consistency at one instant is not required.
//
// Wmem pressure is accumulated as an integer per-mille sum plus a
// sample count; the division happens once per snapshot, keeping
// floating point off the hot path.
type atomicSignals struct {
	sendBytes       atomic.Uint64
	drops           atomic.Uint64
	wmemPressureSum atomic.Uint64
	wmemSamples     atomic.Uint64
	softirqNS       atomic.Uint64
	eventCount      atomic.Uint64
}

// ReadAndReset captures and zeroes each counter with an atomic swap
// and derives the snapshot from the captured values. Each field swap
// is independent, so a caller racing with live producers may see
// fields from slightly different instants; the operation itself is
// lock-free and always terminates.
func (s *atomicSignals) readAndReset() CongestionSignals {
	sendBytes := s.sendBytes.Swap(0)
	drops := s.drops.Swap(0)
	wmemPressureSum := s.wmemPressureSum.Swap(0)
	wmemSamples := s.wmemSamples.Swap(0)
	softirqNS := s.softirqNS.Swap(0)
	eventCount := s.eventCount.Swap(0)

	avgWmemPressure := 0.0
	if wmemSamples > 0 {
		avgWmemPressure = float64(wmemPressureSum) / float64(wmemSamples) / 1000.0
	}

	return CongestionSignals{
		SendBytes:       sendBytes,
		Drops:           drops,
		AvgWmemPressure: avgWmemPressure,
		SoftirqNS:       softirqNS,
		EventCount:      eventCount,
	}
}
