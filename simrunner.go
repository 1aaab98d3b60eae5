package congestion

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// The simulated runner replays the producer semantics in userspace so
// the full pipeline can be exercised without kernel support or
// privileges: development on non-Linux hosts, CI, and the validation
// harness's --simulate mode. Its sampler and timer are the reference
// models for the logic in bpf/congestion.bpf.c and must be kept in
// step with it.

// SampleInterval is the hot-path sampling rate: the send and transmit
// producers emit a record on one call in every sampleInterval. Must
// match SEND_SAMPLE_INTERVAL in the BPF C.
const sampleInterval = 100

// Tracked softirq vectors. Must match the BPF C.
const (
	vecNetTX = 2
	vecNetRX = 3

	softirqSlots = 10
)

// SendSampler mirrors the per-CPU sampling counter in the BPF C: each
// CPU owns one counter; a call fires when the counter's prior value is
// a multiple of sampleInterval, and the counter always advances,
// wrapping at the integer boundary.
type sendSampler struct {
	counters []atomic.Uint64
}

func newSendSampler(numCPU int) *sendSampler {
	return &sendSampler{counters: make([]atomic.Uint64, numCPU)}
}

func (s *sendSampler) shouldSample(cpu uint32) bool {
	count := s.counters[int(cpu)%len(s.counters)].Add(1) - 1
	return count%sampleInterval == 0
}

// SoftirqTimer mirrors the per-(CPU, vector) start-timestamp scratch
// in the BPF C: a two-state timer (idle when the slot holds the 0
// sentinel, started otherwise) with overwrite-on-next-entry. Nested
// or overlapping interrupts on one vector are not separately tracked.
// Only the network transmit and receive vectors are tracked; all
// others are ignored.
type softirqTimer struct {
	starts [][softirqSlots]uint64
}

func newSoftirqTimer(numCPU int) *softirqTimer {
	return &softirqTimer{starts: make([][softirqSlots]uint64, numCPU)}
}

func trackedVector(vec uint32) bool {
	return vec == vecNetTX || vec == vecNetRX
}

// Entry records the start timestamp for the vector on the given CPU,
// overwriting any earlier start.
func (t *softirqTimer) entry(cpu, vec uint32, nowNS uint64) {
	if !trackedVector(vec) || vec >= softirqSlots {
		return
	}

	t.starts[int(cpu)%len(t.starts)][vec] = nowNS
}

// Exit returns the elapsed time since the recorded start for the
// vector on the given CPU. It reports false, and changes nothing,
// when the vector is untracked or no start was recorded.
func (t *softirqTimer) exit(cpu, vec uint32, nowNS uint64) (uint64, bool) {
	if !trackedVector(vec) || vec >= softirqSlots {
		return 0, false
	}

	start := t.starts[int(cpu)%len(t.starts)][vec]
	if start == 0 {
		return 0, false
	}

	return nowNS - start, true
}

// SimRunner is a bpfRunner which fabricates a plausible congestion
// workload instead of attaching anything to the kernel. Records go
// out wire-encoded, so everything downstream of the runner is
// identical to a live collection.
type simRunner struct {
	numCPU    int
	endianess binary.ByteOrder
	logger    *zap.Logger

	sampler *sendSampler
	timer   *softirqTimer

	eventChan chan []byte
	lostChan  chan uint64
	done      chan struct{}
}

func newSimRunner(numCPU int, channelSize int, endianess binary.ByteOrder, logger *zap.Logger) *simRunner {
	return &simRunner{
		numCPU:    numCPU,
		endianess: endianess,
		logger:    logger,
		sampler:   newSendSampler(numCPU),
		timer:     newSoftirqTimer(numCPU),
		eventChan: make(chan []byte, channelSize),
		lostChan:  make(chan uint64, 1),
		done:      make(chan struct{}),
	}
}

// Run attaches nothing; the simulated producers live in this process.
func (r *simRunner) run() error {
	r.logger.Info("running in simulation, no kernel instrumentation attached",
		zap.Int("cpus", r.numCPU))
	return nil
}

func (r *simRunner) openChannels() error {
	go r.generate()
	return nil
}

func (r *simRunner) eventChannel() <-chan []byte {
	return r.eventChan
}

func (r *simRunner) lostCountChannel() <-chan uint64 {
	return r.lostChan
}

func (r *simRunner) close() error {
	close(r.done)
	return nil
}

// Generate drives the simulated producers with a fixed round-robin
// workload: a burst of sends per tick (of which the sampler passes
// one in a hundred), a periodic socket-state sample, an occasional
// drop and a softirq entry/exit pair per CPU.
func (r *simRunner) generate() {
	defer close(r.eventChan)

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	tick := uint64(0)
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}

		tick++
		cpu := uint32(tick % uint64(r.numCPU))
		now := uint64(time.Now().UnixNano())

		// A burst of sends, alternating protocols
		for i := 0; i < 25; i++ {
			if !r.sampler.shouldSample(cpu) {
				continue
			}

			eventType := eventUDPSend
			isTCP := uint32(0)
			if tick%2 == 0 {
				eventType = eventTCPSend
				isTCP = 1
			}

			r.emit(&rawEvent{
				rawEventHeader: rawEventHeader{TimestampNS: now, EventType: eventType, CPUID: cpu},
				send:           sendPayload{Bytes: 1200, IsTCP: isTCP, SocketID: uint64(0xbeef0000) + uint64(cpu)},
			})
		}

		if tick%10 == 0 {
			r.emit(&rawEvent{
				rawEventHeader: rawEventHeader{TimestampNS: now, EventType: eventSocketState, CPUID: cpu},
				socket:         socketPayload{WmemQueued: uint32(tick % 128 * 1024), Sndbuf: 212992, SocketID: uint64(0xbeef0000) + uint64(cpu)},
			})
		}

		if tick%50 == 0 {
			r.emit(&rawEvent{
				rawEventHeader: rawEventHeader{TimestampNS: now, EventType: eventDrop, CPUID: cpu},
				drop:           dropPayload{Dropped: 1},
			})
		}

		vec := uint32(vecNetTX + tick%2)
		r.timer.entry(cpu, vec, now)
		if duration, ok := r.timer.exit(cpu, vec, now+uint64(50*time.Microsecond)); ok {
			r.emit(&rawEvent{
				rawEventHeader: rawEventHeader{TimestampNS: now, EventType: eventSoftirqExit, CPUID: cpu},
				softirq:        softirqPayload{VecNR: vec, DurationNS: duration},
			})
		}
	}
}

// Emit wire-encodes one record and offers it on the event channel,
// dropping it and reporting a lost count when the channel is
// saturated, the way the kernel does with a full perf ring.
func (r *simRunner) emit(event *rawEvent) {
	data, err := event.marshal(r.endianess)
	if err != nil {
		return
	}

	select {
	case r.eventChan <- data:
	default:
		select {
		case r.lostChan <- 1:
		default:
		}
	}
}
