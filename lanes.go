package congestion

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Pipeline owns the userspace half of record delivery: a router
// goroutine demultiplexes the perf buffer's single delivery channel
// into one lane per online CPU, and one consumption task per lane
// decodes its records and folds them into the shared counters.
//
// Each lane is single-producer/single-consumer: only the router
// writes it and only its own task reads it. The sole shared mutable
// state between tasks is the atomicSignals counter set.
type pipeline struct {
	deserialiser deserialiser
	endianess    binary.ByteOrder
	signals      *atomicSignals
	lostHandler  lostRecordHandler
	logger       *zap.Logger

	lanes []chan []byte

	// Skip-and-count conditions; neither ever aborts a task.
	laneDrops   atomic.Uint64 // records dropped on a saturated lane
	decodeFails atomic.Uint64 // truncated or undecodable records

	wg sync.WaitGroup
}

func newPipeline(numLanes int,
	laneCapacity int,
	deserialiser deserialiser,
	endianess binary.ByteOrder,
	signals *atomicSignals,
	lostHandler lostRecordHandler,
	logger *zap.Logger) *pipeline {
	lanes := make([]chan []byte, numLanes)
	for i := range lanes {
		lanes[i] = make(chan []byte, laneCapacity)
	}

	return &pipeline{
		deserialiser: deserialiser,
		endianess:    endianess,
		signals:      signals,
		lostHandler:  lostHandler,
		logger:       logger,
		lanes:        lanes,
	}
}

// Start spawns the router and one consumption task per lane. The
// pipeline runs until ctx is cancelled or the event channel closes,
// whichever comes first; wait() blocks until every task has exited.
func (p *pipeline) start(ctx context.Context, events <-chan []byte, lostCounts <-chan uint64) {
	for _, lane := range p.lanes {
		p.wg.Add(1)
		go p.consume(lane)
	}

	p.wg.Add(1)
	go p.route(ctx, events, lostCounts)
}

func (p *pipeline) wait() {
	p.wg.Wait()

	p.logger.Debug("pipeline stopped",
		zap.Uint64("lane_drops", p.laneDrops.Load()),
		zap.Uint64("decode_failures", p.decodeFails.Load()))
}

// Route forwards each raw record to the lane of the CPU it was
// produced on. The router never blocks on a lane: a saturated lane
// drops the record at the channel layer, mirroring the kernel-side
// policy for a full perf ring.
func (p *pipeline) route(ctx context.Context, events <-chan []byte, lostCounts <-chan uint64) {
	defer p.wg.Done()
	defer func() {
		for _, lane := range p.lanes {
			close(lane)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-events:
			if !ok {
				return
			}

			if len(data) < rawEventSize {
				p.decodeFails.Add(1)
				continue
			}

			cpu := p.endianess.Uint32(data[cpuIDOffset:])
			lane := p.lanes[int(cpu)%len(p.lanes)]

			select {
			case lane <- data:
			default:
				p.laneDrops.Add(1)
			}
		case lostCount, ok := <-lostCounts:
			if !ok {
				return
			}

			p.lostHandler.handle(lostCount)
		}
	}
}

// Consume decodes every record on one lane and dispatches it into the
// shared counters. A record which fails to decode is skipped and
// counted; it never stops the task.
func (p *pipeline) consume(lane <-chan []byte) {
	defer p.wg.Done()

	for data := range lane {
		event, err := p.deserialiser.toEvent(data)
		if err != nil {
			p.decodeFails.Add(1)
			continue
		}

		p.dispatch(event)
	}
}

func (p *pipeline) dispatch(event *rawEvent) {
	p.signals.eventCount.Add(1)

	switch event.EventType {
	case eventUDPSend, eventTCPSend:
		p.signals.sendBytes.Add(event.send.Bytes)
	case eventDrop:
		p.signals.drops.Add(1)
	case eventSocketState:
		if event.socket.Sndbuf > 0 {
			// Integer per-mille: no floating point on the hot path
			pressure := uint64(event.socket.WmemQueued) * 1000 / uint64(event.socket.Sndbuf)
			p.signals.wmemPressureSum.Add(pressure)
			p.signals.wmemSamples.Add(1)
		}
	case eventSoftirqExit:
		p.signals.softirqNS.Add(event.softirq.DurationNS)
	default:
		// Unrecognised event types are counted and otherwise ignored
	}
}
