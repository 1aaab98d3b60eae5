package congestion

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Magic, potentially tunable, constants
const (
	eventChannelSize     = 1024
	lostCountChannelSize = 64
	perfBufSizePages     = 16 // Number copied from existing libbpf tools
	laneCapacity         = 256
)

type collectorState int

const (
	stateLoaded collectorState = iota + 1
	stateCollecting
	stateClosed
)

// Only one collector may own the process's instrumentation at a time.
var collectorActive atomic.Bool

// Collector owns the congestion instrumentation for this process:
// it loads and attaches the kernel producers, runs the consumption
// pipeline, and serves aggregate snapshots.
//
// Lifecycle: Load returns a Loaded collector; StartCollection moves it
// to Collecting; Close releases everything. ReadAndReset may be called
// at any rate, concurrently with ongoing collection.
type Collector struct {
	logger       *zap.Logger
	runner       bpfRunner
	deserialiser deserialiser
	endianess    binary.ByteOrder
	signals      *atomicSignals
	lostHandler  lostRecordHandler

	mu       sync.Mutex
	state    collectorState
	pipeline *pipeline
	cancel   context.CancelFunc
}

// Load attaches all six congestion producers to their kernel execution
// points. Any single attach failure aborts the whole operation with no
// partial-attachment state left behind. A nil logger gets a production
// zap logger.
func Load(logger *zap.Logger) (*Collector, error) {
	logger, err := ensureLogger(logger)
	if err != nil {
		return nil, err
	}

	offsets := detectSockOffsets(logger)
	objectLoader := new(embeddedBPFObjectLoader)
	moduleCreator := newLibBPFGoBPFModuleCreator(objectLoader)
	runner := newLibBPFGoBPFRunner(eventChannelSize,
		lostCountChannelSize,
		perfBufSizePages,
		offsets,
		moduleCreator,
		logger)

	return newCollector(runner, logger)
}

// LoadSimulated builds a collector whose producers are the in-process
// simulation instead of kernel instrumentation. It needs no
// privileges and works on any platform; everything downstream of the
// producers behaves exactly as in a live collection.
func LoadSimulated(logger *zap.Logger) (*Collector, error) {
	logger, err := ensureLogger(logger)
	if err != nil {
		return nil, err
	}

	runner := newSimRunner(runtime.NumCPU(), eventChannelSize, systemEndianess(), logger)

	return newCollector(runner, logger)
}

func newCollector(runner bpfRunner, logger *zap.Logger) (*Collector, error) {
	if !collectorActive.CompareAndSwap(false, true) {
		return nil, ErrCollectorActive
	}

	logger = logger.With(zap.String("session_id", uuid.NewString()))

	if err := runner.run(); err != nil {
		collectorActive.Store(false)
		return nil, fmt.Errorf("loading congestion producers: %w", err)
	}

	endianess := systemEndianess()

	return &Collector{
		logger:       logger,
		runner:       runner,
		deserialiser: newCStructDeserialiser(endianess),
		endianess:    endianess,
		signals:      new(atomicSignals),
		lostHandler:  newLoggingLostRecordHandler(logger),
		state:        stateLoaded,
	}, nil
}

func ensureLogger(logger *zap.Logger) (*zap.Logger, error) {
	if logger != nil {
		return logger, nil
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	return logger, nil
}

// StartCollection opens the event delivery channels and spawns one
// consumption task per online CPU, plus the router feeding them. It
// is all-or-nothing: on any failure no tasks are left running and the
// collector stays Loaded. The tasks run until the supplied context is
// cancelled or the collector is closed.
func (c *Collector) StartCollection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateLoaded {
		return fmt.Errorf("%w: collection may only be started once, on a loaded collector", ErrCollectorState)
	}

	// The channel open precedes any task spawn, so a failure here
	// leaves nothing to roll back.
	if err := c.runner.openChannels(); err != nil {
		return err
	}

	numCPU := runtime.NumCPU()
	pipelineCtx, cancel := context.WithCancel(ctx)

	c.pipeline = newPipeline(numCPU,
		laneCapacity,
		c.deserialiser,
		c.endianess,
		c.signals,
		c.lostHandler,
		c.logger)
	c.pipeline.start(pipelineCtx, c.runner.eventChannel(), c.runner.lostCountChannel())
	c.cancel = cancel
	c.state = stateCollecting

	c.logger.Info("started event collection", zap.Int("cpus", numCPU))

	return nil
}

// ReadAndReset atomically captures and zeroes the aggregate counters
// and returns the snapshot. It never blocks and is safe to call at
// any rate, concurrently with ongoing collection.
func (c *Collector) ReadAndReset() CongestionSignals {
	return c.signals.readAndReset()
}

// Close stops the consumption tasks, detaches the producers and
// unloads the BPF object, then releases the process's collector slot.
// It is idempotent.
func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateClosed {
		return nil
	}

	if c.state == stateCollecting {
		c.cancel()
		c.pipeline.wait()
	}

	err := c.runner.close()

	c.state = stateClosed
	collectorActive.Store(false)

	if err != nil {
		return fmt.Errorf("closing BPF runner: %w", err)
	}

	return nil
}
