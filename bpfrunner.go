package congestion

import (
	"fmt"

	"go.uber.org/zap"
)

// Names in the BPF C which the Go side must agree on.
const (
	congestionPerfBufName = "events"
	bpfModuleName         = "congestion-signals"
)

// AttachKind distinguishes the two hook flavours a producer can use.
type attachKind int

const (
	attachKprobe attachKind = iota
	attachTracepoint
)

// ProducerAttachment describes one BPF program in the object and the
// kernel execution point it attaches to.
type producerAttachment struct {
	program string
	kind    attachKind

	symbol string // kprobe target

	category, name string // tracepoint target
}

// The six instrumentation producers. Attachment happens in this order
// and aborts on the first failure.
var producerAttachments = []producerAttachment{
	{program: "kprobe__udp_sendmsg", kind: attachKprobe, symbol: "udp_sendmsg"},
	{program: "kprobe__tcp_sendmsg", kind: attachKprobe, symbol: "tcp_sendmsg"},
	{program: "kprobe__tcp_write_xmit", kind: attachKprobe, symbol: "tcp_write_xmit"},
	{program: "tracepoint__skb_kfree_skb", kind: attachTracepoint, category: "skb", name: "kfree_skb"},
	{program: "tracepoint__softirq_entry", kind: attachTracepoint, category: "irq", name: "softirq_entry"},
	{program: "tracepoint__softirq_exit", kind: attachTracepoint, category: "irq", name: "softirq_exit"},
}

// BPFRunner is an interface which describes objects which place the
// instrumentation producers at their kernel execution points and
// deliver the records they emit. run() loads and attaches the
// producers; openChannels() opens the delivery path and starts
// polling; after that, raw records arrive on eventChannel() and
// kernel-side lost-record counts on lostCountChannel(). close()
// detaches and unloads everything.
type bpfRunner interface {
	run() error
	openChannels() error
	eventChannel() <-chan []byte
	lostCountChannel() <-chan uint64
	close() error
}

// LibBPFGoBPFRunner is a bpfRunner which loads the congestion BPF object
// into the kernel using the libbpfgo library.
type libBPFGoBPFRunner struct {
	eventChannelSize     int
	lostCountChannelSize int
	perfBufSizePages     int
	offsets              sockFieldOffsets
	bpfModuleCreator     bpfModuleCreator
	logger               *zap.Logger

	module        bpfModule
	perfBuf       bpfPerfBuffer
	eventChan     <-chan []byte
	lostCountChan <-chan uint64
}

func newLibBPFGoBPFRunner(eventChannelSize int,
	lostCountChannelSize int,
	perfBufSizePages int,
	offsets sockFieldOffsets,
	bpfModuleCreator bpfModuleCreator,
	logger *zap.Logger) *libBPFGoBPFRunner {
	return &libBPFGoBPFRunner{
		eventChannelSize:     eventChannelSize,
		lostCountChannelSize: lostCountChannelSize,
		perfBufSizePages:     perfBufSizePages,
		offsets:              offsets,
		bpfModuleCreator:     bpfModuleCreator,
		logger:               logger,
	}
}

// Run loads the BPF object into the kernel and attaches all six producers
// to their kernel execution points, in sequence. Any single attach
// failure closes the module, which detaches whatever was attached before
// it, so no partial-attachment state survives the error return.
func (r *libBPFGoBPFRunner) run() error {
	module, err := r.bpfModuleCreator.createModule(bpfModuleName)
	if err != nil {
		return fmt.Errorf("creating BPF module: %w", err)
	}

	// The socket field offsets are read-only globals in the producer
	// code and must be set before the object is loaded and verified.
	if err := module.initGlobalVariable(wmemQueuedOffGlobal, r.offsets.wmemQueued); err != nil {
		module.close()
		return fmt.Errorf("setting socket offset global %q: %w", wmemQueuedOffGlobal, err)
	}
	if err := module.initGlobalVariable(sndbufOffGlobal, r.offsets.sndbuf); err != nil {
		module.close()
		return fmt.Errorf("setting socket offset global %q: %w", sndbufOffGlobal, err)
	}

	if err := module.loadObject(); err != nil {
		module.close()
		return fmt.Errorf("loading BPF object into kernel: %w", err)
	}

	for _, attachment := range producerAttachments {
		if err := r.attach(module, attachment); err != nil {
			module.close()
			return fmt.Errorf("%w: %v", ErrAttach, err)
		}
	}

	r.module = module
	r.logger.Info("congestion producers attached",
		zap.Int("producers", len(producerAttachments)))

	return nil
}

func (r *libBPFGoBPFRunner) attach(module bpfModule, attachment producerAttachment) error {
	program, err := module.getProgram(attachment.program)
	if err != nil {
		return fmt.Errorf("getting BPF program %q: %w", attachment.program, err)
	}

	switch attachment.kind {
	case attachKprobe:
		if err := program.attachKprobe(attachment.symbol); err != nil {
			return fmt.Errorf("attaching %q to kprobe %q: %w",
				attachment.program, attachment.symbol, err)
		}
	case attachTracepoint:
		if err := program.attachTracepoint(attachment.category, attachment.name); err != nil {
			return fmt.Errorf("attaching %q to tracepoint %q:%q: %w",
				attachment.program, attachment.category, attachment.name, err)
		}
	}

	return nil
}

// OpenChannels initialises the perf buffer over the per-CPU event rings
// and starts polling it. After it returns, records emitted by the
// producers are delivered on eventChannel and kernel-side lost-record
// counts on lostCountChannel.
func (r *libBPFGoBPFRunner) openChannels() error {
	eventChan := make(chan []byte, r.eventChannelSize)
	lostCountChan := make(chan uint64, r.lostCountChannelSize)

	buf, err := r.module.initPerfBuf(congestionPerfBufName,
		eventChan,
		lostCountChan,
		r.perfBufSizePages)
	if err != nil {
		return fmt.Errorf("%w: initialising perf buffer: %v", ErrChannelOpen, err)
	}

	r.eventChan = eventChan
	r.lostCountChan = lostCountChan
	r.perfBuf = buf
	buf.Start()

	return nil
}

func (r *libBPFGoBPFRunner) eventChannel() <-chan []byte {
	return r.eventChan
}

func (r *libBPFGoBPFRunner) lostCountChannel() <-chan uint64 {
	return r.lostCountChan
}

// Close detaches the producers and unloads the BPF object. After this,
// no more records will be emitted on the channels returned by the
// runner.
func (r *libBPFGoBPFRunner) close() error {
	if r.perfBuf != nil {
		r.perfBuf.Stop()
	}
	if r.module != nil {
		r.logger.Info("closing BPF module")
		r.module.close()
	}

	return nil
}
