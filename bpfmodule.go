package congestion

import bpf "github.com/aquasecurity/libbpfgo"

// BPFModule is an interface which describes objects which represent a BPF object
// containing one or more BPF programs which can be loaded into the kernel.
// Once loaded into the kernel, individual programs can be retrieved from the module
// and attached to BPF hooks within the kernel.
// The BPF object may also contain one or more BPF perf buffer maps, which can be
// initialised using the module, and read-only global variables which can be set
// before the object is loaded.
type bpfModule interface {
	initGlobalVariable(name string, value interface{}) error
	loadObject() error
	getProgram(name string) (bpfProgram, error)
	initPerfBuf(name string,
		eventsChan chan []byte,
		lostCountChan chan uint64,
		sizeInPages int) (bpfPerfBuffer, error)
	close()
}

// BPFPerfBuffer is an interface which describes objects representing an
// initialised BPF perf buffer whose polling can be started and stopped.
// libbpfgo's PerfBuffer satisfies it directly.
type bpfPerfBuffer interface {
	Start()
	Stop()
}

// LibBPFGoBPFModule is a wrapper around a libbpfgo Module, allowing it to
// return interfaces instead of concrete types to enable mocking.
type libBPFGoBPFModule struct {
	module *bpf.Module
}

func newLibBPFGoBPFModule(module *bpf.Module) *libBPFGoBPFModule {
	return &libBPFGoBPFModule{module}
}

// InitGlobalVariable sets the value of a global variable in the module's
// read-only data before the object is loaded into the kernel. It is used to
// hand the kernel-version-dependent socket field offsets to the transmit-path
// producer.
func (m *libBPFGoBPFModule) initGlobalVariable(name string, value interface{}) error {
	return m.module.InitGlobalVariable(name, value)
}

// LoadObject loads the BPF object represented by this module into the kernel.
func (m *libBPFGoBPFModule) loadObject() error {
	return m.module.BPFLoadObject()
}

// GetProgram returns a BPFProgram representing an individual BPF program within
// the loaded module.
func (m *libBPFGoBPFModule) getProgram(name string) (bpfProgram, error) {
	program, err := m.module.GetProgram(name)
	if err != nil {
		return nil, err
	}

	return newLibBPFGoBPFProgram(program), nil
}

// InitPerfBuf initialises the named perf buffer within the loaded module.
// Once started, events and/or lost-record counts will be delivered on the
// channels provided in eventsChan and lostCountChan, respectively.
// The size (in memory pages) of each per-CPU ring within the kernel is given
// by sizeInPages.
func (m *libBPFGoBPFModule) initPerfBuf(name string,
	eventsChan chan []byte,
	lostCountChan chan uint64,
	sizeInPages int) (bpfPerfBuffer, error) {
	return m.module.InitPerfBuf(name, eventsChan, lostCountChan, sizeInPages)
}

// Close detaches and unloads all items in the kernel related to this module,
// including programs and perf buffers.
func (m *libBPFGoBPFModule) close() {
	m.module.Close()
}
