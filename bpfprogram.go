package congestion

import bpf "github.com/aquasecurity/libbpfgo"

// BPFProgram is an interface which describes objects representing BPF programs.
// A program is attached to exactly one kernel execution point: either the
// entry of a kernel function (kprobe) or a static tracepoint.
type bpfProgram interface {
	attachKprobe(symbol string) error
	attachTracepoint(category, name string) error
}

// LibBPFGoBPFProgram is a wrapper around a libbpfgo BPFProg,
// allowing the API to be simplified to simplify mocking.
type libBPFGoBPFProgram struct {
	program *bpf.BPFProg
}

func newLibBPFGoBPFProgram(program *bpf.BPFProg) *libBPFGoBPFProgram {
	return &libBPFGoBPFProgram{program}
}

// AttachKprobe attaches this program to the entry of the kernel function
// named by symbol.
func (p *libBPFGoBPFProgram) attachKprobe(symbol string) error {
	_, err := p.program.AttachKprobe(symbol)
	return err
}

// AttachTracepoint attaches this program to the kernel tracepoint identified
// by its subsystem category and event name.
func (p *libBPFGoBPFProgram) attachTracepoint(category, name string) error {
	_, err := p.program.AttachTracepoint(category, name)
	return err
}
