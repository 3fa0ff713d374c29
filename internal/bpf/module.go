package bpf

import libbpf "github.com/aquasecurity/libbpfgo"

// BPFModule is an interface which describes objects which represent a BPF object
// containing one or more BPF programs which can be loaded into the kernel.
// Once loaded, individual programs can be retrieved from the module and
// attached to kprobes. The object also holds the perf event array the
// programs write their records to.
type bpfModule interface {
	loadObject() error
	getProgram(name string) (bpfProgram, error)
	initPerfBuf(name string,
		eventsChan chan []byte,
		lostChan chan uint64,
		sizeInPages int) (bpfPerfBuffer, error)
	close()
}

// BPFPerfBuffer is the reading side of a perf event array.
type bpfPerfBuffer interface {
	Start()
	Stop()
}

// LibBPFGoBPFModule is a wrapper around a libbpfgo Module, allowing it to
// return interfaces instead of concrete types to enable mocking.
type libBPFGoBPFModule struct {
	module *libbpf.Module
}

func newLibBPFGoBPFModule(module *libbpf.Module) *libBPFGoBPFModule {
	return &libBPFGoBPFModule{module}
}

func (m *libBPFGoBPFModule) loadObject() error {
	return m.module.BPFLoadObject()
}

func (m *libBPFGoBPFModule) getProgram(name string) (bpfProgram, error) {
	program, err := m.module.GetProgram(name)
	if err != nil {
		return nil, err
	}

	return newLibBPFGoBPFProgram(program), nil
}

// InitPerfBuf opens the named perf event array with sizeInPages pages per
// CPU. Records and lost-record counts arrive on eventsChan and lostChan once
// the returned buffer is started.
func (m *libBPFGoBPFModule) initPerfBuf(name string,
	eventsChan chan []byte,
	lostChan chan uint64,
	sizeInPages int) (bpfPerfBuffer, error) {
	return m.module.InitPerfBuf(name, eventsChan, lostChan, sizeInPages)
}

// Close detaches and unloads everything this module put in the kernel.
func (m *libBPFGoBPFModule) close() {
	m.module.Close()
}
