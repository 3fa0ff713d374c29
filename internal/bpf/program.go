package bpf

import libbpf "github.com/aquasecurity/libbpfgo"

type bpfProgram interface {
	attachKprobe(symbol string) error
}

// LibBPFGoBPFProgram narrows a libbpfgo program to what the runner needs.
type libBPFGoBPFProgram struct {
	program *libbpf.BPFProg
}

func newLibBPFGoBPFProgram(program *libbpf.BPFProg) *libBPFGoBPFProgram {
	return &libBPFGoBPFProgram{program}
}

// AttachKprobe attaches the program to the entry of the kernel function
// symbol. The link lives as long as the module.
func (p *libBPFGoBPFProgram) attachKprobe(symbol string) error {
	_, err := p.program.AttachKprobe(symbol)
	return err
}
