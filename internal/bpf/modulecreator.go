package bpf

import (
	"fmt"

	libbpf "github.com/aquasecurity/libbpfgo"
)

// BPFModuleCreator is an interface which describes objects which are "factories"
// for BPFModules.
type bpfModuleCreator interface {
	createModule(name string) (bpfModule, error)
}

// LibBPFGoBPFModuleCreator creates a BPFModule from the object returned by
// its loader, leaving the ELF parsing to libbpf.
type libBPFGoBPFModuleCreator struct {
	bpfObjectLoader bpfObjectLoader
}

func newLibBPFGoBPFModuleCreator(bpfObjectLoader bpfObjectLoader) *libBPFGoBPFModuleCreator {
	return &libBPFGoBPFModuleCreator{bpfObjectLoader}
}

// CreateModule creates a module named name as seen by the kernel.
func (c *libBPFGoBPFModuleCreator) createModule(name string) (bpfModule, error) {
	bpfObj, err := c.bpfObjectLoader.load()
	if err != nil {
		return nil, fmt.Errorf("loading BPF object: %w", err)
	}

	module, err := libbpf.NewModuleFromBuffer(bpfObj, name)
	if err != nil {
		return nil, err
	}

	return newLibBPFGoBPFModule(module), nil
}
