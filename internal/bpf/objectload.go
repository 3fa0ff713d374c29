package bpf

import (
	"errors"
	"fmt"
	"os"
)

var errNoBPFObject = errors.New("no BPF object available")

// BPFObjectLoader is an interface which describes objects which
// return/"load" a BPF ELF-format object as a byte slice.
type bpfObjectLoader interface {
	load() ([]byte, error)
}

// FileBPFObjectLoader reads the compiled object from disk, so that it can be
// rebuilt for the running kernel without rebuilding the binary.
type fileBPFObjectLoader struct {
	path string
}

func newFileBPFObjectLoader(path string) *fileBPFObjectLoader {
	return &fileBPFObjectLoader{path}
}

func (l *fileBPFObjectLoader) load() ([]byte, error) {
	obj, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", l.path, err)
	}

	if len(obj) == 0 {
		return nil, fmt.Errorf("%s: %w", l.path, errNoBPFObject)
	}

	return obj, nil
}
