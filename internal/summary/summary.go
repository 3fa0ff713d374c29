// Package summary aggregates rendered events into a per-process and
// per-connection report, written once when the collector stops. All
// aggregation happens here in user space; the probes emit one record per hit.
package summary

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/event"
)

// Report formats
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Process is the activity attributed to one task.
type Process struct {
	Task       string  `json:"comm" yaml:"comm"`
	PID        uint32  `json:"pid" yaml:"pid"`
	Events     uint64  `json:"events" yaml:"events"`
	TxBytes    uint64  `json:"txBytes" yaml:"txBytes"`
	RxBytes    uint64  `json:"rxBytes" yaml:"rxBytes"`
	LatencyMS  uint64  `json:"latencyMsTotal" yaml:"latencyMsTotal"`
	CPUPercent float64 `json:"cpuPercent" yaml:"cpuPercent"`
	MemPercent float32 `json:"memPercent" yaml:"memPercent"`
}

// Path is the activity seen between one local and one remote endpoint.
type Path struct {
	Local   string `json:"local" yaml:"local"`
	Remote  string `json:"remote" yaml:"remote"`
	Owner   string `json:"owner" yaml:"owner"`
	Events  uint64 `json:"events" yaml:"events"`
	TxBytes uint64 `json:"txBytes" yaml:"txBytes"`
	RxBytes uint64 `json:"rxBytes" yaml:"rxBytes"`
}

// Report is the document written at shutdown.
type Report struct {
	RunID     string    `json:"runId" yaml:"runId"`
	Started   time.Time `json:"started" yaml:"started"`
	Finished  time.Time `json:"finished" yaml:"finished"`
	Processes []Process `json:"processes" yaml:"processes"`
	Paths     []Path    `json:"paths" yaml:"paths"`
}

// ProcessInspector looks up live resource usage for a process.
type ProcessInspector interface {
	Inspect(pid int32) (cpuPercent float64, memPercent float32, err error)
}

type processKey struct {
	task string
	pid  uint32
}

func (k processKey) String() string {
	return fmt.Sprintf("%s (%d)", k.task, k.pid)
}

type pathKey struct {
	local  netip.AddrPort
	remote netip.AddrPort
}

// Aggregator implements consumer.Observer.
type Aggregator struct {
	runID     string
	started   time.Time
	inspector ProcessInspector
	now       func() time.Time

	mu        sync.Mutex
	processes map[processKey]*Process
	paths     map[pathKey]*Path
	owners    map[netip.AddrPort]map[processKey]uint64
}

func NewAggregator(runID string, inspector ProcessInspector) *Aggregator {
	return &Aggregator{
		runID:     runID,
		started:   time.Now().UTC(),
		inspector: inspector,
		now:       time.Now,
		processes: make(map[processKey]*Process),
		paths:     make(map[pathKey]*Path),
		owners:    make(map[netip.AddrPort]map[processKey]uint64),
	}
}

// ObserveEvent adds e to the running totals.
func (a *Aggregator) ObserveEvent(e *event.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pk := processKey{e.Task, e.PID}
	proc, ok := a.processes[pk]
	if !ok {
		proc = &Process{Task: e.Task, PID: e.PID}
		a.processes[pk] = proc
	}
	proc.Events++
	proc.TxBytes += e.TxBytes
	proc.RxBytes += e.RxBytes
	proc.LatencyMS += e.LatencyMS()

	local := netip.AddrPortFrom(e.LocalAddr, e.LocalPort())
	remote := netip.AddrPortFrom(e.RemoteAddr, e.RemotePort())

	if a.owners[local] == nil {
		a.owners[local] = make(map[processKey]uint64)
	}
	a.owners[local][pk]++

	key := pathKey{local, remote}
	path, ok := a.paths[key]
	if !ok {
		path = &Path{Local: local.String(), Remote: remote.String()}
		a.paths[key] = path
	}
	path.Events++
	path.TxBytes += e.TxBytes
	path.RxBytes += e.RxBytes
}

// Report snapshots the totals. Processes are enriched through the inspector;
// processes that have exited keep zero usage.
func (a *Aggregator) Report() *Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	report := &Report{
		RunID:     a.runID,
		Started:   a.started,
		Finished:  a.now().UTC(),
		Processes: make([]Process, 0, len(a.processes)),
		Paths:     make([]Path, 0, len(a.paths)),
	}

	for _, proc := range a.processes {
		p := *proc
		if a.inspector != nil {
			if cpu, mem, err := a.inspector.Inspect(int32(p.PID)); err == nil {
				p.CPUPercent = cpu
				p.MemPercent = mem
			}
		}
		report.Processes = append(report.Processes, p)
	}

	for key, path := range a.paths {
		p := *path
		p.Owner = a.owner(key.local)
		report.Paths = append(report.Paths, p)
	}

	sort.Slice(report.Processes, func(i, j int) bool {
		pi, pj := report.Processes[i], report.Processes[j]
		if pi.TxBytes+pi.RxBytes != pj.TxBytes+pj.RxBytes {
			return pi.TxBytes+pi.RxBytes > pj.TxBytes+pj.RxBytes
		}
		return pi.PID < pj.PID
	})

	sort.Slice(report.Paths, func(i, j int) bool {
		if report.Paths[i].Events != report.Paths[j].Events {
			return report.Paths[i].Events > report.Paths[j].Events
		}
		if report.Paths[i].Local != report.Paths[j].Local {
			return report.Paths[i].Local < report.Paths[j].Local
		}
		return report.Paths[i].Remote < report.Paths[j].Remote
	})

	return report
}

// owner is a best guess: the process seen most often on the local endpoint.
func (a *Aggregator) owner(local netip.AddrPort) string {
	var (
		best      processKey
		bestCount uint64
	)
	for pk, count := range a.owners[local] {
		if count > bestCount || (count == bestCount && pk.pid < best.pid) {
			best, bestCount = pk, count
		}
	}

	if bestCount == 0 {
		return ""
	}

	return best.String()
}

// WriteFile writes the report to path in the given format.
func (a *Aggregator) WriteFile(path, format string) error {
	report := a.Report()

	var (
		data []byte
		err  error
	)
	switch format {
	case FormatJSON:
		data, err = json.MarshalIndent(report, "", "  ")
	case FormatYAML:
		data, err = yaml.Marshal(report)
	default:
		return fmt.Errorf("unsupported summary format %q", format)
	}
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}

	return nil
}
