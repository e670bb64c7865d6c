// Package timing accumulates elapsed time per execution phase.
package timing

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Phase identifies a timed category.
type Phase int

const (
	Forward Phase = iota
	Backward
)

func (p Phase) String() string {
	switch p {
	case Forward:
		return "Forward"
	case Backward:
		return "Backward"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Record is the accumulated state of one phase.
type Record struct {
	Phase Phase
	Name  string
	// Total is the summed wall time of every timed scope.
	Total time.Duration
	// Count is the number of operations those scopes covered.
	Count int64
	// Scopes is the number of timed scopes.
	Scopes int64

	perOp []float64 // seconds per operation, one sample per scope
}

// PerOp is the mean time of one operation.
func (r Record) PerOp() time.Duration {
	if r.Count == 0 {
		return 0
	}
	return r.Total / time.Duration(r.Count)
}

// Summary condenses a Record for reporting.
type Summary struct {
	Phase  Phase
	Name   string
	Total  time.Duration
	Count  int64
	Mean   time.Duration
	StdDev time.Duration
}

func (r Record) Summary() Summary {
	s := Summary{Phase: r.Phase, Name: r.Name, Total: r.Total, Count: r.Count, Mean: r.PerOp()}
	if len(r.perOp) > 1 {
		_, std := stat.MeanStdDev(r.perOp, nil)
		s.StdDev = time.Duration(std * float64(time.Second))
	}
	return s
}

// Registry holds Records keyed by phase. It is safe for concurrent use.
type Registry struct {
	label string

	mu      sync.Mutex
	records map[Phase]*Record
}

// NewRegistry creates a registry. label tags its prometheus series, e.g.
// the context under test.
func NewRegistry(label string) *Registry {
	return &Registry{label: label, records: make(map[Phase]*Record)}
}

var defaultRegistry = NewRegistry("default")

// Default is the process-wide registry. It is only reset explicitly.
func Default() *Registry {
	return defaultRegistry
}

func (r *Registry) Label() string {
	return r.label
}

// Add accumulates one timed scope that covered count operations. A scope
// with no operations adds its duration but no per-operation sample.
func (r *Registry) Add(p Phase, name string, d time.Duration, count int) {
	if count < 0 {
		count = 0
	}
	r.mu.Lock()
	rec, ok := r.records[p]
	if !ok {
		rec = &Record{Phase: p, Name: name}
		r.records[p] = rec
	}
	rec.Total += d
	rec.Count += int64(count)
	rec.Scopes++
	if count > 0 {
		rec.perOp = append(rec.perOp, d.Seconds()/float64(count))
	}
	r.mu.Unlock()

	if count > 0 {
		phaseDuration.WithLabelValues(p.String(), r.label).Observe(d.Seconds() / float64(count))
		phaseOps.WithLabelValues(p.String(), r.label).Add(float64(count))
	}
}

// Get returns a copy of the record for p.
func (r *Registry) Get(p Phase) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[p]
	if !ok {
		return Record{}, false
	}
	c := *rec
	c.perOp = append([]float64(nil), rec.perOp...)
	return c, true
}

// Snapshot returns copies of all records ordered by phase.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		c := *rec
		c.perOp = append([]float64(nil), rec.perOp...)
		out = append(out, c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Phase < out[j].Phase })
	return out
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.records)
}

// Item times one scope. Stop it exactly once, normally with defer.
type Item struct {
	reg   *Registry
	phase Phase
	name  string
	count int
	start time.Time
	done  bool
}

// Start begins timing a scope covering count operations.
func Start(reg *Registry, p Phase, name string, count int) *Item {
	return &Item{reg: reg, phase: p, name: name, count: count, start: time.Now()}
}

// Stop records the elapsed time. Later calls are no-ops.
func (it *Item) Stop() time.Duration {
	if it.done {
		return 0
	}
	it.done = true
	d := time.Since(it.start)
	it.reg.Add(it.phase, it.name, d, it.count)
	return d
}
