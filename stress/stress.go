// Package stress provides synthetic load generators used to induce
// contention while the scheduling latency of a kernel build is
// measured. Workers are affined away from the measured core so the
// induced load never shares the sampled line.
package stress

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/recovery"
	"github.com/pkg/errors"
)

// Type enumerates the kinds of synthetic load.
type Type int

const (
	// CPU burns cycles at a duty cycle proportional to intensity.
	CPU Type = iota
	// Memory walks a working set sized by intensity, pressuring
	// caches and memory bandwidth.
	Memory
	// Scheduler runs ping-pong goroutine pairs forcing constant
	// context switching.
	Scheduler
)

func (t Type) String() string {
	switch t {
	case CPU:
		return "cpu"
	case Memory:
		return "memory"
	case Scheduler:
		return "scheduler"
	default:
		return "invalid"
	}
}

// ParseType resolves the string form of a stressor type.
func ParseType(in string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(in)) {
	case "cpu":
		return CPU, nil
	case "memory", "mem":
		return Memory, nil
	case "scheduler", "sched":
		return Scheduler, nil
	default:
		return CPU, errors.Errorf("unknown stressor type '%s'", in)
	}
}

// Spec names one load generator: a type with an intensity between 0
// and 100 percent.
type Spec struct {
	Type      Type `bson:"type" json:"type"`
	Intensity int  `bson:"intensity" json:"intensity"`
}

// Name renders the spec in the "type@intensity" form recorded in
// session summaries.
func (s Spec) Name() string {
	return fmt.Sprintf("%s@%d", s.Type, s.Intensity)
}

// ParseSpec parses the "type@intensity" form.
func ParseSpec(in string) (Spec, error) {
	parts := strings.SplitN(in, "@", 2)
	t, err := ParseType(parts[0])
	if err != nil {
		return Spec{}, errors.WithStack(err)
	}
	intensity := 50
	if len(parts) == 2 {
		intensity, err = strconv.Atoi(parts[1])
		if err != nil {
			return Spec{}, errors.Wrapf(err, "problem parsing intensity '%s'", parts[1])
		}
	}
	spec := Spec{Type: t, Intensity: intensity}
	return spec, errors.WithStack(spec.Validate())
}

// Validate checks the intensity bounds.
func (s Spec) Validate() error {
	if s.Intensity < 0 || s.Intensity > 100 {
		return errors.Errorf("stressor intensity %d out of range [0,100]", s.Intensity)
	}
	return nil
}

// stopTimeout bounds how long StopAll waits for each worker.
const stopTimeout = time.Second

// Manager owns the running load generators for one session.
type Manager struct {
	mu        sync.Mutex
	avoidCore int
	workers   []*worker
}

// NewManager returns a manager whose workers keep off the given core.
func NewManager(avoidCore int) *Manager {
	return &Manager{avoidCore: avoidCore}
}

// Start launches one worker for the spec.
func (m *Manager) Start(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return errors.WithStack(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w := newWorker(spec, m.avoidCore)
	w.start()
	m.workers = append(m.workers, w)

	grip.Debug(message.Fields{
		"op":       "stressor started",
		"stressor": spec.Name(),
		"avoided":  m.avoidCore,
	})
	return nil
}

// StartAll launches a worker per spec, stopping any that did start if
// one spec is invalid so the profile applies all-or-nothing.
func (m *Manager) StartAll(specs []Spec) error {
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return errors.WithStack(err)
		}
	}
	for _, spec := range specs {
		if err := m.Start(spec); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// Active returns the names of the running workers.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.spec.Name())
	}
	return out
}

// StopAll stops every worker. It is idempotent, and a worker that
// fails to wind down does not prevent the others from being stopped;
// the individual failures are aggregated in the returned error.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	workers := m.workers
	m.workers = nil
	m.mu.Unlock()

	var errs *multierror.Error
	for _, w := range workers {
		if err := w.stop(); err != nil {
			errs = multierror.Append(errs,
				errors.Wrapf(err, "problem stopping stressor %s", w.spec.Name()))
		}
	}
	return errs.ErrorOrNil()
}

// worker is one running load generator.
type worker struct {
	spec      Spec
	avoidCore int
	quit      chan struct{}
	done      chan struct{}
}

func newWorker(spec Spec, avoidCore int) *worker {
	return &worker{
		spec:      spec,
		avoidCore: avoidCore,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (w *worker) start() {
	go func() {
		defer close(w.done)
		defer recovery.LogStackTraceAndContinue("stress worker", w.spec.Name())

		// Affinity is a thread property, so the worker stays on
		// one thread for its lifetime.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if err := pinAway(w.avoidCore); err != nil {
			// Degraded but still useful load.
			grip.Warning(message.Fields{
				"op":       "stress worker affinity",
				"stressor": w.spec.Name(),
				"error":    err.Error(),
			})
		}

		switch w.spec.Type {
		case CPU:
			w.burnCPU()
		case Memory:
			w.walkMemory()
		case Scheduler:
			w.hammerScheduler()
		}
	}()
}

func (w *worker) stop() error {
	select {
	case <-w.quit:
		// already stopped
	default:
		close(w.quit)
	}

	select {
	case <-w.done:
		return nil
	case <-time.After(stopTimeout):
		return errors.New("worker did not exit before deadline")
	}
}

// burnCPU spins for the intensity share of each 10ms period.
func (w *worker) burnCPU() {
	const period = 10 * time.Millisecond
	busy := period * time.Duration(w.spec.Intensity) / 100

	for {
		select {
		case <-w.quit:
			return
		default:
		}

		start := time.Now()
		for time.Since(start) < busy {
			// spin
		}
		if idle := period - busy; idle > 0 {
			time.Sleep(idle)
		}
	}
}

// walkMemory strides through a working set sized by intensity,
// between 16MB at zero and roughly 400MB at full intensity.
func (w *worker) walkMemory() {
	size := (16 + 4*w.spec.Intensity) * 1 << 20
	buf := make([]byte, size)

	const stride = 64 // cache line
	for {
		for i := 0; i < len(buf); i += stride {
			select {
			case <-w.quit:
				return
			default:
			}
			buf[i]++
		}
	}
}

// hammerScheduler runs goroutine pairs exchanging tokens over
// unbuffered channels, forcing a context switch per hop. Pair count
// scales with intensity.
func (w *worker) hammerScheduler() {
	pairs := 2 + w.spec.Intensity/10
	var wg sync.WaitGroup

	for i := 0; i < pairs; i++ {
		ping := make(chan struct{})
		pong := make(chan struct{})

		wg.Add(2)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-w.quit:
					return
				case ping <- struct{}{}:
				}
				select {
				case <-w.quit:
					return
				case <-pong:
				}
			}
		}()
		go func() {
			defer wg.Done()
			for {
				select {
				case <-w.quit:
					return
				case <-ping:
				}
				select {
				case <-w.quit:
					return
				case pong <- struct{}{}:
				}
			}
		}()
	}

	wg.Wait()
}
