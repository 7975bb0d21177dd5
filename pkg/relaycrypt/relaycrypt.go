// Package relaycrypt implements the relay-crypt dispatcher: a worker pool
// that offloads the per-hop symmetric cipher step applied to RELAY cells as
// they traverse a circuit, while preserving FIFO order within any single
// (circuit, direction) pair. See spec.md section 4.8.
package relaycrypt

import (
	"crypto/cipher"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/metrics"
)

// Direction identifies which way a relay cell is travelling through a hop.
type Direction int

const (
	// Forward is the client-to-exit direction (encrypting outbound cells).
	Forward Direction = iota
	// Backward is the exit-to-client direction (decrypting inbound cells).
	Backward
)

// String names the direction for logs.
func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "backward"
}

// jobState is the lifecycle of one (circuit, direction) job.
type jobState int

const (
	jobIdle jobState = iota
	jobReady
	jobRunning
	jobDead
)

// jobKey identifies a job uniquely within a Dispatcher.
type jobKey struct {
	circID uint32
	dir    Direction
}

// Job is a (circuit, direction) unit of relay-crypt work. Cells enqueued on
// it are drained and run through Cipher in FIFO order by whichever Worker
// is currently bound to it.
type Job struct {
	mu     sync.Mutex
	key    jobKey
	state  jobState
	cipher cipher.Stream
	input  []*cell.Cell
	output chan *cell.Cell
	worker *Worker

	// closed is read without mu by a worker mid-drain to bail out early
	// once the circuit has gone away, per spec.md section 4.8's note that
	// a worker may poll this without a lock since the read is atomic.
	closed atomic.Bool
}

// workerState is the lifecycle of one pool worker goroutine.
type workerState int

const (
	workerStarting workerState = iota
	workerIdle
	workerWorking
	workerDead
)

// Worker is one goroutine in the relay-crypt pool.
type Worker struct {
	id int

	mu    sync.Mutex
	state workerState
	job   *Job

	stop chan struct{}
}

func (w *Worker) setState(s workerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) setJob(j *Job) {
	w.mu.Lock()
	w.job = j
	w.mu.Unlock()
}

// State returns the worker's current lifecycle state, for tests and
// diagnostics.
func (w *Worker) State() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case workerStarting:
		return "STARTING"
	case workerIdle:
		return "IDLE"
	case workerWorking:
		return "WORKING"
	default:
		return "DEAD"
	}
}

// Dispatcher is the job board and worker pool described in spec.md section
// 4.8: jobs keyed by (circuit, direction), a bounded pool of worker
// goroutines, and a ready queue connecting the two. Per spec.md section 9's
// design note, the cross-goroutine handoff uses channels (one ready queue,
// one stop channel per worker) rather than explicit condition variables.
type Dispatcher struct {
	// threadsMu guards the workers slice. Per the lock-ordering discipline
	// in spec.md section 5 ("dispatcher-level locks before worker locks
	// before job locks"), this and jobsMu are dispatcher-level locks; no
	// code path in this package holds two of threadsMu/jobsMu/a Job's mu/
	// a Worker's mu at once, which trivially satisfies that ordering.
	threadsMu    sync.Mutex
	workers      []*Worker
	nextWorkerID int

	jobsMu sync.Mutex
	jobs   map[jobKey]*Job

	ready chan *Job

	log     *logger.Logger
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

// New creates a Dispatcher with n workers already running.
func New(n int, log *logger.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = logger.NewDefault()
	}
	d := &Dispatcher{
		jobs:    make(map[jobKey]*Job),
		ready:   make(chan *Job, 256),
		log:     log.Component("relaycrypt"),
		metrics: m,
	}
	d.SetNumWorkers(n)
	return d
}

// SetNumWorkers spawns workers until the pool reaches n, or marks surplus
// workers for exit (they self-terminate the next time they call getJob).
func (d *Dispatcher) SetNumWorkers(n int) {
	d.threadsMu.Lock()
	defer d.threadsMu.Unlock()

	for len(d.workers) < n {
		w := &Worker{id: d.nextWorkerID, state: workerStarting, stop: make(chan struct{})}
		d.nextWorkerID++
		d.workers = append(d.workers, w)
		d.wg.Add(1)
		if d.metrics != nil {
			d.metrics.ActiveRelayCryptWorkers.Inc()
		}
		go func(w *Worker) {
			defer d.wg.Done()
			d.runWorker(w)
		}(w)
	}
	for len(d.workers) > n {
		last := len(d.workers) - 1
		w := d.workers[last]
		d.workers = d.workers[:last]
		close(w.stop)
	}
}

// Shutdown sets the worker count to zero and waits for every worker
// goroutine to exit.
func (d *Dispatcher) Shutdown() {
	d.SetNumWorkers(0)
	d.wg.Wait()
}

// NumWorkers returns the current pool size, for tests and diagnostics.
func (d *Dispatcher) NumWorkers() int {
	d.threadsMu.Lock()
	defer d.threadsMu.Unlock()
	return len(d.workers)
}

// Output returns the channel a job's crypto results are delivered on,
// creating the job (IDLE, with no cells queued yet) if it doesn't already
// exist. Callers read from this to collect cells once they have been
// enqueued and processed.
func (d *Dispatcher) Output(circID uint32, dir Direction) <-chan *cell.Cell {
	return d.jobFor(circID, dir, nil).output
}

// Enqueue submits a cell for the per-hop symmetric cipher on the given
// (circuit, direction) job, binding it on first use. Enqueuing on a job
// that has been marked DEAD (its circuit has closed) is an error.
func (d *Dispatcher) Enqueue(circID uint32, dir Direction, ciph cipher.Stream, c *cell.Cell) error {
	j := d.jobFor(circID, dir, ciph)

	j.mu.Lock()
	if j.state == jobDead {
		j.mu.Unlock()
		return fmt.Errorf("relaycrypt: job circ=%d dir=%s is dead", circID, dir)
	}
	if j.cipher == nil {
		j.cipher = ciph
	}
	j.input = append(j.input, c)
	promote := j.state == jobIdle
	if promote {
		j.state = jobReady
	}
	j.mu.Unlock()

	if d.metrics != nil {
		d.metrics.RelayCryptJobsEnqueued.Inc()
	}
	if promote {
		d.ready <- j
	}
	return nil
}

// jobFor returns the job for (circID, dir), creating it in IDLE state if
// absent. If ciph is non-nil and the job has no cipher bound yet, it is
// bound now (the first Enqueue call for a job normally does this; Output
// may be called first by a consumer setting up before any cell arrives).
func (d *Dispatcher) jobFor(circID uint32, dir Direction, ciph cipher.Stream) *Job {
	key := jobKey{circID: circID, dir: dir}

	d.jobsMu.Lock()
	j, ok := d.jobs[key]
	if !ok {
		j = &Job{key: key, cipher: ciph, output: make(chan *cell.Cell, 32)}
		d.jobs[key] = j
	}
	d.jobsMu.Unlock()
	return j
}

// CloseCircuit marks every job belonging to circID DEAD, in both
// directions, and wakes any worker currently draining one so it can bail
// out early. Jobs with no cells in flight and no bound worker are freed
// immediately; jobs mid-flight or merely queued are freed the next time a
// worker touches them (getJob for a queued job, release for a running
// one).
func (d *Dispatcher) CloseCircuit(circID uint32) {
	d.jobsMu.Lock()
	var touched []*Job
	for _, dir := range [...]Direction{Forward, Backward} {
		if j, ok := d.jobs[jobKey{circID: circID, dir: dir}]; ok {
			touched = append(touched, j)
		}
	}
	d.jobsMu.Unlock()

	for _, j := range touched {
		j.mu.Lock()
		j.closed.Store(true)
		switch j.state {
		case jobIdle:
			j.state = jobDead
			j.mu.Unlock()
			d.freeJob(j)
		default:
			j.state = jobDead
			j.mu.Unlock()
		}
		if d.metrics != nil {
			d.metrics.RelayCryptJobsDead.Inc()
		}
	}
}

func (d *Dispatcher) freeJob(j *Job) {
	d.jobsMu.Lock()
	delete(d.jobs, j.key)
	d.jobsMu.Unlock()
	close(j.output)
}

// runWorker is a pool worker's main loop: fetch a READY job, drain it,
// release it, repeat until told to stop.
func (d *Dispatcher) runWorker(w *Worker) {
	w.setState(workerIdle)
	for {
		j := d.getJob(w)
		if j == nil {
			return
		}
		d.drainJob(w, j)
	}
}

// getJob blocks until a READY job is available to claim, or the worker has
// been asked to stop. A job found DEAD while still sitting in the ready
// queue (its circuit closed before any worker claimed it) is freed here
// and the search continues.
func (d *Dispatcher) getJob(w *Worker) *Job {
	for {
		select {
		case j := <-d.ready:
			j.mu.Lock()
			if j.state == jobDead {
				j.mu.Unlock()
				d.freeJob(j)
				continue
			}
			j.state = jobRunning
			j.worker = w
			j.mu.Unlock()
			w.setState(workerWorking)
			w.setJob(j)
			return j
		case <-w.stop:
			w.setState(workerDead)
			return nil
		}
	}
}

// drainJob runs every cell currently queued on j through its cipher,
// in order, pushing each result to j.output, then releases the job.
func (d *Dispatcher) drainJob(w *Worker, j *Job) {
	for {
		j.mu.Lock()
		if j.state == jobDead || len(j.input) == 0 {
			break
		}
		c := j.input[0]
		j.input = j.input[1:]
		j.mu.Unlock()

		if j.closed.Load() {
			continue
		}
		if j.cipher != nil {
			j.cipher.XORKeyStream(c.Payload, c.Payload)
		}
		select {
		case j.output <- c:
		case <-w.stop:
			// Asked to exit mid-job: put the in-flight cell back and leave
			// the rest queued for whichever worker claims this job next.
			j.mu.Lock()
			j.input = append([]*cell.Cell{c}, j.input...)
			j.state = jobReady
			j.worker = nil
			j.mu.Unlock()
			d.ready <- j
			w.setState(workerIdle)
			w.setJob(nil)
			return
		}
	}
	// j.mu is held here, left locked by the loop's break above.
	dead := j.state == jobDead
	j.worker = nil
	if !dead {
		j.state = jobIdle
	}
	j.mu.Unlock()

	w.setState(workerIdle)
	w.setJob(nil)
	if dead {
		d.freeJob(j)
	}
}
