// Package coordinator implements the Download Coordinator: it takes a Plan
// whose Range partition manifest.New computed, spawns and supervises one
// worker.Worker per Range, aggregates their progress on a 500ms sampler, mediates
// bandwidth changes, and drives the lifecycle from Planned through
// Composing and Cleaned. It is grounded on the teacher's MultiThreadEngine
// (downloader/engine.go) and its WorkerPool, generalized from a
// seek-and-write-into-one-file pool into one independent part file per
// Range plus a final compose step, and from the teacher's retry-driven
// executeDownloadWithRetry into a single attempt per spec.md §7 (retry
// belongs to an outer supervisor, not the core).
package coordinator

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"prometeo/events"
	"prometeo/internal/log"
	"prometeo/internal/prometeoerr"
	"prometeo/manifest"
	"prometeo/prober"
	"prometeo/transport"
	"prometeo/utils"
	"prometeo/worker"
)

// State is one of the Coordinator lifecycle states.
type State int

const (
	Planned State = iota
	Running
	Stopping
	Stopped
	Composing
	Cleaned
	Finished
)

func (s State) String() string {
	switch s {
	case Planned:
		return "Planned"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Composing:
		return "Composing"
	case Cleaned:
		return "Cleaned"
	case Finished:
		return "Finished"
	default:
		return "Unknown"
	}
}

const (
	progressTick   = 500 * time.Millisecond
	stopDrainLimit = 1000 * time.Millisecond
)

// Config carries everything a Coordinator needs at construction beyond the
// Plan it owns.
type Config struct {
	Client *transport.Client
	Logger *logrus.Entry
}

// Coordinator owns a Plan and its collection of Workers exclusively. It
// never shares the Plan's mutable SpeedBps/Finished fields with a Worker
// directly: Workers observe bandwidth changes only through the speed bus.
type Coordinator struct {
	plan    *manifest.Plan
	client  *transport.Client
	logger  *logrus.Entry
	fileOps *utils.FileOperations

	workDirLogger *logrus.Logger
	workDirFile   *os.File

	mu    sync.Mutex
	state State

	speedBus    *events.Bus[events.SpeedEvent]
	progressBus *events.Bus[events.ProgressEvent]
	logBus      *events.Bus[events.LogEvent]
	finishBus   *events.Bus[events.FinishEvent]
	destroyBus  *events.Bus[events.DestroyEvent]

	stopCh   chan struct{}
	stopOnce sync.Once

	active atomic.Int32

	workersMu sync.Mutex
	workers   []*worker.Worker
}

// New constructs a Coordinator for plan. Construction is pure and
// synchronous: no network or disk activity happens until Start runs, per
// the "promise-inside-constructor" design note — revalidation happens
// inside Start, not here.
func New(plan *manifest.Plan, cfg Config) *Coordinator {
	return &Coordinator{
		plan:        plan,
		client:      cfg.Client,
		logger:      cfg.Logger,
		fileOps:     utils.NewFileOperations(),
		state:       Planned,
		speedBus:    events.NewBus[events.SpeedEvent](),
		progressBus: events.NewBus[events.ProgressEvent](),
		logBus:      events.NewBus[events.LogEvent](),
		finishBus:   events.NewBus[events.FinishEvent](),
		destroyBus:  events.NewBus[events.DestroyEvent](),
		stopCh:      make(chan struct{}),
	}
}

// Plan returns the Coordinator's owned Plan. Callers must not mutate it;
// only SetSpeed and the internal lifecycle methods are permitted to.
func (c *Coordinator) Plan() *manifest.Plan { return c.plan }

// State reports the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Progress subscribes to the Coordinator's periodic progress samples.
func (c *Coordinator) Progress() (<-chan events.ProgressEvent, func()) {
	return c.progressBus.Subscribe()
}

// Name, URL and Size are the pure accessors spec.md §4.3 names.
func (c *Coordinator) Name() string { return c.plan.Name }
func (c *Coordinator) URL() string  { return c.plan.URL }
func (c *Coordinator) Size() int64  { return c.plan.Size }

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start transitions Planned to Running, revalidates the URL, spawns one
// Worker per Range, samples progress every 500ms, and blocks until every
// Worker is terminal. On a successful completion it composes the parts into
// the destination and cleans up the work directory. It returns the
// destination path, or an error capturing why composition did not happen
// (a Stop was requested, a Worker hit a hard error and the errgroup
// cancelled its siblings, or not every Range finished satisfied).
func (c *Coordinator) Start(ctx context.Context) (string, error) {
	c.setState(Running)
	defer c.closeBuses()

	if c.client != nil {
		if _, err := prober.New(c.client).Probe(ctx, c.plan.URL); err != nil {
			c.log(fmt.Sprintf("URL revalidation failed, continuing with existing plan: %v", err))
		}
	}

	if err := os.MkdirAll(c.plan.WorkDir, 0755); err != nil {
		return "", prometeoerr.NewInternal("create work directory", err)
	}

	if wdLogger, f, err := log.NewWorkDirLogger(filepath.Join(c.plan.WorkDir, manifest.LogFilename)); err == nil {
		c.workDirLogger = wdLogger
		c.workDirFile = f
	}

	existingBefore := make([]int64, len(c.plan.Parts))
	for i, r := range c.plan.Parts {
		if size, err := c.fileOps.GetFileSize(r.PartPath); err == nil {
			existingBefore[i] = size
		}
	}

	n := len(c.plan.Parts)
	c.active.Store(int32(n))
	perWorker := c.perWorkerRate(n)

	workers := make([]*worker.Worker, n)
	speedChs := make([]<-chan events.SpeedEvent, n)
	unsubs := make([]func(), n)
	for i := range c.plan.Parts {
		ch, unsub := c.speedBus.Subscribe()
		speedChs[i] = ch
		unsubs[i] = unsub
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	results := make([]worker.Result, n)

	for i, r := range c.plan.Parts {
		i, r := i, r
		w := worker.New(worker.Config{
			Index:       i,
			Range:       r,
			URL:         c.plan.URL,
			ContentType: c.plan.ContentType,
			InitialRate: perWorker,
			Client:      c.client,
			Logger:      c.workerLogger(i),
			SpeedCh:     speedChs[i],
			StopCh:      c.stopCh,
		})
		workers[i] = w
		g.Go(func() error {
			res := w.Start(gctx, c.logBus, c.finishBus, c.destroyBus)
			results[i] = res
			remaining := c.active.Add(-1)
			if remaining > 0 {
				c.rebalance(remaining)
			}
			if res.State == worker.Errored {
				return res.Err
			}
			return nil
		})
	}
	c.workersMu.Lock()
	c.workers = workers
	c.workersMu.Unlock()

	sampleDone := make(chan struct{})
	go c.sampleProgress(existingBefore, sampleDone)

	groupErr := g.Wait()
	close(sampleDone)

	if c.State() == Stopping {
		c.setState(Stopped)
		return "", fmt.Errorf("coordinator: stopped before completion")
	}

	if groupErr != nil {
		return "", groupErr
	}

	if err := c.allPartsSatisfied(); err != nil {
		return "", err
	}

	c.progressBus.Publish(events.ProgressEvent{SpeedHuman: Human(0), Percent: 100, ETAMillis: 0})

	c.setState(Composing)
	if err := c.compose(); err != nil {
		return "", err
	}

	if err := c.cleanup(); err != nil {
		c.log(fmt.Sprintf("cleanup failed: %v", err))
	}

	c.setState(Finished)
	return c.plan.Destination, nil
}

// closeBuses releases every subscriber channel once Start has nothing left
// to publish: a caller's Progress() channel (or any other subscription) is
// closed rather than left open indefinitely after the Coordinator finishes.
func (c *Coordinator) closeBuses() {
	c.speedBus.Close()
	c.progressBus.Close()
	c.logBus.Close()
	c.finishBus.Close()
	c.destroyBus.Close()
}

// Stop transitions to Stopping (a no-op from Composing or a terminal
// state), broadcasts the stop signal to every Worker, and then waits the
// 1-second stop-drain limit before returning; the wait always lasts the
// full second. Re-issuing Stop on an already-stopping Coordinator is
// idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.state == Composing || c.state == Cleaned || c.state == Finished || c.state == Stopped {
		c.mu.Unlock()
		return
	}
	c.state = Stopping
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stopCh) })

	timer := time.NewTimer(stopDrainLimit)
	defer timer.Stop()
	<-timer.C
}

// SetSpeed updates the Plan's aggregate bandwidth ceiling and recomputes
// each active Worker's per-worker share.
func (c *Coordinator) SetSpeed(totalBps int64) {
	c.mu.Lock()
	c.plan.SpeedBps = totalBps
	c.mu.Unlock()

	active := c.active.Load()
	if active <= 0 {
		active = 1
	}
	c.speedBus.Publish(events.SpeedEvent{PerWorkerBps: totalBps / int64(active)})
}

func (c *Coordinator) rebalance(active int32) {
	if active <= 0 {
		active = 1
	}
	c.mu.Lock()
	total := c.plan.SpeedBps
	c.mu.Unlock()
	c.speedBus.Publish(events.SpeedEvent{PerWorkerBps: total / int64(active)})
}

func (c *Coordinator) perWorkerRate(n int) int64 {
	if n <= 0 {
		n = 1
	}
	rate := c.plan.SpeedBps / int64(n)
	if rate <= 0 {
		rate = 1
	}
	return rate
}

// allPartsSatisfied re-derives each Range's PartState from the part file's
// current on-disk length. It only runs once every Worker goroutine in Start
// has returned, which by then reflects the errgroup's own judgment: a hard
// Worker error already cancelled gctx and every sibling by the time Wait
// returns, so this is the backstop for the case where every Worker reached a
// terminal state on its own (Done or an expected cancellation) yet some
// Range is still short.
func (c *Coordinator) allPartsSatisfied() error {
	for _, r := range c.plan.Parts {
		existing, err := c.fileOps.GetFileSize(r.PartPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return prometeoerr.NewInternal(fmt.Sprintf("stat part %d", r.Index), err)
			}
			existing = 0
		}
		state := manifest.DerivePartState(r, existing)
		if !state.Done() {
			return prometeoerr.NewInternal(fmt.Sprintf("range %d incomplete: %d bytes remaining", r.Index, state.Remaining), nil)
		}
	}
	return nil
}

// compose concatenates every part file into the destination in ascending
// Range index order, then deletes each part file. This is compose_file from
// spec.md §4.3.
func (c *Coordinator) compose() error {
	out, err := os.OpenFile(c.plan.Destination, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return prometeoerr.NewInternal("open destination", err)
	}
	defer out.Close()

	for _, r := range c.plan.Parts {
		if err := appendPart(out, r.PartPath); err != nil {
			return prometeoerr.NewInternal(fmt.Sprintf("compose part %d", r.Index), err)
		}
		if err := os.Remove(r.PartPath); err != nil && !os.IsNotExist(err) {
			return prometeoerr.NewInternal(fmt.Sprintf("remove part %d", r.Index), err)
		}
	}
	return nil
}

func appendPart(dst *os.File, partPath string) error {
	f, err := os.Open(partPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = copyAll(dst, f)
	return err
}

// cleanup closes the log sink and removes the work directory. If removal
// fails and the directory still exists, the manifest is rewritten with
// Finished=true so a subsequent Manager scan reclaims it.
func (c *Coordinator) cleanup() error {
	if c.workDirFile != nil {
		c.workDirFile.Close()
	}

	if err := os.RemoveAll(c.plan.WorkDir); err != nil {
		if _, statErr := os.Stat(c.plan.WorkDir); statErr == nil {
			c.plan.Finished = true
			if werr := manifest.Write(c.plan); werr != nil {
				return prometeoerr.NewInternal("rewrite manifest after failed cleanup", werr)
			}
			return prometeoerr.NewInternal("remove work directory", err)
		}
	}
	c.setState(Cleaned)
	return nil
}

// sampleProgress emits a ProgressEvent every 500ms until done is closed,
// aggregating speed and progress over not-yet-finished Workers and total
// bytes downloaded over all Workers, per spec.md §4.3.
func (c *Coordinator) sampleProgress(existingBefore []int64, done <-chan struct{}) {
	ticker := time.NewTicker(progressTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.emitProgressSample(existingBefore)
		case <-done:
			return
		}
	}
}

func (c *Coordinator) emitProgressSample(existingBefore []int64) {
	c.workersMu.Lock()
	workers := c.workers
	c.workersMu.Unlock()

	var aggregateSpeed int64
	var progressSum float64
	var notFinishedCount int
	var totalDownloaded int64

	for i, w := range workers {
		if w == nil {
			continue
		}
		totalDownloaded += w.TotalDownloaded(existingBefore[i])
		switch w.State() {
		case worker.Done, worker.Cancelled, worker.Errored:
			continue
		default:
			notFinishedCount++
			aggregateSpeed += w.Speed()
			progressSum += w.Progress()
		}
	}

	percent := 100
	if notFinishedCount > 0 {
		percent = int(math.Round(progressSum / float64(notFinishedCount)))
		if percent > 100 {
			percent = 100
		}
		if percent < 0 {
			percent = 0
		}
	}

	var etaMillis int64
	switch {
	case totalDownloaded >= c.plan.Size:
		etaMillis = 0
	case aggregateSpeed == 0:
		etaMillis = math.MaxInt64
	default:
		remaining := c.plan.Size - totalDownloaded
		etaMillis = int64(math.Round(float64(remaining) / float64(aggregateSpeed) * 1000))
	}

	c.progressBus.Publish(events.ProgressEvent{
		SpeedHuman: Human(aggregateSpeed),
		Percent:    percent,
		ETAMillis:  etaMillis,
	})
}

func (c *Coordinator) log(msg string) {
	if c.logger != nil {
		c.logger.Info(msg)
	}
	if c.workDirLogger != nil {
		c.workDirLogger.Info(msg)
	}
	c.logBus.Publish(events.LogEvent{Source: "coordinator", Message: msg})
}

func (c *Coordinator) workerLogger(index int) *logrus.Entry {
	if c.logger == nil {
		return nil
	}
	return c.logger.WithField("worker", index)
}

// copyAll streams src into dst using a fixed buffer, matching the
// streaming-not-buffering-whole-file contract compose_file requires for
// potentially very large parts.
func copyAll(dst *os.File, src *os.File) (int64, error) {
	buf := make([]byte, 256*1024)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}
