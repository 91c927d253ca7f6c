// Package worker implements the Range Worker: it performs a single
// byte-range HTTP GET, resumes from the part file's current length,
// rate-limits its inbound stream through a throttle.Throttle, and
// cooperates with cancellation and dynamic speed changes delivered over
// the events bus. It is grounded on the teacher's worker loop inside
// MultiThreadEngine.downloadSegment (downloader/engine.go), generalized
// from a fixed-rate copy into the spec's speed/stop-subscribing pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/sirupsen/logrus"

	"prometeo/events"
	"prometeo/manifest"
	"prometeo/throttle"
	"prometeo/transport"
)

// State is one of the Worker lifecycle states.
type State int

const (
	Idle State = iota
	Requesting
	Streaming
	Done
	Cancelled
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Requesting:
		return "Requesting"
	case Streaming:
		return "Streaming"
	case Done:
		return "Done"
	case Cancelled:
		return "Cancelled"
	case Errored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// expectedCancellationMessages are stream error substrings the spec treats
// as the ordinary shape of cancellation, not a failure worth logging.
var expectedCancellationMessages = []string{"closed", "Premature close", "canceled", "context canceled"}

// Config carries everything a Worker needs at construction. The Coordinator
// builds one Config per Range.
type Config struct {
	Index       int
	Range       manifest.Range
	URL         string
	ContentType string
	InitialRate int64 // bytes/second, this worker's starting share

	Client *transport.Client
	Logger *logrus.Entry

	SpeedCh <-chan events.SpeedEvent
	StopCh  <-chan struct{}
}

// Worker downloads one Range. It holds no reference back to its
// Coordinator: all coordination happens over the channels in Config plus
// the output Bus instances passed to Start.
type Worker struct {
	cfg Config

	bytesReceived atomic.Int64
	speedAvg      ewma.MovingAverage
	speedBps      atomic.Int64
	state         atomic.Int32
}

// New constructs a Worker. Construction is pure and synchronous: no
// network or disk activity happens until Start runs. A Worker never
// revalidates its URL; the Coordinator does that before spawning Workers.
func New(cfg Config) *Worker {
	return &Worker{cfg: cfg, speedAvg: ewma.NewMovingAverage()}
}

// Result is what Start returns: the terminal state and, for Errored, the
// cause.
type Result struct {
	State State
	Err   error
}

// Start runs the Worker to completion: it resumes from the part file's
// current length, streams the remaining bytes through a Throttle, and
// reports its terminal state. It blocks until the Range is complete,
// cancelled, or errored.
func (w *Worker) Start(ctx context.Context, log *events.Bus[events.LogEvent], finish *events.Bus[events.FinishEvent], destroy *events.Bus[events.DestroyEvent]) Result {
	w.setState(Idle)
	r := w.cfg.Range

	existing, err := partFileLength(r.PartPath)
	if err != nil {
		return w.fail(destroy, fmt.Errorf("stat part file: %w", err))
	}

	if r.Start+existing > r.End {
		w.setState(Done)
		finish.Publish(events.FinishEvent{WorkerIndex: w.cfg.Index, Clean: true})
		return Result{State: Done}
	}

	partFile, err := os.OpenFile(r.PartPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return w.fail(destroy, fmt.Errorf("open part file: %w", err))
	}
	defer partFile.Close()

	th := throttle.New(w.cfg.InitialRate)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go w.watchControl(workerCtx, cancel, th, destroy)

	w.setState(Requesting)
	rangeStart := r.Start + existing
	if w.cfg.Logger != nil {
		w.cfg.Logger.WithFields(logrus.Fields{"start": rangeStart, "end": r.End}).Debug("requesting range")
	}
	resp, err := w.cfg.Client.GetRange(workerCtx, w.cfg.URL, rangeStart, r.End)
	if err != nil {
		if isExpectedCancellation(err) {
			w.setState(Cancelled)
			return Result{State: Cancelled}
		}
		return w.fail(destroy, fmt.Errorf("range request: %w", err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case 416: // Range Not Satisfiable: the origin agrees this range is complete.
		w.setState(Done)
		finish.Publish(events.FinishEvent{WorkerIndex: w.cfg.Index, Clean: true})
		return Result{State: Done}
	case 206:
		// expected, continue
	default:
		return w.fail(destroy, fmt.Errorf("unexpected status %d for ranged request (200 full-body responses are rejected to avoid silently corrupting a resumed file)", resp.StatusCode))
	}

	w.setState(Streaming)
	speedDone := make(chan struct{})
	go w.sampleSpeed(workerCtx, speedDone)

	throttled := th.Reader(workerCtx, resp.Body)
	counted := &countingReader{r: throttled, n: &w.bytesReceived}

	_, copyErr := io.Copy(partFile, counted)
	close(speedDone)

	if copyErr != nil {
		if isExpectedCancellation(copyErr) {
			w.setState(Cancelled)
			return Result{State: Cancelled}
		}
		log.Publish(events.LogEvent{Source: workerSource(w.cfg.Index), Message: copyErr.Error()})
		return w.fail(destroy, copyErr)
	}

	w.setState(Done)
	finish.Publish(events.FinishEvent{WorkerIndex: w.cfg.Index, Clean: true})
	return Result{State: Done}
}

func (w *Worker) watchControl(ctx context.Context, cancel context.CancelFunc, th *throttle.Throttle, destroy *events.Bus[events.DestroyEvent]) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.cfg.StopCh:
			cancel()
			w.setState(Cancelled)
			destroy.Publish(events.DestroyEvent{WorkerIndex: w.cfg.Index, Err: errors.New("stopped")})
			return
		case ev, ok := <-w.cfg.SpeedCh:
			if !ok {
				continue
			}
			th.SetRate(ev.PerWorkerBps)
		}
	}
}

// sampleSpeed feeds ewma with a bytes/second sample every 200ms until done
// is closed, giving Speed() a smoothed instantaneous rate rather than a
// raw cumulative average.
func (w *Worker) sampleSpeed(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	var last int64
	for {
		select {
		case <-ticker.C:
			now := w.bytesReceived.Load()
			delta := now - last
			last = now
			rate := float64(delta) / 0.2
			w.speedAvg.Add(rate)
			w.speedBps.Store(int64(w.speedAvg.Value()))
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) fail(destroy *events.Bus[events.DestroyEvent], err error) Result {
	w.setState(Errored)
	destroy.Publish(events.DestroyEvent{WorkerIndex: w.cfg.Index, Err: err})
	return Result{State: Errored, Err: err}
}

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// State returns the Worker's current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// BytesReceived returns the number of bytes streamed so far during the
// current Start call.
func (w *Worker) BytesReceived() int64 { return w.bytesReceived.Load() }

// Speed returns the smoothed instantaneous transfer rate in bytes/second.
func (w *Worker) Speed() int64 { return w.speedBps.Load() }

// TotalDownloaded returns existing-on-disk bytes plus bytes received this
// run, i.e. the Range's total progress regardless of resume history.
func (w *Worker) TotalDownloaded(existingBeforeStart int64) int64 {
	return existingBeforeStart + w.bytesReceived.Load()
}

// Progress returns the bytes received during the current Start call as a
// percentage (0-100) of the Range's length; bytes already on disk before a
// resume are not counted.
func (w *Worker) Progress() float64 {
	length := w.cfg.Range.Length()
	if length <= 0 {
		return 100
	}
	return float64(w.bytesReceived.Load()) / float64(length) * 100
}

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n.Add(int64(n))
	}
	return n, err
}

func partFileLength(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

func isExpectedCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := err.Error()
	for _, m := range expectedCancellationMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func workerSource(index int) string {
	return fmt.Sprintf("worker:%d", index)
}
