package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"prometeo/events"
	"prometeo/manifest"
	"prometeo/transport"
)

// byteSequenceServer serves b[k] = k mod 256 and honors Range headers.
func byteSequenceServer(t *testing.T, total int) *httptest.Server {
	t.Helper()
	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Write(data)
			return
		}
		var start, end int
		if _, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if start >= total {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if end >= total {
			end = total - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	}))
}

func newTestLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return logrus.NewEntry(l)
}

func TestWorker_DownloadsFullRange(t *testing.T) {
	srv := byteSequenceServer(t, 1000)
	defer srv.Close()

	client, err := transport.New(transport.Config{UserAgent: "test"})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}

	dir := t.TempDir()
	rng := manifest.Range{Index: 0, PartPath: filepath.Join(dir, "part0"), Start: 250, End: 499}

	speedCh := make(chan events.SpeedEvent)
	stopCh := make(chan struct{})
	logBus := events.NewBus[events.LogEvent]()
	finishBus := events.NewBus[events.FinishEvent]()
	destroyBus := events.NewBus[events.DestroyEvent]()

	w := New(Config{
		Index:       0,
		Range:       rng,
		URL:         srv.URL,
		InitialRate: 10_000_000,
		Client:      client,
		Logger:      newTestLogger(),
		SpeedCh:     speedCh,
		StopCh:      stopCh,
	})

	res := w.Start(context.Background(), logBus, finishBus, destroyBus)
	if res.State != Done {
		t.Fatalf("expected Done, got %v (err=%v)", res.State, res.Err)
	}

	got, err := os.ReadFile(rng.PartPath)
	if err != nil {
		t.Fatalf("read part file: %v", err)
	}
	if len(got) != 250 {
		t.Fatalf("expected 250 bytes written, got %d", len(got))
	}
	for i, b := range got {
		want := byte((250 + i) % 256)
		if b != want {
			t.Fatalf("byte %d = %d, want %d", i, b, want)
		}
	}
}

func TestWorker_ResumesFromExistingPartFile(t *testing.T) {
	srv := byteSequenceServer(t, 1000)
	defer srv.Close()

	client, _ := transport.New(transport.Config{})
	dir := t.TempDir()
	rng := manifest.Range{Index: 0, PartPath: filepath.Join(dir, "part0"), Start: 0, End: 99}

	// Pre-seed 40 bytes as if a previous run wrote them.
	seed := make([]byte, 40)
	for i := range seed {
		seed[i] = byte(i % 256)
	}
	if err := os.WriteFile(rng.PartPath, seed, 0644); err != nil {
		t.Fatalf("seed part file: %v", err)
	}

	w := New(Config{
		Index:       0,
		Range:       rng,
		URL:         srv.URL,
		InitialRate: 10_000_000,
		Client:      client,
		Logger:      newTestLogger(),
		SpeedCh:     make(chan events.SpeedEvent),
		StopCh:      make(chan struct{}),
	})

	res := w.Start(context.Background(), events.NewBus[events.LogEvent](), events.NewBus[events.FinishEvent](), events.NewBus[events.DestroyEvent]())
	if res.State != Done {
		t.Fatalf("expected Done, got %v (err=%v)", res.State, res.Err)
	}

	got, err := os.ReadFile(rng.PartPath)
	if err != nil {
		t.Fatalf("read part file: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 bytes total, got %d", len(got))
	}
}

func TestWorker_AlreadyCompleteRangeReturnsImmediately(t *testing.T) {
	dir := t.TempDir()
	rng := manifest.Range{Index: 0, PartPath: filepath.Join(dir, "part0"), Start: 0, End: 9}
	if err := os.WriteFile(rng.PartPath, make([]byte, 10), 0644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := New(Config{
		Index:       0,
		Range:       rng,
		URL:         "http://example.invalid/should-not-be-called",
		InitialRate: 1000,
		Client:      nil,
		Logger:      newTestLogger(),
		SpeedCh:     make(chan events.SpeedEvent),
		StopCh:      make(chan struct{}),
	})

	finishBus := events.NewBus[events.FinishEvent]()
	var mu sync.Mutex
	var gotFinish bool
	received := make(chan struct{})
	ch, unsub := finishBus.Subscribe()
	defer unsub()
	go func() {
		ev := <-ch
		mu.Lock()
		gotFinish = ev.Clean
		mu.Unlock()
		close(received)
	}()

	res := w.Start(context.Background(), events.NewBus[events.LogEvent](), finishBus, events.NewBus[events.DestroyEvent]())
	if res.State != Done {
		t.Fatalf("expected Done, got %v", res.State)
	}
	<-received
	mu.Lock()
	defer mu.Unlock()
	if !gotFinish {
		t.Fatalf("expected a clean finish event")
	}
}

func TestWorker_StopSignalCancels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-9999999/10000000")
		w.WriteHeader(http.StatusPartialContent)
		flusher, _ := w.(http.Flusher)
		buf := make([]byte, 1024)
		for i := 0; i < 10000; i++ {
			if _, err := w.Write(buf); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	client, _ := transport.New(transport.Config{})
	dir := t.TempDir()
	rng := manifest.Range{Index: 0, PartPath: filepath.Join(dir, "part0"), Start: 0, End: 9_999_999}

	stopCh := make(chan struct{})
	w := New(Config{
		Index:       0,
		Range:       rng,
		URL:         srv.URL,
		InitialRate: 1_000_000_000,
		Client:      client,
		Logger:      newTestLogger(),
		SpeedCh:     make(chan events.SpeedEvent),
		StopCh:      stopCh,
	})

	go func() {
		close(stopCh)
	}()

	res := w.Start(context.Background(), events.NewBus[events.LogEvent](), events.NewBus[events.FinishEvent](), events.NewBus[events.DestroyEvent]())
	if res.State != Cancelled && res.State != Done {
		t.Fatalf("expected Cancelled or a fast Done, got %v", res.State)
	}
}
