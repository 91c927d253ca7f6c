// Package progress renders Coordinator progress events onto cheggaaa/pb/v3
// bars, grounded on the teacher's utils.ProgressTracker (utils/progress.go)
// but driven by the Coordinator's ProgressEvent stream instead of a raw
// byte counter, since the Coordinator already aggregates speed and ETA.
package progress

import (
	"fmt"
	"math"
	"time"

	"github.com/cheggaaa/pb/v3"

	"prometeo/events"
)

// Bar wraps a pb.ProgressBar bound to one download's name and size.
type Bar struct {
	bar  *pb.ProgressBar
	name string
}

// NewBar constructs a sized, byte-counting progress bar labeled with name:
// an ETA prefix (set by Follow), then the teacher's
// bar/percent/speed/elapsed-time template.
func NewBar(name string, size int64) *Bar {
	tmpl := fmt.Sprintf(`{{string . "prefix"}}{{ "%s:" }} {{ bar . }} {{percent . }} {{speed . "%%s/s"}} {{etime .}}`, name)
	b := pb.New64(size).Set(pb.Bytes, true).SetTemplateString(tmpl)
	return &Bar{bar: b, name: name}
}

// Underlying exposes the wrapped pb.ProgressBar so a caller can Add it to a
// pb.Pool for multi-download rendering.
func (b *Bar) Underlying() *pb.ProgressBar { return b.bar }

// Follow subscribes to ch and updates the bar until ch closes or stop is
// signaled. It runs synchronously; callers that want concurrent rendering
// across several downloads should run Follow in its own goroutine per Bar.
func (b *Bar) Follow(ch <-chan events.ProgressEvent, stop <-chan struct{}) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			current := int64(float64(b.bar.Total()) * float64(ev.Percent) / 100)
			b.bar.SetCurrent(current)
			b.bar.Set("prefix", fmt.Sprintf("ETA %s  ", formatETA(ev.ETAMillis)))
		case <-stop:
			return
		}
	}
}

// Finish marks the bar complete, setting its current value to its total.
func (b *Bar) Finish() {
	b.bar.SetCurrent(b.bar.Total())
	b.bar.Finish()
}

func formatETA(ms int64) string {
	if ms <= 0 {
		return "0s"
	}
	if ms == math.MaxInt64 {
		return "∞"
	}
	return time.Duration(ms * int64(time.Millisecond)).Round(time.Second).String()
}
