// Package throttle implements the token-bucket stream limiter each Worker
// interposes between its HTTP response body and its part file. It is built
// on golang.org/x/time/rate rather than a hand-rolled bucket: the limiter
// already gives atomic SetLimit/SetBurst semantics for runtime rate changes
// and a context-aware WaitN that suspends cooperatively.
package throttle

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Throttle enforces a mutable bytes/second ceiling on an io.Reader. Bucket
// capacity equals the rate itself, so up to a full second's worth of bytes
// may pass at once when the bucket is full, matching the
// bucket_size == R contract. Raising the rate does not refill the bucket.
type Throttle struct {
	limiter *rate.Limiter
}

// New creates a Throttle at the given bytes/second rate. There is no
// unlimited mode: a rate of 0 or less is clamped to 1 byte/second.
func New(bytesPerSecond int64) *Throttle {
	if bytesPerSecond <= 0 {
		bytesPerSecond = 1
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))}
}

// SetRate atomically replaces both the refill rate and the bucket capacity.
// Tokens already admitted are never revoked; rate.Limiter guarantees this
// since SetLimit/SetBurst only affect future reservations.
func (t *Throttle) SetRate(bytesPerSecond int64) {
	if bytesPerSecond <= 0 {
		bytesPerSecond = 1
	}
	t.limiter.SetLimit(rate.Limit(bytesPerSecond))
	t.limiter.SetBurst(int(bytesPerSecond))
}

// Reader wraps r so that every Read, after reading from r, waits for as
// many tokens as bytes it read before returning them, so bytes pass through
// only once enough budget exists. Bytes are never reordered or duplicated:
// Read delegates directly to r, copying through no intermediate buffer.
func (t *Throttle) Reader(ctx context.Context, r io.Reader) io.Reader {
	return &throttledReader{ctx: ctx, upstream: r, throttle: t}
}

type throttledReader struct {
	ctx      context.Context
	upstream io.Reader
	throttle *Throttle
}

func (tr *throttledReader) Read(p []byte) (int, error) {
	n, err := tr.upstream.Read(p)
	if n <= 0 {
		return n, err
	}
	if waitErr := tr.throttle.waitN(tr.ctx, n); waitErr != nil {
		return n, waitErr
	}
	return n, err
}

// waitN blocks until n bytes' worth of tokens are available. rate.Limiter's
// WaitN rejects a request larger than the bucket's burst size, so a read
// larger than the burst is admitted here in burst-sized chunks.
func (t *Throttle) waitN(ctx context.Context, n int) error {
	burst := t.limiter.Burst()
	for n > burst {
		if err := t.limiter.WaitN(ctx, burst); err != nil {
			return err
		}
		n -= burst
		burst = t.limiter.Burst()
	}
	if n > 0 {
		return t.limiter.WaitN(ctx, n)
	}
	return nil
}
