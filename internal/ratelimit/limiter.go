// Package ratelimit wraps readers and writers with token-bucket byte
// limits for chunk transfers.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Burst bounds. The floor keeps small rates from stalling on every
// syscall-sized read; the cap keeps a fresh bucket from dumping more
// than a few chunks at once.
const (
	minBurst = 256 * 1024
	maxBurst = 4 * 1024 * 1024
)

// Limiter hands out rate-limited views of readers and writers. A nil or
// unlimited Limiter passes everything through untouched.
type Limiter struct {
	bucket *rate.Limiter
}

// New creates a limiter. bytesPerSecond of 0 or less means unlimited.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return &Limiter{}
	}
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(bytesPerSecond), int(burstFor(bytesPerSecond))),
	}
}

func burstFor(bytesPerSecond int64) int64 {
	burst := bytesPerSecond
	if burst < minBurst {
		burst = minBurst
	}
	if burst > maxBurst {
		burst = maxBurst
	}
	return burst
}

// Enabled reports whether the limiter actually limits.
func (l *Limiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Reader returns a reader that debits the bucket for every byte read.
func (l *Limiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	if !l.Enabled() {
		return r
	}
	return &limitedReader{r: r, bucket: l.bucket, ctx: ctx}
}

// Writer returns a writer that debits the bucket for every byte written.
func (l *Limiter) Writer(ctx context.Context, w io.Writer) io.Writer {
	if !l.Enabled() {
		return w
	}
	return &limitedWriter{w: w, bucket: l.bucket, ctx: ctx}
}

// waitFor blocks until the bucket allows n more bytes. Requests larger
// than the burst are split, since WaitN panics when n exceeds it.
func waitFor(ctx context.Context, bucket *rate.Limiter, n int) error {
	burst := bucket.Burst()
	for n > 0 {
		step := n
		if step > burst {
			step = burst
		}
		if err := bucket.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

type limitedReader struct {
	r      io.Reader
	bucket *rate.Limiter
	ctx    context.Context
}

// Read reads first and then pays for the bytes, so a slow source is
// never charged for data it did not produce.
func (lr *limitedReader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	if n > 0 {
		if waitErr := waitFor(lr.ctx, lr.bucket, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

type limitedWriter struct {
	w      io.Writer
	bucket *rate.Limiter
	ctx    context.Context
}

// Write pays for each slice before writing it, in burst-sized steps.
func (lw *limitedWriter) Write(p []byte) (int, error) {
	burst := lw.bucket.Burst()
	n := 0
	for n < len(p) {
		end := n + burst
		if end > len(p) {
			end = len(p)
		}
		chunk := p[n:end]

		if err := lw.bucket.WaitN(lw.ctx, len(chunk)); err != nil {
			return n, err
		}
		written, err := lw.w.Write(chunk)
		n += written
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
