package resource

import (
	"context"
	"io"
)

// RateLimitedWriter wraps an io.Writer so background flush writes respect
// the controller's IO throughput limit.
type RateLimitedWriter struct {
	ctx context.Context
	w   io.Writer
	rc  *Controller
}

// NewRateLimitedWriter creates a new RateLimitedWriter.
func NewRateLimitedWriter(ctx context.Context, w io.Writer, rc *Controller) *RateLimitedWriter {
	return &RateLimitedWriter{
		ctx: ctx,
		w:   w,
		rc:  rc,
	}
}

// Write splits p into pieces no larger than the limiter burst, so a single
// large write cannot exceed what the limiter is able to grant.
func (w *RateLimitedWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n := len(p) - written
		if burst := w.rc.IOBurst(); burst > 0 && n > burst {
			n = burst
		}
		if err := w.rc.WaitIO(w.ctx, n); err != nil {
			return written, err
		}
		nn, err := w.w.Write(p[written : written+n])
		written += nn
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
