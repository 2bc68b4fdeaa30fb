package transfer

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstBytes caps a single limiter reservation.
const maxBurstBytes = 64 << 10

func newByteLimiter(bytesPerSecond int64) *rate.Limiter {
	burst := bytesPerSecond
	if burst > maxBurstBytes {
		burst = maxBurstBytes
	}

	if burst < 1 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(bytesPerSecond), int(burst))
}

// throttledReader paces reads through a byte limiter.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}

	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}

	return n, err
}
