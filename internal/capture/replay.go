package capture

import (
	"context"
	"io"
	"time"

	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/radio"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

// ReplayOptions controls pacing. A zero Speed injects records back to back;
// otherwise gaps between capture timestamps are divided by Speed.
type ReplayOptions struct {
	Speed float64
	Clock timeutil.Clock
	// Restamp replaces capture timestamps with the clock's current time.
	Restamp bool
}

// Replay injects every discovery in src into fake, returning the number
// injected. Injection stops early when ctx is cancelled.
func Replay(ctx context.Context, src io.Reader, fake *radio.Fake, opts ReplayOptions) (int, error) {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	var (
		injected int
		prev     time.Time
	)
	err := each(src, func(d radio.Discovery) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if opts.Speed > 0 && !prev.IsZero() {
			if gap := d.At.Sub(prev); gap > 0 {
				timer := clock.NewTimer(time.Duration(float64(gap) / opts.Speed))
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C():
				}
			}
		}
		prev = d.At
		if opts.Restamp {
			d.At = clock.Now()
		}
		fake.Inject(d)
		injected++
		return nil
	})
	monitoring.Debugf("[capture] replayed %d discoveries", injected)
	return injected, err
}
