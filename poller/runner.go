package poller

import (
	"context"
	"runtime"
	"time"
)

// Run kicks off the first transaction and polls p until ctx is done. With a
// zero interval the loop only yields the processor between polls.
func Run(ctx context.Context, p *Poller, interval time.Duration) error {
	p.Start()
	if interval <= 0 {
		for ctx.Err() == nil {
			p.Poll(ctx)
			runtime.Gosched()
		}
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}
