package lifecycle

import (
	"context"
	"sync"
	"time"
)

// Watchdog calls check at a fixed interval until Stop. There is no backoff:
// a device that never connects is retried forever at the same pace.
type Watchdog struct {
	interval time.Duration
	check    func(ctx context.Context)
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mutex    sync.Mutex
}

func NewWatchdog(interval time.Duration, check func(ctx context.Context)) *Watchdog {
	return &Watchdog{
		interval: interval,
		check:    check,
	}
}

// Start is a no-op when the watchdog is already running.
func (w *Watchdog) Start() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(1)
	go w.run(ctx)
}

// Stop cancels a running check and waits for the loop to exit.
func (w *Watchdog) Stop() {
	w.mutex.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mutex.Unlock()

	if cancel != nil {
		cancel()
		w.wg.Wait()
	}
}

func (w *Watchdog) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}
