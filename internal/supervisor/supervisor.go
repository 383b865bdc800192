// Package supervisor spawns one worker per configured NPROC, each
// pinned to its own OS thread, and drives their shutdown once ctx is
// canceled — the Go analogue of original_source/src/tcp-proxy.c's
// main/run_event_loop/start_thread sequence, and of the bounded
// pthread_kill(tid, 0) liveness poll before freeing thread resources.
package supervisor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ikruglov/tcp-proxy/internal/config"
	"github.com/ikruglov/tcp-proxy/internal/endpoint"
	"github.com/ikruglov/tcp-proxy/internal/worker"
)

// livenessTimeout bounds how long Run waits for every worker to
// report Done after Terminate before giving up and returning without
// freeing that worker's resources — the Go analogue of the original's
// 2-second pthread_kill(tid, 0) polling loop.
const livenessTimeout = 2 * time.Second

// Run resolves nothing itself — serverEP/upstreamEP are already
// resolved — and blocks until ctx is canceled, at which point it
// signals every worker and waits (bounded) for them to stop.
func Run(ctx context.Context, cfg config.Settings, serverEP, upstreamEP endpoint.Endpoint, log zerolog.Logger) error {
	n := cfg.NProc
	if n <= 0 {
		n = runtime.NumCPU()
	}

	workers := make([]*worker.Worker, n)
	var wg sync.WaitGroup
	runErrs := make([]error, n)

	for i := 0; i < n; i++ {
		w := worker.New(i, cfg, serverEP, upstreamEP, log)
		workers[i] = w

		wg.Add(1)
		go func(i int, w *worker.Worker) {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			if err := w.Run(); err != nil {
				log.Error().Err(err).Int("worker", i).Msg("worker exited with error")
				runErrs[i] = err
			}
		}(i, w)
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, terminating workers")

	for _, w := range workers {
		w.Terminate()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(livenessTimeout):
		log.Warn().Msg("not all workers stopped within the liveness window, exiting without freeing them")
		return nil
	}

	for _, w := range workers {
		w.Free()
	}

	for _, err := range runErrs {
		if err != nil {
			return err
		}
	}
	return nil
}
