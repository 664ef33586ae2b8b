// Package fanout implements the bounded worker-pool pattern every source
// adapter uses to fetch a gallery's pages concurrently without exceeding a
// per-task concurrency ceiling: first error wins, siblings are canceled, and
// a stop signal short-circuits both the dispatch loop and any worker still
// waiting on a slot. Grounded on the teacher engine's downloadWorker/
// executeTask worker-swarm loop, generalized from "one file split into
// byte-range parts" to "N independent jobs", and on the per-site
// concurrency queues of the retrieval pack's manga-reader downloader module.
package fanout

import (
	"context"
	"sync"

	"github.com/noelle-silva/PicaComic/internal/stoptoken"
)

// Job is one unit of fan-out work, indexed by its position in the batch so
// adapters can reassemble ordered output (e.g. numbered page files).
type Job func(ctx context.Context) error

// ForEachConcurrent runs jobs with at most `concurrency` running at once.
// It returns the first non-nil error encountered (by job index order when
// multiple fail around the same time), after which remaining and in-flight
// jobs are canceled via ctx. A signaled stop token is checked before
// dispatching each job and treated the same as any other first error,
// except it's returned as-is so callers can tell "stopped" apart from
// "failed".
func ForEachConcurrent(ctx context.Context, concurrency int, jobs []Job, stop *stoptoken.Token) error {
	if concurrency < 1 {
		concurrency = 1
	}
	if len(jobs) == 0 {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, concurrency)
	errs := make([]error, len(jobs))
	var wg sync.WaitGroup
	var once sync.Once
	var firstErr error

	recordErr := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	if err := stoptoken.Check(stop); err != nil {
		return err
	}

	for i, job := range jobs {
		select {
		case <-runCtx.Done():
			break
		default:
		}
		if err := stoptoken.Check(stop); err != nil {
			cancel()
			wg.Wait()
			return err
		}

		select {
		case sem <- struct{}{}:
		case <-runCtx.Done():
			wg.Wait()
			if firstErr != nil {
				return firstErr
			}
			return runCtx.Err()
		}

		wg.Add(1)
		go func(idx int, j Job) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := stoptoken.Check(stop); err != nil {
				errs[idx] = err
				recordErr(err)
				return
			}
			select {
			case <-runCtx.Done():
				return
			default:
			}

			if err := j(runCtx); err != nil {
				errs[idx] = err
				recordErr(err)
			}
		}(i, job)
	}

	wg.Wait()

	if stopped := stoptoken.Check(stop); stopped != nil {
		if _, ok := stoptoken.As(firstErr); !ok {
			return stopped
		}
	}

	return firstErr
}
