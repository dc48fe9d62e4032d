package batch

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool runs a function over contiguous sublists of files, one goroutine per sublist.
type Pool struct {
	Workers int
}

// NewPool returns a Pool with one worker per CPU when workers is not positive.
func NewPool(workers int) Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return Pool{Workers: workers}
}

// Run splits files across the workers and waits for all of them.
// The first worker error cancels the context passed to the others.
func (p Pool) Run(ctx context.Context, files []string, fn func(ctx context.Context, worker int, files []string) error) error {
	eg, gctx := errgroup.WithContext(ctx)
	for i, part := range Split(files, p.Workers) {
		eg.Go(func() error {
			return fn(gctx, i, part)
		})
	}
	return eg.Wait()
}
