package tape

import "golang.org/x/sync/errgroup"

// ParallelForward evaluates f at every row of xs concurrently, each on
// its own Function.Clone() so no mutable sweep state is shared across
// goroutines (spec.md §5's concurrency model: a Tape and the Function
// built from it are read-only once closed, so cloning the small
// per-order arenas is all that's needed for fan-out). Results are
// returned in the same order as xs.
func ParallelForward(f *Function, xs [][]float64) ([][]float64, error) {
	out := make([][]float64, len(xs))
	g := new(errgroup.Group)
	for i, x := range xs {
		i, x := i, x
		g.Go(func() error {
			c := f.Clone()
			y, err := c.Forward(0, x)
			if err != nil {
				return err
			}
			out[i] = y
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
