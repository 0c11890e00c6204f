package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map is a parallel mapping function, which can run the mapFuncs in a parallel and wait for
// completions. The input and output are represented as iterators, so the typical usage is.
// Map is context aware, so canceled context ends the processing.
//
//	for result, err := range pmap.iter(input) {}
type Map[E, D any] struct {
	parentCtx    context.Context
	cancelParent context.CancelFunc
	g            *errgroup.Group
	gctx         context.Context
	mapped       chan result[D]
	mapFunc      func(context.Context, E) (D, error)
}

func NewMap[E, D any](parentCtx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	parentCtx, cancelParent := context.WithCancel(parentCtx)
	g, gctx := errgroup.WithContext(parentCtx)
	g.SetLimit(limit + 1)

	detects := make(chan result[D], limit)

	return &Map[E, D]{
		parentCtx:    parentCtx,
		cancelParent: cancelParent,
		g:            g,
		gctx:         gctx,
		mapped:       detects,
		mapFunc:      mapFunc,
	}
}

func (s *Map[E, D]) goWorkers(seq iter.Seq2[E, error]) {
	s.g.Go(func() error {
		for entry, nerr := range seq {
			if nerr != nil {
				continue
			}
			s.g.Go(func() error {
				d, mapErr := s.mapFunc(s.gctx, entry)
				select {
				case <-s.gctx.Done():
					return s.gctx.Err()
				case s.mapped <- result[D]{d: d, e: mapErr}:
				}
				return nil
			})
		}
		return nil
	})
}

func (s *Map[E, D]) Iter(seq iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		defer s.cancelParent()
		s.goWorkers(seq)

		go func() {
			_ = s.g.Wait()
			close(s.mapped)
		}()

		for r := range s.mapped {
			if s.parentCtx.Err() != nil {
				return
			}
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}

type indexed[E any] struct {
	i int
	e E
}

// Ordered applies mapFunc to every element of in with at most limit parallel
// calls and returns the results in the input order. The first error cancels
// the remaining work and is returned.
func Ordered[E, D any](ctx context.Context, limit int, in []E, mapFunc func(context.Context, E) (D, error)) ([]D, error) {
	seq := func(yield func(indexed[E], error) bool) {
		for i, e := range in {
			if !yield(indexed[E]{i: i, e: e}, nil) {
				return
			}
		}
	}
	f := func(ctx context.Context, x indexed[E]) (indexed[D], error) {
		d, err := mapFunc(ctx, x.e)
		return indexed[D]{i: x.i, e: d}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	out := make([]D, len(in))
	done := 0
	for r, err := range NewMap(ctx, limit, f).Iter(seq) {
		if err != nil {
			return nil, err
		}
		out[r.i] = r.e
		done++
	}
	if done != len(in) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, context.Canceled
	}
	return out, nil
}
