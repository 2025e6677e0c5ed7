package core

import (
	"context"
	"errors"
	"io"
)

// Source is a lazy, pull-based sequence. Next blocks until the next value is
// available, the sequence ends (io.EOF) or ctx is done. Implementations must
// honour ctx at every suspension point.
type Source[T any] interface {
	Next(ctx context.Context) (T, error)
}

// EventSource yields canonical events.
type EventSource = Source[Event]

// ItemSource yields framework-native items awaiting translation.
type ItemSource = Source[any]

// SourceFunc adapts a function to Source.
type SourceFunc[T any] func(ctx context.Context) (T, error)

// Next calls f.
func (f SourceFunc[T]) Next(ctx context.Context) (T, error) { return f(ctx) }

type sliceSource[T any] struct {
	items []T
	pos   int
}

// FromSlice returns a finite Source over items.
func FromSlice[T any](items ...T) Source[T] { return &sliceSource[T]{items: items} }

func (s *sliceSource[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if s.pos >= len(s.items) {
		return zero, io.EOF
	}
	v := s.items[s.pos]
	s.pos++
	return v, nil
}

// Drain reads src until io.EOF and returns everything it produced. Only for
// finite sources; the transport never drains.
func Drain[T any](ctx context.Context, src Source[T]) ([]T, error) {
	var out []T
	for {
		v, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}
