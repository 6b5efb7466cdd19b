package partition

import "context"

// Page is the result of one bounded query.
type Page[T any] struct {
	// Total is the number of items matching the whole range, independent of the cap.
	Total int

	// Items holds at most cap of the matching items.
	Items []T
}

// Fetcher performs one bounded query over a range.
//
// Implementations return a Page whose Total reflects the true match count
// and whose Items has length min(Total, cap). An empty range is a
// successful Page with Total == 0. Transport, server and decoding problems
// are returned as errors; retrying belongs to the implementation.
type Fetcher[T any] interface {
	FetchRange(ctx context.Context, r Range) (Page[T], error)
}

// FetcherFunc adapts a plain function to the Fetcher interface.
type FetcherFunc[T any] func(ctx context.Context, r Range) (Page[T], error)

// FetchRange calls f(ctx, r).
func (f FetcherFunc[T]) FetchRange(ctx context.Context, r Range) (Page[T], error) {
	return f(ctx, r)
}
