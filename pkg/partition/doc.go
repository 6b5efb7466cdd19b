// Package partition enumerates every item of a range-filtered listing API
// whose responses are truncated above a fixed per-query cap.
//
// The API only offers a range predicate (for example minPrice/maxPrice)
// and reports the true number of matches alongside a page that holds at
// most cap items. The Partitioner fetches the full domain, accepts pages
// whose total fits within the cap and bisects every range that overflows
// until each leaf fits:
//
//	[0, 7] total=5 > cap=2
//	├── [0, 3] total=3 > cap=2
//	│   ├── [0, 1] total=2  leaf
//	│   └── [2, 3] total=1  leaf
//	└── [4, 7] total=2      leaf
//
// Example usage:
//
//	p, err := partition.New[client.Product](apiClient, partition.Config{
//		Cap:            1000,
//		MaxConcurrency: 4,
//	})
//	if err != nil {
//		return err
//	}
//	res, err := p.FetchAll(ctx, 0, 100000)
//	if err != nil {
//		return err // invalid domain or cancelled run
//	}
//	log.Info().Msg(res.Report.Summary().String())
//
// The leaves visited by a run always partition the requested domain.
// Failed fetches and single-point overflows are leaves too: they are
// recorded in the Report instead of aborting the run, so callers can retry
// exactly the ranges listed there.
package partition
