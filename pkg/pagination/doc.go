// Package pagination walks cursor-paginated endpoints one page at a time.
//
// The remote API returns an opaque cursor with every page. The next page is
// requested with that cursor; the walk ends when the server returns no
// cursor or repeats the one it was just sent. Pages of one key are fetched
// strictly in sequence, at least MinPageDelay apart.
//
// Example usage:
//
//	config := pagination.DefaultConfig()
//	paginator := pagination.New(source, config, logger)
//	items, err := paginator.FetchAll(ctx, "570")
//
// Or, to handle pages as they arrive:
//
//	for page, err := range paginator.Pages(ctx, "570") {
//		if err != nil {
//			return err
//		}
//		handle(page.Items)
//	}
//
// A walk cannot resume from a middle cursor: a failed walk is retried from
// the start cursor, and the accumulated items of the failed walk are
// discarded.
package pagination
