package interpreter

import "context"

// Handle abstracts where a pattern executes: a pooled browser session or
// a remote agent's in-page executor. The interpreter never touches a
// browser API directly; it only speaks this interface.
type Handle interface {
	// Navigate loads a URL and waits for the page to settle.
	Navigate(ctx context.Context, url string) error
	// Resolve reports whether a selector currently matches an element.
	// Selectors are opaque strings; the handle owns their semantics.
	Resolve(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	SelectOption(ctx context.Context, selector, value string) error
	UploadPhotos(ctx context.Context, selector string, refs []string) error

	// Scroll nudges the page, for the scroll-and-retry recovery hint.
	Scroll(ctx context.Context) error
	// ReopenDropdown re-opens a collapsed option list before a retry.
	ReopenDropdown(ctx context.Context, selector string) error
}
