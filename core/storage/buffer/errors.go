package buffer

import "errors"

var (
	// ErrPoolExhausted is returned by NewPage/FetchPage's internal frame
	// acquisition when every frame is pinned and the replacer has no
	// victim to offer.
	ErrPoolExhausted = errors.New("buffer pool: no free frame available")
	// ErrPageNotFound is returned by UnpinPage and FlushPage when the page
	// id is not currently resident.
	ErrPageNotFound = errors.New("buffer pool: page not found")
	// ErrPagePinned is returned by DeletePage when the page still has
	// outstanding pins.
	ErrPagePinned = errors.New("buffer pool: page is pinned")
	// ErrNotUnpinnable is returned by UnpinPage when the page's pin count
	// is already zero.
	ErrNotUnpinnable = errors.New("buffer pool: page is not pinned")
)
