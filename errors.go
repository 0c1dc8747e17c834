package elasticsearch

import "errors"

var (
	// ErrClosed is returned by operations issued after Close.
	ErrClosed = errors.New("index closed")

	// ErrMergeBusy signals that another merge claimed one of the
	// requested segments first. The caller may retry with a fresh plan.
	ErrMergeBusy = errors.New("segment already merging")
)
