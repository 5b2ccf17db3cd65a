// Package store holds the in-memory repositories for per-game entities:
// brokers, tariffs and cleared orderbooks.
//
// Each repository is safe for concurrent use. The settlement goroutine is
// the only writer during a game; transport goroutines only read.
package store

import "errors"

// ErrDuplicate is returned when adding an entity whose id is taken.
var ErrDuplicate = errors.New("store: duplicate id")
