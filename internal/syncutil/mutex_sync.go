//go:build !deadlock

// Package syncutil holds the locks used by the card client and the wallet registry.
// Plain sync types are used by default; building with -tags=deadlock swaps in
// github.com/sasha-s/go-deadlock so lock-order bugs around the card channel surface in tests.
package syncutil

import "sync"

// Mutex guards exclusive access to a card connection.
type Mutex struct {
	sync.Mutex
}

// RWMutex guards shared read-mostly state such as the card registry.
type RWMutex struct {
	sync.RWMutex
}
