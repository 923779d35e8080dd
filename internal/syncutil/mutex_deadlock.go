//go:build deadlock

// Package syncutil holds the locks used by the card client and the wallet registry.
// This variant reports lock-order inversions and long waits through go-deadlock.
package syncutil

import deadlock "github.com/sasha-s/go-deadlock"

// Mutex guards exclusive access to a card connection.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex guards shared read-mostly state such as the card registry.
type RWMutex struct {
	deadlock.RWMutex
}
