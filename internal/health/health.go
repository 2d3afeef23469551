// Package health tracks store liveness. The monitor pings the database on an
// interval and flips a cached flag after consecutive failures, so the health
// endpoint answers from memory instead of touching the store per request.
package health

import "sync/atomic"

// Checker is the cached liveness flag shared between the monitor and the
// health endpoint.
type Checker struct {
	healthy atomic.Bool
}

func NewChecker() *Checker {
	c := &Checker{}
	c.healthy.Store(true)
	return c
}

func (c *Checker) IsHealthy() bool {
	return c.healthy.Load()
}

func (c *Checker) SetHealthy(v bool) {
	c.healthy.Store(v)
}
