/*
Package resilience provides the circuit breaker used to quarantine
misbehaving producers.

# Overview

The tracing service keeps one Breaker per connected producer. Every shared
memory notification is processed through Execute; a notification that
carries unauthorized writes, torn chunks or corrupt pages counts as a
failure. Once ReadyToTrip fires the producer's notifications are dropped
until Timeout elapses, after which MaxRequests trial notifications decide
whether it is released.

# Usage

	breaker := resilience.New("p3", resilience.Settings{
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Now: runner.Now,
	})

	err := breaker.Execute(func() error {
		return endpoint.processPages(pages)
	})

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
