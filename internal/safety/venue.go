package safety

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

const (
	venueFailureThreshold = 3
	venueHaltDuration     = 5 * time.Minute
)

var errVenueFailure = errors.New("execution venue failure")

// VenueMonitor tracks consecutive failures from the execution venue
// (Jupiter). Reaching the threshold trips the breaker and triggers a
// time-boxed emergency halt with a venue-specific reason; a success resets
// the count to zero.
type VenueMonitor struct {
	name      string
	breaker   *gobreaker.CircuitBreaker
	emergency *Emergency
	failures  atomic.Int64
}

// NewVenueMonitor wires a breaker for the named venue into the emergency switch.
func NewVenueMonitor(name string, emergency *Emergency) *VenueMonitor {
	vm := &VenueMonitor{name: name, emergency: emergency}
	vm.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: venueHaltDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= venueFailureThreshold
		},
		OnStateChange: vm.onStateChange,
	})
	return vm
}

func (vm *VenueMonitor) onStateChange(name string, from, to gobreaker.State) {
	log.Warn().Str("venue", name).
		Str("from", from.String()).Str("to", to.String()).
		Msg("Venue breaker state change")
	if to == gobreaker.StateOpen {
		vm.emergency.Halt("system",
			"execution venue "+name+" failed repeatedly", venueHaltDuration)
	}
}

// RecordFailure feeds one venue failure into the breaker.
func (vm *VenueMonitor) RecordFailure() {
	vm.failures.Add(1)
	// Execute is the breaker's only mutation path; the closure reports the
	// observed outcome rather than performing the call itself.
	_, _ = vm.breaker.Execute(func() (interface{}, error) {
		return nil, errVenueFailure
	})
	log.Warn().Str("venue", vm.name).
		Uint32("consecutive_failures", vm.breaker.Counts().ConsecutiveFailures).
		Msg("Execution venue failure recorded")
}

// RecordSuccess resets the consecutive failure count. Dropped while the
// breaker is open, which is fine: trading is halted anyway.
func (vm *VenueMonitor) RecordSuccess() {
	_, _ = vm.breaker.Execute(func() (interface{}, error) {
		return nil, nil
	})
}

// TotalFailures returns the cumulative failure count. Unlike the breaker's
// counts it is never reset by a state transition.
func (vm *VenueMonitor) TotalFailures() int64 {
	return vm.failures.Load()
}

// ConsecutiveFailures returns the current consecutive failure count.
func (vm *VenueMonitor) ConsecutiveFailures() uint32 {
	return vm.breaker.Counts().ConsecutiveFailures
}

// State returns the breaker state string (closed, half-open, open).
func (vm *VenueMonitor) State() string {
	return vm.breaker.State().String()
}
