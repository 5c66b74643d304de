package runner

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Regular US equity session, applied when market hours are respected.
const (
	marketOpenMinute  = 9*60 + 30 // 09:30
	marketCloseMinute = 16 * 60   // 16:00
)

var (
	marketTZOnce sync.Once
	marketTZ     *time.Location
)

func marketLocation() *time.Location {
	marketTZOnce.Do(func() {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			log.Error().Err(err).Msg("America/New_York tzdata unavailable, market hours fall back to UTC")
			loc = time.UTC
		}
		marketTZ = loc
	})
	return marketTZ
}

// marketOpen reports whether t falls inside the weekday 09:30-16:00
// America/New_York window.
func marketOpen(t time.Time) bool {
	local := t.In(marketLocation())
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= marketOpenMinute && minute < marketCloseMinute
}
