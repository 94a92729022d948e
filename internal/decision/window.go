package decision

import (
	"fmt"
	"time"

	"github.com/abelzeko/garden-controller/internal/config"
	"github.com/nathan-osman/go-sunrise"
)

// TimeOfDay is the offset from local midnight
type TimeOfDay time.Duration

// At builds a time of day from hours and minutes
func At(hour, minute int) TimeOfDay {
	return TimeOfDay(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

// TimeOfDayOf extracts the time of day of t in its own location
func TimeOfDayOf(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay(time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(t.Nanosecond()))
}

func (t TimeOfDay) String() string {
	d := time.Duration(t)
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

// Default watering window used when the solar times are unknown
var (
	DefaultSunset  = At(23, 0)
	DefaultSunrise = At(7, 0)
)

// TimeInRange reports whether x falls in [start, end], wrapping over midnight
// when start is after end
func TimeInRange(start, end, x TimeOfDay) bool {
	if start <= end {
		return start <= x && x <= end
	}
	return start <= x || x <= end
}

// Locator resolves a location label into coordinates
type Locator interface {
	Coordinates(location string) (config.GeoCoordinates, bool)
}

// SolarWindow resolves the night window of a location label
type SolarWindow struct {
	locator Locator
}

// NewSolarWindow creates a window resolver over the configured locations
func NewSolarWindow(locator Locator) *SolarWindow {
	return &SolarWindow{locator: locator}
}

// Window returns the watering window [sunset, sunrise] of the location on the
// day of now, expressed in the location of now. A missing or unknown location,
// or a day without sunrise or sunset, gives the default window.
func (w *SolarWindow) Window(location string, now time.Time) (TimeOfDay, TimeOfDay) {
	if location == "" {
		logger.Infof("missing plant location - using default time")
		return DefaultSunset, DefaultSunrise
	}
	coords, ok := w.locator.Coordinates(location)
	if !ok {
		logger.Warningf("cannot retrieve info on location %q - default value provided", location)
		return DefaultSunset, DefaultSunrise
	}

	rise, set := sunrise.SunriseSunset(coords.Latitude, coords.Longitude, now.Year(), now.Month(), now.Day())
	if rise.IsZero() || set.IsZero() {
		logger.Warningf("no sunrise or sunset at %q on %s - default value provided", location, now.Format(time.DateOnly))
		return DefaultSunset, DefaultSunrise
	}
	return TimeOfDayOf(set.In(now.Location())), TimeOfDayOf(rise.In(now.Location()))
}

// IsWateringTime reports whether now is inside the night window of the location
func (w *SolarWindow) IsWateringTime(location string, now time.Time) bool {
	start, end := w.Window(location, now)
	return TimeInRange(start, end, TimeOfDayOf(now))
}
