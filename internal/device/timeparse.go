package device

import (
	"strings"
	"time"
)

// The API is called with "Timezone: Europe/Stockholm" and answers with wall
// clock times in that zone unless an offset is present.
var vendorLocation = loadVendorLocation()

func loadVendorLocation() *time.Location {
	loc, err := time.LoadLocation("Europe/Stockholm")
	if err != nil {
		return time.UTC
	}
	return loc
}

var localLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

func parseTimestamp(value string, loc *time.Location) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), true
	}
	for _, layout := range localLayouts {
		if ts, err := time.ParseInLocation(layout, value, loc); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// LastSeenAt parses LastSeen; false when it is missing or unreadable.
func (d *Device) LastSeenAt() (time.Time, bool) {
	return parseTimestamp(d.LastSeen(), vendorLocation)
}

// LastSeenAt parses LastSeen; false when it is missing or unreadable.
func (s *BluetoothSensor) LastSeenAt() (time.Time, bool) {
	return parseTimestamp(s.LastSeen(), vendorLocation)
}
