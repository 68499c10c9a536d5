// Package format renders byte sizes and timestamps the way listing pages show them.
package format

import (
	"fmt"
	"math"
	"strconv"
	"time"
	_ "time/tzdata"
)

// DefaultTimezone is the zone listing timestamps are shown in.
const DefaultTimezone = "Asia/Shanghai"

// DateTimeLayout renders as YYYY/MM/DD HH:mm:ss on a 24 hour clock.
const DateTimeLayout = "2006/01/02 15:04:05"

var defaultLocation = mustLoadLocation(DefaultTimezone)

type unit struct {
	threshold float64
	name      string
}

// ascending, so the last unit whose threshold fits wins
var units = []unit{
	{1, "B"},
	{1 << 10, "KiB"},
	{1 << 20, "MiB"},
	{1 << 30, "GiB"},
	{1 << 40, "TiB"},
}

// Size is a formatted byte count split into number and unit.
type Size struct {
	Value string `json:"value"`
	Unit  string `json:"unit"`
}

func (s Size) String() string {
	return s.Value + " " + s.Unit
}

// Bytes picks the largest binary unit not exceeding n. Plain bytes are shown as
// integers, every other unit with one decimal rounded half up.
func Bytes(n int64) Size {
	b := float64(n)
	u := units[0]
	for _, candidate := range units {
		if b >= candidate.threshold {
			u = candidate
		}
	}
	if u.threshold == 1 {
		return Size{Value: strconv.FormatInt(n, 10), Unit: u.name}
	}
	v := math.Floor(b/u.threshold*10+0.5) / 10
	return Size{Value: strconv.FormatFloat(v, 'f', 1, 64), Unit: u.name}
}

// DateTime formats t in loc, or in Asia/Shanghai when loc is nil.
func DateTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = defaultLocation
	}
	return t.In(loc).Format(DateTimeLayout)
}

// LoadLocation resolves an IANA zone name; an empty name means the default zone.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return defaultLocation, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("embedded tzdata missing %s: %v", name, err))
	}
	return loc
}
