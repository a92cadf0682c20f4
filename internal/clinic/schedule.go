package clinic

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"
)

// Window is a half-open opening interval [Start, End).
type Window struct {
	Start Clock `json:"start"`
	End   Clock `json:"end"`
}

// DayHours describes one weekday of the operating-hours table.
type DayHours struct {
	Open         bool     `json:"open"`
	Windows      []Window `json:"windows"`
	SlotDuration int      `json:"slot_duration"` // minutes
}

type Holiday struct {
	Date      Date   `json:"date"`
	Name      string `json:"name"`
	Recurring bool   `json:"recurring"` // same month and day every year
}

// Schedule is the clinic's operating-hours configuration. Slot starts are
// generated from each open window in steps of the day's slot duration; a slot
// must end inside its window.
type Schedule struct {
	Location *time.Location
	Days     map[time.Weekday]DayHours
	Holidays []Holiday
}

const defaultSlotMinutes = 30

// DefaultSchedule mirrors the clinic's published hours: weekdays 08:00-12:00
// and 14:00-18:00, Saturday mornings, closed Sunday.
func DefaultSchedule(loc *time.Location) *Schedule {
	morning := Window{Start: Clock{Hour: 8}, End: Clock{Hour: 12}}
	afternoon := Window{Start: Clock{Hour: 14}, End: Clock{Hour: 18}}

	days := make(map[time.Weekday]DayHours, 7)
	for wd := time.Monday; wd <= time.Friday; wd++ {
		days[wd] = DayHours{Open: true, Windows: []Window{morning, afternoon}, SlotDuration: defaultSlotMinutes}
	}
	days[time.Saturday] = DayHours{Open: true, Windows: []Window{morning}, SlotDuration: defaultSlotMinutes}
	days[time.Sunday] = DayHours{Open: false}

	return &Schedule{Location: loc, Days: days}
}

// EveryDay returns a schedule open every day of the week with one window.
func EveryDay(loc *time.Location, w Window, slotMinutes int) *Schedule {
	days := make(map[time.Weekday]DayHours, 7)
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		days[wd] = DayHours{Open: true, Windows: []Window{w}, SlotDuration: slotMinutes}
	}
	return &Schedule{Location: loc, Days: days}
}

type scheduleFile struct {
	Days     map[string]DayHours `json:"days"`
	Holidays []Holiday           `json:"holidays"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// LoadSchedule reads a JSON schedule file. Days missing from the file are closed.
func LoadSchedule(path string, loc *time.Location) (*Schedule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule file: %w", err)
	}
	return ParseSchedule(raw, loc)
}

func ParseSchedule(raw []byte, loc *time.Location) (*Schedule, error) {
	var f scheduleFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}

	s := &Schedule{Location: loc, Days: make(map[time.Weekday]DayHours, 7), Holidays: f.Holidays}
	for name, hours := range f.Days {
		wd, ok := weekdayNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", name)
		}
		s.Days[wd] = hours
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Schedule) Validate() error {
	if s.Location == nil {
		return errors.New("schedule location is required")
	}
	for wd, hours := range s.Days {
		if !hours.Open {
			continue
		}
		if hours.SlotDuration <= 0 {
			return fmt.Errorf("%s: slot duration must be positive", wd)
		}
		for _, w := range hours.Windows {
			if !w.Start.Before(w.End) {
				return fmt.Errorf("%s: window %s-%s is empty", wd, w.Start, w.End)
			}
		}
	}
	return nil
}

func (s *Schedule) IsHoliday(d Date) bool {
	for _, h := range s.Holidays {
		if h.Date == d {
			return true
		}
		if h.Recurring && h.Date.Month == d.Month && h.Date.Day == d.Day {
			return true
		}
	}
	return false
}

// SlotStarts returns the ordered slot start times for d, or nil when the
// clinic is closed that day.
func (s *Schedule) SlotStarts(d Date) []Clock {
	if s.IsHoliday(d) {
		return nil
	}
	hours, ok := s.Days[d.Weekday()]
	if !ok || !hours.Open || hours.SlotDuration <= 0 {
		return nil
	}

	var out []Clock
	for _, w := range hours.Windows {
		for m := w.Start.Minutes(); m+hours.SlotDuration <= w.End.Minutes(); m += hours.SlotDuration {
			out = append(out, ClockFromMinutes(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// IsSlotStart reports whether c is a bookable slot start on d.
func (s *Schedule) IsSlotStart(d Date, c Clock) bool {
	for _, start := range s.SlotStarts(d) {
		if start == c {
			return true
		}
	}
	return false
}
