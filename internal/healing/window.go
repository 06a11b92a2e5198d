package healing

import (
	"fmt"
	"strings"
	"time"
)

// Window is a recurring maintenance window in appliance-local time,
// written as "HH:MM-HH:MM" with an optional day list, e.g.
// "22:00-04:00,Sat,Sun". A window whose end is at or before its start
// wraps past midnight and belongs to the day it starts.
type Window struct {
	startMin int
	endMin   int
	days     map[time.Weekday]bool
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

func ParseWindow(s string) (Window, error) {
	parts := strings.Split(s, ",")
	span := strings.TrimSpace(parts[0])

	var sh, sm, eh, em int
	if _, err := fmt.Sscanf(span, "%d:%d-%d:%d", &sh, &sm, &eh, &em); err != nil {
		return Window{}, fmt.Errorf("maintenance window %q: want HH:MM-HH:MM", s)
	}
	if sh < 0 || sh > 23 || eh < 0 || eh > 23 || sm < 0 || sm > 59 || em < 0 || em > 59 {
		return Window{}, fmt.Errorf("maintenance window %q: time out of range", s)
	}

	w := Window{startMin: sh*60 + sm, endMin: eh*60 + em}
	for _, d := range parts[1:] {
		name := strings.ToLower(strings.TrimSpace(d))
		wd, ok := dayNames[name]
		if !ok {
			return Window{}, fmt.Errorf("maintenance window %q: bad day %q", s, d)
		}
		if w.days == nil {
			w.days = make(map[time.Weekday]bool)
		}
		w.days[wd] = true
	}
	return w, nil
}

func (w Window) dayAllowed(d time.Weekday) bool {
	return len(w.days) == 0 || w.days[d]
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if w.startMin < w.endMin {
		return w.dayAllowed(t.Weekday()) && m >= w.startMin && m < w.endMin
	}
	// Wraps midnight: the stretch after start belongs to today, the
	// stretch before end belongs to the day the window started.
	if m >= w.startMin {
		return w.dayAllowed(t.Weekday())
	}
	if m < w.endMin {
		return w.dayAllowed(t.AddDate(0, 0, -1).Weekday())
	}
	return false
}

// Windows is the set of configured maintenance windows. With none
// configured, nothing disruptive runs autonomously.
type Windows []Window

func ParseWindows(specs []string) (Windows, error) {
	var ws Windows
	for _, s := range specs {
		w, err := ParseWindow(s)
		if err != nil {
			return nil, err
		}
		ws = append(ws, w)
	}
	return ws, nil
}

func (ws Windows) Allow(t time.Time) bool {
	for _, w := range ws {
		if w.Contains(t) {
			return true
		}
	}
	return false
}
