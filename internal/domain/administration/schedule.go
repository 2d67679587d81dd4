package administration

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/carecircle/medadmin/internal/domain/medication"
)

// Default match windows between a scheduled slot and an administration.
const (
	DefaultFlagWindow     = 4 * time.Hour
	DefaultExplicitWindow = 2 * time.Hour
)

// Date is a calendar day in the care recipient's local time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar day of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// At returns the instant of the given wall-clock time on d in loc.
func (d Date) At(hour, minute int, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, hour, minute, 0, 0, loc)
}

// ScheduledDose is one expected administration on a given day. It is
// derived on demand and never stored.
type ScheduledDose struct {
	MedicationID     uuid.UUID               `json:"medication_id"`
	MedicationName   string                  `json:"medication_name"`
	Date             Date                    `json:"date"`
	SlotTime         time.Time               `json:"slot_time"`
	Clock            string                  `json:"clock"`
	SlotLabel        string                  `json:"slot_label"`
	Form             medication.ScheduleForm `json:"form"`
	Administered     bool                    `json:"administered"`
	AdministrationID *uuid.UUID              `json:"administration_id,omitempty"`
}

// GeneratorConfig sets the match windows and the time zone doses are laid
// out in.
type GeneratorConfig struct {
	FlagWindow     time.Duration
	ExplicitWindow time.Duration
	// FallbackWindow applies to a form whose own window is unset.
	FallbackWindow time.Duration
	Location       *time.Location
}

// DefaultGeneratorConfig uses the default windows in UTC.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		FlagWindow:     DefaultFlagWindow,
		ExplicitWindow: DefaultExplicitWindow,
		Location:       time.UTC,
	}
}

// WindowFor returns the match window of a schedule form. An unset form
// window falls back to FallbackWindow, then to the form's default.
func (c GeneratorConfig) WindowFor(form medication.ScheduleForm) time.Duration {
	window, def := c.FlagWindow, DefaultFlagWindow
	if form == medication.ScheduleFormExplicit {
		window, def = c.ExplicitWindow, DefaultExplicitWindow
	}
	switch {
	case window > 0:
		return window
	case c.FallbackWindow > 0:
		return c.FallbackWindow
	}
	return def
}

// MaxWindow is the widest match window of any form.
func (c GeneratorConfig) MaxWindow() time.Duration {
	f, e := c.WindowFor(medication.ScheduleFormFlags), c.WindowFor(medication.ScheduleFormExplicit)
	if f > e {
		return f
	}
	return e
}

func (c GeneratorConfig) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// GenerateDoses lays out the doses of date using the default config.
func GenerateDoses(meds []*medication.Medication, date Date, records []*Record) []ScheduledDose {
	return DefaultGeneratorConfig().GenerateDoses(meds, date, records)
}

// GenerateDoses returns one dose per enabled flag slot or explicit time of
// every medication, sorted by slot time then medication name. A dose is
// administered when some record of that medication lies within the form's
// match window of the slot; the closest such record is linked. The result
// depends only on the arguments.
func (c GeneratorConfig) GenerateDoses(meds []*medication.Medication, date Date, records []*Record) []ScheduledDose {
	loc := c.location()
	byMed := make(map[uuid.UUID][]*Record)
	for _, r := range records {
		byMed[r.MedicationID] = append(byMed[r.MedicationID], r)
	}

	doses := []ScheduledDose{}
	for _, m := range meds {
		form := m.Schedule.ActiveForm()
		window := c.WindowFor(form)
		add := func(label string, hour, minute int) {
			slot := date.At(hour, minute, loc)
			d := ScheduledDose{
				MedicationID:   m.ID,
				MedicationName: m.Name,
				Date:           date,
				SlotTime:       slot,
				Clock:          fmt.Sprintf("%02d:%02d", hour, minute),
				SlotLabel:      label,
				Form:           form,
			}
			if r := closestRecord(byMed[m.ID], slot, window); r != nil {
				id := r.ID
				d.Administered = true
				d.AdministrationID = &id
			}
			doses = append(doses, d)
		}

		switch form {
		case medication.ScheduleFormExplicit:
			for _, t := range m.Schedule.Times {
				hour, minute, err := medication.ParseClock(t)
				if err != nil {
					continue
				}
				add(fmt.Sprintf("%02d:%02d", hour, minute), hour, minute)
			}
		default:
			for _, s := range medication.FlagSlots {
				if m.Schedule.Slots.Enabled(s.Slot) {
					add(string(s.Slot), s.Hour, s.Minute)
				}
			}
		}
	}

	sort.SliceStable(doses, func(i, j int) bool {
		a, b := doses[i], doses[j]
		if !a.SlotTime.Equal(b.SlotTime) {
			return a.SlotTime.Before(b.SlotTime)
		}
		if a.MedicationName != b.MedicationName {
			return a.MedicationName < b.MedicationName
		}
		return a.MedicationID.String() < b.MedicationID.String()
	})
	return doses
}

// closestRecord returns the record nearest to slot within window, or nil.
// Equidistant records resolve to the earlier one.
func closestRecord(records []*Record, slot time.Time, window time.Duration) *Record {
	var best *Record
	var bestDist time.Duration
	for _, r := range records {
		dist := r.AdministeredAt.Sub(slot)
		if dist < 0 {
			dist = -dist
		}
		if dist > window {
			continue
		}
		if best == nil || dist < bestDist ||
			(dist == bestDist && earlier(r, best)) {
			best, bestDist = r, dist
		}
	}
	return best
}

func earlier(a, b *Record) bool {
	if !a.AdministeredAt.Equal(b.AdministeredAt) {
		return a.AdministeredAt.Before(b.AdministeredAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
