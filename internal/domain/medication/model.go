package medication

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ScheduleForm identifies which of the two schedule representations a
// medication uses.
type ScheduleForm string

const (
	ScheduleFormFlags    ScheduleForm = "flags"
	ScheduleFormExplicit ScheduleForm = "explicit"
)

// Slot is a named daily time-slot of the flag schedule form.
type Slot string

const (
	SlotMorning   Slot = "morning"
	SlotAfternoon Slot = "afternoon"
	SlotEvening   Slot = "evening"
	SlotNight     Slot = "night"
)

// SlotClock is the fixed wall-clock time of each flag slot.
type SlotClock struct {
	Slot   Slot
	Hour   int
	Minute int
}

// FlagSlots lists the flag slots in chronological order.
var FlagSlots = []SlotClock{
	{Slot: SlotMorning, Hour: 8},
	{Slot: SlotAfternoon, Hour: 13},
	{Slot: SlotEvening, Hour: 18},
	{Slot: SlotNight, Hour: 22},
}

// SlotFlags marks which flag slots are enabled.
type SlotFlags struct {
	Morning   bool `json:"morning" yaml:"morning"`
	Afternoon bool `json:"afternoon" yaml:"afternoon"`
	Evening   bool `json:"evening" yaml:"evening"`
	Night     bool `json:"night" yaml:"night"`
}

// Enabled reports whether the given slot is switched on.
func (f SlotFlags) Enabled(s Slot) bool {
	switch s {
	case SlotMorning:
		return f.Morning
	case SlotAfternoon:
		return f.Afternoon
	case SlotEvening:
		return f.Evening
	case SlotNight:
		return f.Night
	}
	return false
}

// Any reports whether at least one slot is switched on.
func (f SlotFlags) Any() bool {
	return f.Morning || f.Afternoon || f.Evening || f.Night
}

// ScheduleSpec is a medication's recurring daily schedule. Exactly one form
// is active: a set of flag slots, or a legacy list of explicit times.
type ScheduleSpec struct {
	Form  ScheduleForm `json:"form,omitempty" yaml:"form,omitempty"`
	Slots SlotFlags    `json:"slots" yaml:"slots"`
	Times []string     `json:"times,omitempty" yaml:"times,omitempty"`
}

// ActiveForm returns the schedule form in effect. An empty Form is inferred
// from the presence of explicit times.
func (s ScheduleSpec) ActiveForm() ScheduleForm {
	if s.Form != "" {
		return s.Form
	}
	if len(s.Times) > 0 {
		return ScheduleFormExplicit
	}
	return ScheduleFormFlags
}

// Validate enforces the one-active-form invariant and checks explicit times.
func (s ScheduleSpec) Validate() error {
	switch s.ActiveForm() {
	case ScheduleFormFlags:
		if len(s.Times) > 0 {
			return fmt.Errorf("flag schedule must not list explicit times")
		}
	case ScheduleFormExplicit:
		if s.Slots.Any() {
			return fmt.Errorf("explicit schedule must not enable flag slots")
		}
		for _, t := range s.Times {
			if _, _, err := ParseClock(t); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("invalid schedule form: %s", s.Form)
	}
	return nil
}

// ParseClock parses a wall-clock "HH:MM" (or "HH:MM:SS") string into hour
// and minute. Seconds are accepted and dropped.
func ParseClock(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, perr := time.Parse(layout, s); perr == nil {
			return t.Hour(), t.Minute(), nil
		}
	}
	return 0, 0, fmt.Errorf("invalid clock time %q", s)
}

// Medication is a catalog entry for one medication of a care plan.
type Medication struct {
	ID           uuid.UUID    `db:"id" json:"id" yaml:"id"`
	CarePlanID   string       `db:"care_plan_id" json:"care_plan_id" yaml:"care_plan_id"`
	Name         string       `db:"name" json:"name" yaml:"name"`
	Dosage       string       `db:"dosage" json:"dosage" yaml:"dosage"`
	Instructions *string      `db:"instructions" json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Schedule     ScheduleSpec `json:"schedule" yaml:"schedule"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at" yaml:"-"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updated_at" yaml:"-"`
}

// Clone returns a deep copy of m.
func (m *Medication) Clone() *Medication {
	cp := *m
	if m.Instructions != nil {
		v := *m.Instructions
		cp.Instructions = &v
	}
	if m.Schedule.Times != nil {
		cp.Schedule.Times = append([]string(nil), m.Schedule.Times...)
	}
	return &cp
}

func cloneAll(list []*Medication) []*Medication {
	out := make([]*Medication, len(list))
	for i, m := range list {
		out[i] = m.Clone()
	}
	return out
}

// Validate checks the fields a catalog entry needs to be schedulable.
func (m *Medication) Validate() error {
	if m.ID == uuid.Nil {
		return fmt.Errorf("id is required")
	}
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if err := m.Schedule.Validate(); err != nil {
		return fmt.Errorf("medication %s: %w", m.Name, err)
	}
	return nil
}
