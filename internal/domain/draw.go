package domain

import (
	"time"

	"github.com/emiliopalmerini/mbandit/internal/vector"
)

type DrawStatus string

const (
	DrawPending   DrawStatus = "pending"
	DrawCompleted DrawStatus = "completed"
	DrawFailed    DrawStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s DrawStatus) Terminal() bool {
	return s == DrawCompleted || s == DrawFailed
}

// ObservationType records who settled a draw.
type ObservationType string

const (
	ObservationUser ObservationType = "user"
	ObservationAuto ObservationType = "auto"
)

type Draw struct {
	ID              string
	ExperimentID    string
	ArmID           string
	ClientID        *string
	Context         vector.Vector
	CreatedAt       time.Time
	ObservedAt      *time.Time
	Status          DrawStatus
	Outcome         *float64
	ObservationType *ObservationType
}

// Observation is an outcome tied to a completed draw.
type Observation struct {
	DrawID     string
	ArmID      string
	ClientID   *string
	Context    vector.Vector
	Outcome    float64
	ObservedAt time.Time
}

type NotificationType string

const (
	NotifyTrialsCompleted NotificationType = "trials_completed"
	NotifyDaysElapsed     NotificationType = "days_elapsed"
)

type NotificationRule struct {
	ID           string
	ExperimentID string
	Type         NotificationType
	Threshold    int64
	IsActive     bool
}
