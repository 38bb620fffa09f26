package turso

import (
	"database/sql"

	"github.com/emiliopalmerini/mbandit/internal/ports"
)

// Repositories holds all turso repository implementations as port interfaces.
type Repositories struct {
	Experiments   ports.ExperimentRepository
	Draws         ports.DrawRepository
	Sticky        ports.StickyRepository
	Notifications ports.NotificationRepository
}

// NewRepositories creates all turso repository implementations from a database connection.
func NewRepositories(db *sql.DB) *Repositories {
	return &Repositories{
		Experiments:   NewExperimentRepository(db),
		Draws:         NewDrawRepository(db),
		Sticky:        NewStickyRepository(db),
		Notifications: NewNotificationRepository(db),
	}
}
