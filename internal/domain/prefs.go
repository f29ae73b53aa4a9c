package domain

// NotificationPrefs is a recipient's opt-out surface. Unknown users get
// DefaultPrefs (everything on): preferences only ever narrow delivery.
type NotificationPrefs struct {
	UserID int64

	// Enabled is the global toggle; false silences every kind.
	Enabled bool

	AutoPaymentReminders   bool
	ManualPaymentReminders bool
	GameReminder24h        bool
	GameReminder2h         bool
	OrganizerUpdates       bool
}

func DefaultPrefs(userID int64) NotificationPrefs {
	return NotificationPrefs{
		UserID:                 userID,
		Enabled:                true,
		AutoPaymentReminders:   true,
		ManualPaymentReminders: true,
		GameReminder24h:        true,
		GameReminder2h:         true,
		OrganizerUpdates:       true,
	}
}
