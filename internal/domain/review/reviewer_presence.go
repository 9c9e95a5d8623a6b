package review

// Presence represents a reviewer's availability for assignment.
type Presence string

const (
	// PresenceAvailable means the reviewer can receive a task.
	PresenceAvailable Presence = "AVAILABLE"

	// PresenceBusy means the reviewer holds exactly one live task.
	PresenceBusy Presence = "BUSY"

	// PresenceOffline means the reviewer is disconnected or suspended.
	PresenceOffline Presence = "OFFLINE"

	// PresenceUnspecified is used when a presence value is unknown.
	PresenceUnspecified Presence = "UNSPECIFIED"
)

// String returns the string representation of the Presence.
func (p Presence) String() string { return string(p) }

// ParsePresence converts a string to a Presence.
func ParsePresence(s string) Presence {
	switch s {
	case "AVAILABLE", "available":
		return PresenceAvailable
	case "BUSY", "busy":
		return PresenceBusy
	case "OFFLINE", "offline":
		return PresenceOffline
	default:
		return PresenceUnspecified
	}
}

// ReviewerRole identifies the access level of a reviewer account. The engine
// treats all roles identically for dispatch; roles gate admin-only operations
// such as reinstatement.
type ReviewerRole string

const (
	RoleAdmin    ReviewerRole = "ADMIN"
	RoleManager  ReviewerRole = "MANAGER"
	RoleEmployee ReviewerRole = "EMPLOYEE"
)

// String returns the string representation of the ReviewerRole.
func (r ReviewerRole) String() string { return string(r) }

// ParseReviewerRole converts a string to a ReviewerRole, defaulting to
// employee for unknown values.
func ParseReviewerRole(s string) ReviewerRole {
	switch s {
	case "ADMIN", "admin":
		return RoleAdmin
	case "MANAGER", "manager":
		return RoleManager
	default:
		return RoleEmployee
	}
}
