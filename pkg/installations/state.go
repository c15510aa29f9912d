// Package installations owns the lifecycle of GitHub App installation grants.
package installations

import "hookgate/pkg/storage"

// Action is a lifecycle request carried by an installation webhook.
type Action int

const (
	Suspend Action = iota + 1
	Unsuspend
	Delete
)

func (a Action) String() string {
	switch a {
	case Suspend:
		return "suspend"
	case Unsuspend:
		return "unsuspend"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseAction maps a webhook action string to an Action. Actions that do
// not change the lifecycle, such as "created" or "new_permissions_accepted",
// report false.
func ParseAction(action string) (Action, bool) {
	switch action {
	case "suspend":
		return Suspend, true
	case "unsuspend":
		return Unsuspend, true
	case "deleted":
		return Delete, true
	default:
		return 0, false
	}
}

// Next returns the status reached by applying action to current and whether
// it differs from current. Deleted is terminal.
func Next(current storage.InstallationStatus, action Action) (storage.InstallationStatus, bool) {
	switch current {
	case storage.StatusActive:
		switch action {
		case Suspend:
			return storage.StatusSuspended, true
		case Delete:
			return storage.StatusDeleted, true
		}
	case storage.StatusSuspended:
		switch action {
		case Unsuspend:
			return storage.StatusActive, true
		case Delete:
			return storage.StatusDeleted, true
		}
	case storage.StatusDeleted:
	}
	return current, false
}
