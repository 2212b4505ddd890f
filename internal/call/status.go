package call

import "github.com/carewire/telecall/internal/identity"

// Status is the merged call view handed to subscribers: the local state
// machine plus the remote-facing fields of the shared call record. It is
// comparable so the coordinator can suppress no-op notifications.
type Status struct {
	CallID string        `json:"callId"`
	Role   identity.Role `json:"role"`
	State  State         `json:"state"`

	// Active mirrors the shared record's active flag, false when the
	// record is absent.
	Active bool `json:"active"`

	RemotePresent   bool `json:"remotePresent"`
	RemoteMuted     bool `json:"remoteMuted"`
	RemoteCameraOff bool `json:"remoteCameraOff"`

	LocalMuted     bool `json:"localMuted"`
	LocalCameraOff bool `json:"localCameraOff"`

	// Err carries the last attempt failure, cleared on the next attempt.
	Err string `json:"err,omitempty"`
}
