package models

import "fmt"

// ConnectionMode is the backend currently selected for data operations.
// Priority is Primary > Secondary > Offline.
type ConnectionMode string

const (
	ModePrimary   ConnectionMode = "primary"
	ModeSecondary ConnectionMode = "secondary"
	ModeOffline   ConnectionMode = "offline"
)

func (m ConnectionMode) String() string {
	return string(m)
}

// Online reports whether some remote backend is selected.
func (m ConnectionMode) Online() bool {
	return m == ModePrimary || m == ModeSecondary
}

func ParseConnectionMode(s string) (ConnectionMode, error) {
	switch m := ConnectionMode(s); m {
	case ModePrimary, ModeSecondary, ModeOffline:
		return m, nil
	}
	return "", fmt.Errorf("invalid connection mode %q", s)
}

// ConnectionStatus is a point-in-time snapshot of the connection manager.
// It is derived on every read and never persisted.
type ConnectionStatus struct {
	Mode               ConnectionMode `json:"mode"`
	PrimaryAvailable   bool           `json:"primary_available"`
	SecondaryAvailable bool           `json:"secondary_available"`
	SecondaryAddress   *string        `json:"secondary_address"`
	Description        string         `json:"description"`
}
