package realtime

import (
	"fmt"
	"strings"

	"github.com/clinicsync/clinicsync/pkg/constants"
	"github.com/clinicsync/clinicsync/pkg/models"
)

// ChannelSet is the fixed list of change feed channels the bridge listens
// on. Version is bumped whenever the list changes so peers emitting
// notifications can be checked against it.
type ChannelSet struct {
	Version  int      `json:"version"`
	Channels []string `json:"channels"`
}

// NewChannelSet derives one channel per table.
func NewChannelSet(version int, tables []models.TableSpec) ChannelSet {
	cs := ChannelSet{Version: version}
	for _, t := range tables {
		cs.Channels = append(cs.Channels, t.Channel())
	}
	return cs
}

func (cs ChannelSet) Validate() error {
	if len(cs.Channels) == 0 {
		return fmt.Errorf("channel set v%d is empty", cs.Version)
	}
	for _, c := range cs.Channels {
		if !models.ValidIdentifier(c) {
			return fmt.Errorf("%w: channel %q", constants.ErrInvalidName, c)
		}
	}
	return nil
}

// TableOf strips the channel suffix.
func TableOf(channel string) string {
	return strings.TrimSuffix(channel, constants.ChannelSuffix)
}
