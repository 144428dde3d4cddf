package conference

import (
	"github.com/weir-sfu/weir/pkg/engine"
	"github.com/weir-sfu/weir/pkg/protocol"
)

// ParticipantLimits caps how many producers one participant may hold at a
// time. A zero cap means the kind is unlimited.
type ParticipantLimits struct {
	MaxAudioProducers int `yaml:"maxAudioProducers"`
	MaxVideoProducers int `yaml:"maxVideoProducers"`
}

// Max returns the cap for one media kind.
func (l ParticipantLimits) Max(kind protocol.MediaKind) int {
	if kind == protocol.KindAudio {
		return l.MaxAudioProducers
	}

	return l.MaxVideoProducers
}

// Config is the slice of the server configuration a conference needs:
// how to create transports on its router and whether producer caps apply.
// Limits being nil disables enforcement entirely.
type Config struct {
	TransportOptions engine.WebRTCTransportOptions
	Limits           *ParticipantLimits
}
