package protocol

// MediaKind mirrors the engine's two media kinds.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// StreamType tags a producer with how its media is meant to be rendered.
// A screenshare is an ordinary video producer advertised under its own tag,
// so consumers can treat it differently from camera video.
type StreamType string

const (
	StreamAudio       StreamType = "audio"
	StreamVideo       StreamType = "video"
	StreamScreenshare StreamType = "screenshare"
)

func (s StreamType) Valid() bool {
	switch s {
	case StreamAudio, StreamVideo, StreamScreenshare:
		return true
	default:
		return false
	}
}

// MatchesKind reports whether the tag is legal for a producer of the given
// kind. Screenshare only ever rides on video.
func (s StreamType) MatchesKind(k MediaKind) bool {
	switch s {
	case StreamAudio:
		return k == KindAudio
	case StreamVideo, StreamScreenshare:
		return k == KindVideo
	default:
		return false
	}
}

// DefaultStreamType is the tag assumed when a produce request omits one.
func DefaultStreamType(k MediaKind) StreamType {
	if k == KindAudio {
		return StreamAudio
	}
	return StreamVideo
}

// Direction selects one of a participant's two transports.
type Direction string

const (
	DirectionProducer Direction = "producer"
	DirectionConsumer Direction = "consumer"
)

func (d Direction) Valid() bool {
	return d == DirectionProducer || d == DirectionConsumer
}
