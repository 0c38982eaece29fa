package core

import (
	"github.com/voxbridge-ai/voxbridge/pkg/audio"
)

// Reply is the deliverable for one completed turn. Audio is nil for a
// text-only reply; that is a successful outcome, not a failure.
type Reply struct {
	Text  string
	Audio *audio.Buffer
}

// HasAudio reports whether the reply carries synthesized audio.
func (r Reply) HasAudio() bool {
	return r.Audio != nil && len(r.Audio.Data) > 0
}
