// Package pipeline describes conversion pipelines and ranks the candidates
// that can turn one codec into another.
package pipeline

import (
	"fmt"
	"strings"
)

// Kind selects which family of backend executes a trunk.
type Kind string

const (
	KindCodec      Kind = "codec"
	KindRipper     Kind = "ripper"
	KindReplayGain Kind = "replaygain"
)

// CodecAudioCD is the pseudo codec of tracks read from a physical disc.
const CodecAudioCD = "audiocd"

// Trunk is a single conversion step offered by one backend.
type Trunk struct {
	From             string
	To               string
	Backend          string
	Kind             Kind
	Rating           int
	Streaming        bool
	InlineReplayGain bool
}

func (t Trunk) String() string {
	return fmt.Sprintf("%s -> %s (%s)", t.From, t.To, t.Backend)
}

// Pipeline is an ordered list of one or two trunks.
type Pipeline struct {
	Trunks []Trunk
	Rating int
}

// Single builds a one-trunk pipeline rated like its trunk.
func Single(t Trunk) Pipeline {
	return Pipeline{Trunks: []Trunk{t}, Rating: t.Rating}
}

// Chain builds a two-trunk pipeline. The chain rates one below its weakest
// trunk so an equally rated direct conversion wins.
func Chain(first, second Trunk) Pipeline {
	return Pipeline{
		Trunks: []Trunk{first, second},
		Rating: min(first.Rating, second.Rating) - 1,
	}
}

// Len returns the number of trunks.
func (p Pipeline) Len() int { return len(p.Trunks) }

// First returns the first trunk.
func (p Pipeline) First() Trunk { return p.Trunks[0] }

// Last returns the trunk producing the target codec.
func (p Pipeline) Last() Trunk { return p.Trunks[len(p.Trunks)-1] }

// Fusable reports whether both trunks can be joined by a pipe.
func (p Pipeline) Fusable() bool {
	return len(p.Trunks) == 2 && p.Trunks[0].Streaming && p.Trunks[1].Streaming
}

// Ripping reports whether the pipeline starts by reading a disc.
func (p Pipeline) Ripping() bool {
	return len(p.Trunks) > 0 && p.Trunks[0].Kind == KindRipper
}

// Backends returns the backend names in execution order.
func (p Pipeline) Backends() []string {
	names := make([]string, len(p.Trunks))
	for i, t := range p.Trunks {
		names[i] = t.Backend
	}
	return names
}

func (p Pipeline) String() string {
	if len(p.Trunks) == 0 {
		return "<empty>"
	}
	var b strings.Builder
	b.WriteString(p.Trunks[0].From)
	for _, t := range p.Trunks {
		fmt.Fprintf(&b, " -> %s (%s)", t.To, t.Backend)
	}
	fmt.Fprintf(&b, " [%d]", p.Rating)
	return b.String()
}
