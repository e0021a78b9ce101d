package pipeline

import (
	"sort"
	"strings"

	"github.com/hbollon/go-edlib"
)

// HintThreshold is the Jaro-Winkler similarity above which a tool hint is
// taken to name a backend.
const HintThreshold = 0.9

// Resolver returns ranked candidate pipelines.
type Resolver interface {
	// ResolveTransform lists pipelines converting from into to, best first.
	ResolveTransform(from, to, hint string) []Pipeline
	// ResolveReplayGain lists single-trunk loudness pipelines for codec.
	ResolveReplayGain(codec, hint string) []Pipeline
}

// TableResolver resolves pipelines from a static table of trunks.
type TableResolver struct {
	trunks []Trunk
}

// NewTableResolver creates a resolver over trunks. Table order breaks rating ties.
func NewTableResolver(trunks []Trunk) *TableResolver {
	return &TableResolver{trunks: append([]Trunk(nil), trunks...)}
}

// ResolveTransform builds direct and two-hop pipelines. Two-hop pipelines go
// through any intermediate codec that some trunk can produce from the source
// and another trunk can encode into the target.
func (r *TableResolver) ResolveTransform(from, to, hint string) []Pipeline {
	from, to = normalize(from), normalize(to)
	var out []Pipeline

	for _, t := range r.trunks {
		if t.Kind == KindReplayGain || t.From != from || t.To != to {
			continue
		}
		out = append(out, Single(t))
	}

	for _, first := range r.trunks {
		if first.Kind == KindReplayGain || first.From != from || first.To == to || first.To == from {
			continue
		}
		for _, second := range r.trunks {
			if second.Kind != KindCodec || second.From != first.To || second.To != to {
				continue
			}
			out = append(out, Chain(first, second))
		}
	}

	return rank(out, hint)
}

// ResolveReplayGain lists loudness tools able to tag codec.
func (r *TableResolver) ResolveReplayGain(codec, hint string) []Pipeline {
	codec = normalize(codec)
	var out []Pipeline
	for _, t := range r.trunks {
		if t.Kind == KindReplayGain && t.From == codec {
			out = append(out, Single(t))
		}
	}
	return rank(out, hint)
}

// Trunks returns a copy of the resolver's table.
func (r *TableResolver) Trunks() []Trunk {
	return append([]Trunk(nil), r.trunks...)
}

// rank orders pipelines hinted first, then by rating descending. The sort is
// stable so equal candidates keep table order across runs.
func rank(ps []Pipeline, hint string) []Pipeline {
	hinted := make([]bool, len(ps))
	for i, p := range ps {
		hinted[i] = MatchesHint(p.Last().Backend, hint)
	}
	idx := make([]int, len(ps))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ia, ib := idx[a], idx[b]
		if hinted[ia] != hinted[ib] {
			return hinted[ia]
		}
		return ps[ia].Rating > ps[ib].Rating
	})
	out := make([]Pipeline, len(ps))
	for i, j := range idx {
		out[i] = ps[j]
	}
	return out
}

// MatchesHint reports whether a user supplied tool hint names backend.
// Small typos are tolerated.
func MatchesHint(backend, hint string) bool {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		return false
	}
	backend = strings.ToLower(backend)
	if backend == hint {
		return true
	}
	return edlib.JaroWinklerSimilarity(backend, hint) >= HintThreshold
}

func normalize(codec string) string {
	return strings.ToLower(strings.TrimSpace(codec))
}
