package queue

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/vmunix/konvert/internal/convert"
)

var fold = cases.Fold()

// AlbumKey normalizes an album title for grouping: NFC, case folded,
// whitespace collapsed.
func AlbumKey(album string) string {
	s := norm.NFC.String(album)
	s = strings.Join(strings.Fields(s), " ")
	return norm.NFC.String(fold.String(s))
}

// Group is a run of items normalized together.
type Group struct {
	Album string
	Codec string
	Items []*Item
}

// IDs returns the member item ids in list order.
func (g Group) IDs() []int64 {
	ids := make([]int64, len(g.Items))
	for i, it := range g.Items {
		ids[i] = it.ID
	}
	return ids
}

type run struct {
	key    string
	group  Group
	stable bool
}

// Batches returns the album groups that are ready for album gain, in list
// order. Only items whose profile defers album gain take part, and any
// other item ends the current run. Finished items and members of a running
// batch are skipped over; queued items count as pending only while the
// queue runs. A group is ready once every
// member waits for album gain, and it extends over every adjacent pending
// item with the same album and codec.
func Batches(items []*Item, running bool) []Group {
	var (
		out     []Group
		current *run
	)
	flush := func() {
		if current != nil && current.stable {
			out = append(out, current.group)
		}
		current = nil
	}

	for _, it := range items {
		if !it.Profile.AlbumGain {
			flush()
			continue
		}
		if !participates(it, running) {
			continue
		}
		key, album := groupKey(it)
		if current == nil || key == "" || current.key != key {
			flush()
			current = &run{key: key, stable: true, group: Group{Album: album, Codec: it.Profile.Codec}}
		}
		current.group.Items = append(current.group.Items, it)
		if it.State != convert.StateWaitingForAlbumGain {
			current.stable = false
		}
		if key == "" {
			flush()
		}
	}
	flush()
	return out
}

func participates(it *Item, running bool) bool {
	switch {
	case it.State == convert.StateWaitingForAlbumGain:
		return true
	case it.State == convert.StateApplyingReplayGain:
		return false
	case it.State.IsTerminal():
		return false
	case it.State == convert.StateIdle:
		return running
	}
	return it.State.IsActive()
}

// groupKey returns "" for items that must form a group of their own.
func groupKey(it *Item) (key, album string) {
	t := it.Source.Tags
	if t == nil {
		return "", ""
	}
	k := AlbumKey(t.Album)
	if k == "" {
		return "", t.Album
	}
	return k + "\x00" + strings.ToLower(it.Profile.Codec), t.Album
}
