// Package reconcile keeps the client-held message list of the open folder in
// step with authoritative listings from the server. A List belongs to the
// presentation thread and is not safe for concurrent use.
package reconcile

import (
	"errors"
	"sort"
	"strings"

	"github.com/brandon/mailsync/pkg/types"
)

// ErrUnknownItem is returned for item ids the list does not hold
var ErrUnknownItem = errors.New("item not in list")

// Result describes what an Apply changed in the visible list
type Result struct {
	Inserted         []string
	Updated          []string
	Removed          []string
	Hidden           []string
	SelectionChanged bool
}

// Changed reports whether anything visible changed
func (r Result) Changed() bool {
	return len(r.Inserted)+len(r.Updated)+len(r.Removed)+len(r.Hidden) > 0 || r.SelectionChanged
}

// List is the in-memory message list: a backing map of every reported item
// plus the ordered ids currently visible under the filter, newest first.
type List struct {
	items    map[string]types.MessageSummary
	order    []string
	selected string
	filter   string
}

// New returns an empty list
func New() *List {
	return &List{items: make(map[string]types.MessageSummary)}
}

// before reports whether a sorts ahead of b: newer first, equal
// timestamps by ascending item id
func before(a, b types.MessageSummary) bool {
	if a.DateReceived != b.DateReceived {
		return a.DateReceived > b.DateReceived
	}
	return a.ItemID < b.ItemID
}

// Matches reports whether item passes a filter; the match is a
// case-insensitive substring test on sender or subject
func Matches(item types.MessageSummary, filter string) bool {
	filter = strings.ToLower(strings.TrimSpace(filter))
	if filter == "" {
		return true
	}
	from := strings.ToLower(item.SenderName + " " + item.SenderEmail)
	return strings.Contains(from, filter) || strings.Contains(strings.ToLower(item.Subject), filter)
}

// Load replaces the whole list, as when a folder is first opened
func (l *List) Load(items []types.MessageSummary) {
	l.items = make(map[string]types.MessageSummary, len(items))
	for _, it := range items {
		if it.ItemID != "" {
			l.items[it.ItemID] = it
		}
	}
	if _, ok := l.items[l.selected]; !ok {
		l.selected = ""
	}
	l.rebuild()
}

func (l *List) rebuild() {
	l.order = l.order[:0]
	for id, it := range l.items {
		if Matches(it, l.filter) {
			l.order = append(l.order, id)
		}
	}
	sort.Slice(l.order, func(i, j int) bool {
		return before(l.items[l.order[i]], l.items[l.order[j]])
	})
}

// Apply reconciles the list against the full authoritative listing of the
// folder. Existing rows keep their positions; new rows are placed by a scan
// against their neighbours; rows the server no longer reports are dropped.
func (l *List) Apply(items []types.MessageSummary) Result {
	var res Result

	incoming := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.ItemID != "" {
			incoming[it.ItemID] = struct{}{}
		}
	}

	removed := make(map[string]struct{})
	for id := range l.items {
		if _, ok := incoming[id]; !ok {
			delete(l.items, id)
			removed[id] = struct{}{}
			res.Removed = append(res.Removed, id)
		}
	}
	sort.Strings(res.Removed)

	visible := make(map[string]bool, len(l.order))
	kept := l.order[:0]
	for _, id := range l.order {
		if _, gone := removed[id]; gone {
			continue
		}
		kept = append(kept, id)
		visible[id] = true
	}
	l.order = kept

	for _, it := range items {
		if it.ItemID == "" {
			continue
		}
		prev, known := l.items[it.ItemID]
		l.items[it.ItemID] = it

		if !Matches(it, l.filter) {
			if visible[it.ItemID] {
				l.hide(it.ItemID)
				delete(visible, it.ItemID)
				res.Hidden = append(res.Hidden, it.ItemID)
			}
			continue
		}

		if visible[it.ItemID] {
			if known && prev != it {
				res.Updated = append(res.Updated, it.ItemID)
			}
			continue
		}

		l.insert(it)
		visible[it.ItemID] = true
		res.Inserted = append(res.Inserted, it.ItemID)
	}

	if _, gone := removed[l.selected]; gone && l.selected != "" {
		l.selected = ""
		if len(l.order) > 0 {
			l.selected = l.order[0]
		}
		res.SelectionChanged = true
	}

	return res
}

// insert places it before the first visible row it sorts ahead of
func (l *List) insert(it types.MessageSummary) {
	pos := len(l.order)
	for i, id := range l.order {
		if before(it, l.items[id]) {
			pos = i
			break
		}
	}
	l.order = append(l.order, "")
	copy(l.order[pos+1:], l.order[pos:])
	l.order[pos] = it.ItemID
}

func (l *List) hide(id string) {
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			return
		}
	}
}

// SetFilter changes the text filter and recomputes the visible rows
func (l *List) SetFilter(filter string) {
	l.filter = strings.ToLower(strings.TrimSpace(filter))
	l.rebuild()
}

// Filter returns the active filter
func (l *List) Filter() string {
	return l.filter
}

// IDs returns the visible item ids in display order
func (l *List) IDs() []string {
	return append([]string(nil), l.order...)
}

// Visible returns the visible items in display order
func (l *List) Visible() []types.MessageSummary {
	out := make([]types.MessageSummary, len(l.order))
	for i, id := range l.order {
		out[i] = l.items[id]
	}
	return out
}

// Len returns the number of items held, visible or not
func (l *List) Len() int {
	return len(l.items)
}

// Get returns an item from the backing map
func (l *List) Get(id string) (types.MessageSummary, bool) {
	it, ok := l.items[id]
	return it, ok
}

// Select sets the selected item; an unknown id clears the selection
func (l *List) Select(id string) {
	if _, ok := l.items[id]; !ok {
		id = ""
	}
	l.selected = id
}

// Selected returns the selected item id, or ""
func (l *List) Selected() string {
	return l.selected
}

// ToggleFlag flips an item's flag ahead of the server round-trip. It returns
// the new value and a func that restores the previous one.
func (l *List) ToggleFlag(id string) (bool, func(), error) {
	it, ok := l.items[id]
	if !ok {
		return false, nil, ErrUnknownItem
	}
	previous := it.IsFlagged
	it.IsFlagged = !previous
	l.items[id] = it

	return it.IsFlagged, func() {
		if cur, ok := l.items[id]; ok {
			cur.IsFlagged = previous
			l.items[id] = cur
		}
	}, nil
}

// SetRead sets an item's read state ahead of the server round-trip and
// returns a func that restores the previous one.
func (l *List) SetRead(id string, read bool) (func(), error) {
	it, ok := l.items[id]
	if !ok {
		return nil, ErrUnknownItem
	}
	previous := it.IsRead
	it.IsRead = read
	l.items[id] = it

	return func() {
		if cur, ok := l.items[id]; ok {
			cur.IsRead = previous
			l.items[id] = cur
		}
	}, nil
}
