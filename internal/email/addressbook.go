package email

import (
	"sort"
	"strings"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/pkg/types"
)

// Address book priorities; lower sorts first
const (
	priorityUser    = 0
	priorityGAL     = 1
	priorityContact = 2
	historyBase     = 50

	defaultMatchLimit = 10
)

// HistoryPriority ranks a history address by how often it was sent to
func HistoryPriority(sendCount int) int {
	p := historyBase - sendCount
	if p < 1 {
		p = 1
	}
	return p
}

// AddressBook is the merged, de-duplicated set of completion candidates
type AddressBook struct {
	entries []types.AddressEntry
}

// NewAddressBook merges directory users, contacts and send history. An
// address present in more than one source keeps its best priority.
func NewAddressBook(users, contacts []types.AddressEntry, history []cache.HistoryEntry) *AddressBook {
	byEmail := make(map[string]int)
	var entries []types.AddressEntry

	add := func(e types.AddressEntry) {
		key := strings.ToLower(strings.TrimSpace(e.Email))
		if key == "" {
			return
		}
		if i, ok := byEmail[key]; ok {
			if e.Priority < entries[i].Priority {
				entries[i] = e
			}
			return
		}
		byEmail[key] = len(entries)
		entries = append(entries, e)
	}

	for _, u := range users {
		u.Source, u.Priority = types.SourceUser, priorityUser
		add(u)
	}
	for _, c := range contacts {
		if c.Source == types.SourceGAL {
			c.Priority = priorityGAL
		} else {
			c.Source, c.Priority = types.SourceContact, priorityContact
		}
		add(c)
	}
	for _, h := range history {
		add(types.AddressEntry{
			Name:     h.Name,
			Email:    h.Email,
			Source:   types.SourceHistory,
			Priority: HistoryPriority(h.SendCount),
		})
	}

	sortEntries(entries)
	return &AddressBook{entries: entries}
}

func sortEntries(entries []types.AddressEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
}

// Len returns the number of distinct addresses
func (b *AddressBook) Len() int {
	return len(b.entries)
}

// Entries returns every entry in priority order
func (b *AddressBook) Entries() []types.AddressEntry {
	return append([]types.AddressEntry(nil), b.entries...)
}

// Match returns up to limit entries whose name or email contains query,
// ignoring case. limit <= 0 means 10.
func (b *AddressBook) Match(query string, limit int) []types.AddressEntry {
	if limit <= 0 {
		limit = defaultMatchLimit
	}
	q := strings.ToLower(strings.TrimSpace(query))

	var out []types.AddressEntry
	for _, e := range b.entries {
		if strings.Contains(strings.ToLower(e.Name), q) || strings.Contains(strings.ToLower(e.Email), q) {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}
