package email

import (
	"context"
	"encoding/json"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/brandon/mailsync/internal/rpc"
	"github.com/brandon/mailsync/pkg/types"
)

const (
	contactLimit     = 500
	sentHistoryLimit = 200
	contactFetchers  = 4
)

type contactQuery struct {
	Start int `json:"start"`
	Limit int `json:"limit"`
}

type contactsGetParams struct {
	FolderIDs []string     `json:"folderIds"`
	Query     contactQuery `json:"query"`
}

// contactEmail accepts both {"address": ...} objects and bare strings
type contactEmail struct {
	Address string
}

func (c *contactEmail) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Address = s
		return nil
	}
	var obj struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	c.Address = obj.Address
	return nil
}

type wireContact struct {
	CommonName     string         `json:"commonName"`
	FirstName      string         `json:"firstName"`
	SurName        string         `json:"surName"`
	EmailAddresses []contactEmail `json:"emailAddresses"`
}

func (c wireContact) name() string {
	if c.CommonName != "" {
		return c.CommonName
	}
	return strings.TrimSpace(c.FirstName + " " + c.SurName)
}

type contactList struct {
	List []wireContact `json:"list"`
}

// entrySet collects address entries, keeping the first of each address
type entrySet struct {
	seen    map[string]bool
	entries []types.AddressEntry
}

func newEntrySet() *entrySet {
	return &entrySet{seen: make(map[string]bool)}
}

func (s *entrySet) add(e types.AddressEntry) {
	key := strings.ToLower(e.Email)
	if key == "" || s.seen[key] {
		return
	}
	s.seen[key] = true
	s.entries = append(s.entries, e)
}

func (m *Manager) listFolders(ctx context.Context, s *rpc.Session) ([]wireFolder, error) {
	var res folderList
	if err := s.Call(ctx, "Folders.get", nil, &res); err != nil {
		return nil, err
	}
	return res.List, nil
}

// FetchContacts reads every contact folder of the account. Folders that
// fail to load are skipped.
func (m *Manager) FetchContacts(accountID int64, done func([]types.AddressEntry, error)) {
	run(m, accountID, "fetch_contacts", func(ctx context.Context, s *rpc.Session) ([]types.AddressEntry, error) {
		return m.fetchContacts(ctx, s), nil
	}, done)
}

func (m *Manager) fetchContacts(ctx context.Context, s *rpc.Session) []types.AddressEntry {
	folders, err := m.listFolders(ctx, s)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to list contact folders")
		return []types.AddressEntry{}
	}

	var ids []string
	for _, f := range folders {
		if IsContactFolder(f.Type) && f.ID != "" {
			ids = append(ids, f.ID)
		}
	}

	results := make([][]wireContact, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(contactFetchers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			var res contactList
			err := s.Call(gctx, "Contacts.get", contactsGetParams{
				FolderIDs: []string{id},
				Query:     contactQuery{Start: 0, Limit: contactLimit},
			}, &res)
			if err != nil {
				m.logger.WithError(err).WithField("folder_id", id).Warn("Failed to fetch contacts")
				return nil
			}
			results[i] = res.List
			return nil
		})
	}
	_ = g.Wait()

	set := newEntrySet()
	for _, contacts := range results {
		for _, c := range contacts {
			name := c.name()
			for _, e := range c.EmailAddresses {
				set.add(types.AddressEntry{
					Name:     name,
					Email:    e.Address,
					Source:   types.SourceContact,
					Priority: priorityContact,
				})
			}
		}
	}
	if set.entries == nil {
		return []types.AddressEntry{}
	}
	return set.entries
}

// FetchUsers collects same-domain recipients of recently sent mail
func (m *Manager) FetchUsers(accountID int64, done func([]types.AddressEntry, error)) {
	run(m, accountID, "fetch_users", func(ctx context.Context, s *rpc.Session) ([]types.AddressEntry, error) {
		return m.fetchUsers(ctx, s), nil
	}, done)
}

func (m *Manager) fetchUsers(ctx context.Context, s *rpc.Session) []types.AddressEntry {
	users := []types.AddressEntry{}

	email := s.Email()
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return users
	}
	suffix := strings.ToLower(email[at:])

	folders, err := m.listFolders(ctx, s)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to list folders for users")
		return users
	}
	sentID := ""
	for _, f := range folders {
		if isSentFolder(f.Name, f.Type) {
			sentID = f.ID
			break
		}
	}
	if sentID == "" {
		return users
	}

	var res mailList
	err = s.Call(ctx, "Mails.get", mailsGetParams{
		FolderIDs: []string{sentID},
		Query:     newestFirst([]string{"id", "to", "cc"}, sentHistoryLimit),
	}, &res)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to read sent mail for users")
		return users
	}

	set := newEntrySet()
	for _, w := range res.List {
		for _, r := range append(append([]wireAddress(nil), w.To...), w.Cc...) {
			if strings.HasSuffix(strings.ToLower(r.Address), suffix) {
				set.add(types.AddressEntry{
					Name:     r.Name,
					Email:    r.Address,
					Source:   types.SourceUser,
					Priority: priorityUser,
				})
			}
		}
	}
	return append(users, set.entries...)
}

// FetchSignature reads the user's configured mail signature; a missing
// signature is an empty string, not an error
func (m *Manager) FetchSignature(accountID int64, done func(string, error)) {
	run(m, accountID, "fetch_signature", func(ctx context.Context, s *rpc.Session) (string, error) {
		return s.Signature(ctx), nil
	}, done)
}

// LoadAddressBook fetches users and contacts concurrently and merges them
// with the local send history
func (m *Manager) LoadAddressBook(accountID int64, done func(*AddressBook, error)) {
	run(m, accountID, "load_address_book", func(ctx context.Context, s *rpc.Session) (*AddressBook, error) {
		var users, contacts []types.AddressEntry

		var g errgroup.Group
		g.Go(func() error {
			users = m.fetchUsers(ctx, s)
			return nil
		})
		g.Go(func() error {
			contacts = m.fetchContacts(ctx, s)
			return nil
		})
		_ = g.Wait()

		history, err := m.store.SearchAddresses("", 0)
		if err != nil {
			m.logger.WithError(err).Warn("Failed to read address history")
		}
		return NewAddressBook(users, contacts, history), nil
	}, done)
}
