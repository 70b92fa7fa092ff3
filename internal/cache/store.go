package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

// Store provides methods for storing and retrieving data from the cache
type Store struct {
	cache  *Cache
	logger *logrus.Logger
}

// NewStore creates a new store instance
func NewStore(cache *Cache, logger *logrus.Logger) *Store {
	return &Store{
		cache:  cache,
		logger: logger,
	}
}

type accountRow struct {
	ID           int64         `db:"id"`
	Name         string        `db:"name"`
	Email        string        `db:"email"`
	Server       string        `db:"server"`
	Username     string        `db:"username"`
	IsDefault    bool          `db:"is_default"`
	DisplayOrder int           `db:"display_order"`
	LastSync     sql.NullInt64 `db:"last_sync"`
}

func (r accountRow) toAccount() types.Account {
	acc := types.Account{
		ID:           r.ID,
		Name:         r.Name,
		Email:        r.Email,
		Server:       r.Server,
		Username:     r.Username,
		IsDefault:    r.IsDefault,
		DisplayOrder: r.DisplayOrder,
	}
	if r.LastSync.Valid {
		t := time.Unix(r.LastSync.Int64, 0).UTC()
		acc.LastSync = &t
	}
	return acc
}

const accountColumns = `id, name, email, server, username, is_default, display_order, last_sync`

// UpsertAccount inserts or updates an account keyed by name and returns its id.
// Credentials are never written to the cache.
func (s *Store) UpsertAccount(acc *types.Account) (int64, error) {
	query := `
		INSERT INTO accounts (name, email, server, username, is_default, display_order)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			email = excluded.email,
			server = excluded.server,
			username = excluded.username,
			is_default = excluded.is_default,
			display_order = excluded.display_order
		RETURNING id
	`
	var id int64
	err := s.cache.DB().QueryRowx(query, acc.Name, acc.Email, acc.Server, acc.Username, acc.IsDefault, acc.DisplayOrder).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert account: %w", err)
	}
	acc.ID = id
	return id, nil
}

// GetAccount returns an account by id
func (s *Store) GetAccount(id int64) (*types.Account, error) {
	var row accountRow
	err := s.cache.DB().Get(&row, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	acc := row.toAccount()
	return &acc, nil
}

// GetAccountID returns the account ID by name
func (s *Store) GetAccountID(name string) (int64, error) {
	var id int64
	err := s.cache.DB().Get(&id, "SELECT id FROM accounts WHERE name = ?", name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("account %s: %w", name, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to get account id: %w", err)
	}
	return id, nil
}

// ListAccounts lists accounts in display order
func (s *Store) ListAccounts() ([]types.Account, error) {
	var rows []accountRow
	err := s.cache.DB().Select(&rows, `SELECT `+accountColumns+` FROM accounts ORDER BY display_order, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	accounts := make([]types.Account, len(rows))
	for i, row := range rows {
		accounts[i] = row.toAccount()
	}
	return accounts, nil
}

// DeleteAccount removes an account and everything cached for it
func (s *Store) DeleteAccount(id int64) error {
	if _, err := s.cache.DB().Exec("DELETE FROM accounts WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// UpdateLastSync records the time of the account's last folder sync
func (s *Store) UpdateLastSync(id int64, at time.Time) error {
	if _, err := s.cache.DB().Exec("UPDATE accounts SET last_sync = ? WHERE id = ?", at.Unix(), id); err != nil {
		return fmt.Errorf("failed to update last sync: %w", err)
	}
	return nil
}

// ReplaceFolders deletes the account's folders and inserts the given set
func (s *Store) ReplaceFolders(accountID int64, folders []types.Folder) (err error) {
	tx, err := s.cache.DB().Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.Exec("DELETE FROM folders WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("failed to clear folders: %w", err)
	}

	stmt, err := tx.PrepareNamed(`
		INSERT INTO folders (account_id, folder_id, name, parent_id, folder_type, unread_count, total_count)
		VALUES (:account_id, :folder_id, :name, :parent_id, :folder_type, :unread_count, :total_count)
		ON CONFLICT(account_id, folder_id) DO UPDATE SET
			name = excluded.name,
			parent_id = excluded.parent_id,
			folder_type = excluded.folder_type,
			unread_count = excluded.unread_count,
			total_count = excluded.total_count
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare folder insert: %w", err)
	}
	defer stmt.Close()

	for i := range folders {
		folder := folders[i]
		folder.AccountID = accountID
		if _, err = stmt.Exec(folder); err != nil {
			return fmt.Errorf("failed to insert folder %s: %w", folder.FolderID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit folders: %w", err)
	}
	return nil
}

const folderColumns = `account_id, folder_id, name, parent_id, folder_type, unread_count, total_count`

// ListFolders lists the cached folders of an account
func (s *Store) ListFolders(accountID int64) ([]types.Folder, error) {
	var folders []types.Folder
	err := s.cache.DB().Select(&folders, `SELECT `+folderColumns+` FROM folders WHERE account_id = ? ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	return folders, nil
}

// GetFolder returns one cached folder
func (s *Store) GetFolder(accountID int64, folderID string) (*types.Folder, error) {
	var folder types.Folder
	err := s.cache.DB().Get(&folder, `SELECT `+folderColumns+` FROM folders WHERE account_id = ? AND folder_id = ?`, accountID, folderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("folder %s: %w", folderID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	return &folder, nil
}

// FolderByType returns the account's first folder of the given type
func (s *Store) FolderByType(accountID int64, folderType types.FolderType) (*types.Folder, error) {
	var folder types.Folder
	err := s.cache.DB().Get(&folder, `SELECT `+folderColumns+` FROM folders WHERE account_id = ? AND folder_type = ? ORDER BY id LIMIT 1`, accountID, folderType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s folder: %w", folderType, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	return &folder, nil
}
