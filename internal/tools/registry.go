package tools

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/reconcile"
	"github.com/brandon/mailsync/pkg/types"
)

// Reply completes a tool call. It is called exactly once, on the
// presentation loop.
type Reply func(result interface{}, err error)

// Tool represents an MCP tool
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(params map[string]interface{}, reply Reply)
}

// folderView is the open message list of one account
type folderView struct {
	folderID string
	list     *reconcile.List
}

// Registry manages MCP tools and the view state they share. Everything
// except the constructor must run on the presentation loop.
type Registry struct {
	config       *config.Config
	logger       *logrus.Logger
	emailManager *email.Manager
	cacheStore   *cache.Store
	tools        map[string]Tool

	views map[int64]*folderView
	books map[int64]*email.AddressBook

	// accounts whose refresh was dropped while a sync was in flight
	pending map[int64]bool
}

// NewRegistry creates a new tool registry
func NewRegistry(cfg *config.Config, emailManager *email.Manager, cacheStore *cache.Store, logger *logrus.Logger) (*Registry, error) {
	if emailManager == nil || cacheStore == nil {
		return nil, errors.New("tools: engine and cache are required")
	}
	reg := &Registry{
		config:       cfg,
		logger:       logger,
		emailManager: emailManager,
		cacheStore:   cacheStore,
		tools:        make(map[string]Tool),
		views:        make(map[int64]*folderView),
		books:        make(map[int64]*email.AddressBook),
		pending:      make(map[int64]bool),
	}

	reg.registerTools()

	return reg, nil
}

func (r *Registry) registerTools() {
	toolList := []Tool{
		&ListFoldersTool{r},
		&SyncFoldersTool{r},
		&ListMessagesTool{r},
		&GetMessageTool{r},
		&SearchMessagesTool{r},
		&MarkReadTool{r},
		&SetFlagTool{r},
		&DeleteMessageTool{r},
		&MoveMessageTool{r},
		&SendMessageTool{r},
		&AddressBookTool{r},
		&GetSignatureTool{r},
	}

	for _, tool := range toolList {
		r.tools[tool.Name()] = tool
		r.logger.WithField("tool", tool.Name()).Debug("Registered tool")
	}

	r.logger.WithField("count", len(r.tools)).Info("Registered tools")
}

// GetTool returns a tool by name
func (r *Registry) GetTool(name string) (Tool, bool) {
	tool, exists := r.tools[name]
	return tool, exists
}

// ListTools returns all registered tools sorted by name
func (r *Registry) ListTools() []Tool {
	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// GetToolDefinitions returns tool definitions for MCP
func (r *Registry) GetToolDefinitions() []map[string]interface{} {
	tools := r.ListTools()
	definitions := make([]map[string]interface{}, 0, len(tools))
	for _, tool := range tools {
		definitions = append(definitions, map[string]interface{}{
			"name":        tool.Name(),
			"description": tool.Description(),
			"inputSchema": tool.InputSchema(),
		})
	}
	return definitions
}

// HandleChanges routes a change notification: folder changes resync the
// folder tree, and changes touching the open folder refresh its list.
func (r *Registry) HandleChanges(accountID int64, changes []types.Change) {
	for _, c := range changes {
		if c.IsFolder {
			r.emailManager.SyncFolders(accountID, nil)
			break
		}
	}

	v, ok := r.views[accountID]
	if !ok || !email.ChangeAffectsFolder(changes, v.folderID) {
		return
	}
	r.refresh(accountID, v, func(reconcile.Result, error) {})
}

// openView returns the account's view of folderID, loading it from the
// cache when another folder (or none) was open.
func (r *Registry) openView(accountID int64, folderID string) (*folderView, error) {
	if v, ok := r.views[accountID]; ok && v.folderID == folderID {
		return v, nil
	}

	cached, err := r.cacheStore.ListMessages(accountID, folderID, 0)
	if err != nil {
		return nil, err
	}
	v := &folderView{folderID: folderID, list: reconcile.New()}

	if state, err := r.cacheStore.LoadViewState(accountID); err == nil && state.FolderID == folderID {
		v.list.SetFilter(state.Filter)
		v.list.Load(cached)
		v.list.Select(state.SelectedItemID)
	} else {
		v.list.Load(cached)
	}

	r.views[accountID] = v
	r.saveView(accountID, v)
	return v, nil
}

func (r *Registry) saveView(accountID int64, v *folderView) {
	state := cache.ViewState{
		FolderID:       v.folderID,
		SelectedItemID: v.list.Selected(),
		Filter:         v.list.Filter(),
	}
	if err := r.cacheStore.SaveViewState(accountID, state); err != nil {
		r.logger.WithError(err).WithField("account_id", accountID).Warn("Failed to save view state")
	}
}

// refresh resyncs the view's folder and reconciles the result into it. A
// request dropped by single-flight completes with an empty result and is
// rerun for the open view once the sync in flight finishes.
func (r *Registry) refresh(accountID int64, v *folderView, done func(reconcile.Result, error)) {
	limit := r.messageLimit()
	started := r.emailManager.SyncMessages(accountID, v.folderID, limit, func(items []types.MessageSummary, err error) {
		defer r.rerunPending(accountID)

		if err != nil {
			done(reconcile.Result{}, err)
			return
		}
		if r.views[accountID] != v {
			done(reconcile.Result{}, nil)
			return
		}
		res := v.list.Apply(items)
		if res.Changed() {
			r.logger.WithFields(logrus.Fields{
				"account_id": accountID,
				"folder_id":  v.folderID,
				"inserted":   len(res.Inserted),
				"updated":    len(res.Updated),
				"removed":    len(res.Removed),
			}).Debug("Reconciled message list")
		}
		if res.SelectionChanged {
			r.saveView(accountID, v)
		}
		done(res, nil)
	})
	if !started {
		r.pending[accountID] = true
		done(reconcile.Result{}, nil)
	}
}

func (r *Registry) rerunPending(accountID int64) {
	if !r.pending[accountID] {
		return
	}
	delete(r.pending, accountID)
	if v, ok := r.views[accountID]; ok {
		r.refresh(accountID, v, func(reconcile.Result, error) {})
	}
}

func (r *Registry) messageLimit() int {
	if r.config == nil {
		return -1
	}
	return r.config.Sync.MessageLimit
}

// viewItem returns the open view holding itemID, if any
func (r *Registry) viewItem(accountID int64, itemID string) (*folderView, bool) {
	v, ok := r.views[accountID]
	if !ok {
		return nil, false
	}
	if _, ok := v.list.Get(itemID); !ok {
		return nil, false
	}
	return v, true
}

// accountID resolves the "account" param, falling back to the configured
// default account
func (r *Registry) accountID(params map[string]interface{}) (int64, error) {
	name := stringParam(params, "account")
	if name == "" && r.config != nil {
		if def := r.config.GetDefaultAccount(); def != nil {
			name = def.Name
		}
	}
	if name == "" {
		return 0, errors.New("account is required")
	}

	id, err := r.cacheStore.GetAccountID(name)
	if err != nil {
		return 0, fmt.Errorf("unknown account %q: %w", name, err)
	}
	return id, nil
}

func stringParam(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return strings.TrimSpace(s)
}

func requireString(params map[string]interface{}, key string) (string, error) {
	s := stringParam(params, key)
	if s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

// boolParam reports the value of key and whether it was given
func boolParam(params map[string]interface{}, key string) (bool, bool) {
	switch v := params[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	}
	return false, false
}

func intParam(params map[string]interface{}, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// listParam accepts a JSON array of strings or a comma-separated string
func listParam(params map[string]interface{}, key string) []string {
	var values []string
	switch v := params[key].(type) {
	case string:
		values = strings.Split(v, ",")
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				values = append(values, s)
			}
		}
	case []string:
		values = v
	}

	out := make([]string, 0, len(values))
	for _, s := range values {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func property(typ, description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        typ,
		"description": description,
	}
}

func accountProperty() map[string]interface{} {
	return property("string", "Optional: Account name (default account if omitted)")
}
