package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/rpc"
	"github.com/brandon/mailsync/internal/testutil"
	"github.com/brandon/mailsync/internal/worker"
	"github.com/brandon/mailsync/pkg/types"
)

type fixture struct {
	fs        *testutil.FakeServer
	loop      *worker.Loop
	server    *Server
	accountID int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fs := testutil.NewFakeServer(t)
	store := testutil.NewTestStore(t)
	accountID := testutil.SeedAccount(t, store, "work")
	logger := testutil.Logger()

	registry := rpc.NewRegistry(logger, rpc.WithHTTPClient(fs.Client()), rpc.WithBaseURL(fs.URL))
	_, err := registry.Connect(context.Background(), accountID, rpc.Credentials{
		Server:   "mail.corp.com",
		Username: "me",
		Password: "secret",
		Email:    "me@corp.com",
	})
	require.NoError(t, err)

	loop := worker.NewLoop(logger)
	manager, err := email.NewManager(registry, store, loop, email.Options{Workers: 2}, logger)
	require.NoError(t, err)
	t.Cleanup(manager.Shutdown)

	cfg := &config.Config{Accounts: []config.AccountConfig{{Name: "work"}}}
	cfg.RPC.Application.Version = "2.1"
	srv, err := NewServer(cfg, manager, store, loop, logger)
	require.NoError(t, err)

	return &fixture{fs: fs, loop: loop, server: srv, accountID: accountID}
}

func decodeLines(t *testing.T, out string) []map[string]interface{} {
	t.Helper()
	var msgs []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &msg), line)
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestServeAnswersRequestsInOrder(t *testing.T) {
	f := newFixture(t)
	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`not json`,
		``,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"list_folders","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"nope"}}`,
		`{"jsonrpc":"2.0","id":5,"method":"resources/list"}`,
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, f.server.Serve(context.Background(), strings.NewReader(in), &out))

	msgs := decodeLines(t, out.String())
	require.Len(t, msgs, 6)

	initResult := msgs[0]["result"].(map[string]interface{})
	assert.Equal(t, float64(1), msgs[0]["id"])
	assert.Equal(t, protocolVersion, initResult["protocolVersion"])
	assert.Equal(t, "2.1", initResult["serverInfo"].(map[string]interface{})["version"])

	tools := msgs[1]["result"].(map[string]interface{})["tools"].([]interface{})
	assert.Len(t, tools, 12)

	tests := []struct {
		name     string
		msg      map[string]interface{}
		wantCode float64
	}{
		{"parse error", msgs[2], codeParseError},
		{"unknown tool", msgs[4], codeMethodNotFound},
		{"unknown method", msgs[5], codeMethodNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errObj := tt.msg["error"].(map[string]interface{})
			assert.Equal(t, tt.wantCode, errObj["code"])
		})
	}
	assert.Nil(t, msgs[2]["id"])

	content := msgs[3]["result"].(map[string]interface{})["content"].([]interface{})
	require.Len(t, content, 1)
	assert.Equal(t, "[]", content[0].(map[string]interface{})["text"])
}

func TestServeDeliversAsyncRepliesAndNotifications(t *testing.T) {
	f := newFixture(t)
	f.fs.Result("Folders.get", map[string]any{"list": []map[string]any{{"id": "inbox", "name": "Inbox", "type": "FMail"}}})

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	served := make(chan error, 1)
	go func() { served <- f.server.Serve(context.Background(), inR, outW) }()

	lines := make(chan map[string]interface{}, 4)
	go func() {
		scanner := bufio.NewScanner(outR)
		for scanner.Scan() {
			var msg map[string]interface{}
			if json.Unmarshal(scanner.Bytes(), &msg) == nil {
				lines <- msg
			}
		}
	}()
	next := func() map[string]interface{} {
		select {
		case msg := <-lines:
			return msg
		case <-time.After(2 * time.Second):
			t.Fatal("no output")
		}
		return nil
	}

	_, err := io.WriteString(inW, `{"jsonrpc":"2.0","id":"a","method":"tools/call","params":{"name":"sync_folders"}}`+"\n")
	require.NoError(t, err)

	reply := next()
	assert.Equal(t, "a", reply["id"])
	content := reply["result"].(map[string]interface{})["content"].([]interface{})
	assert.Contains(t, content[0].(map[string]interface{})["text"], `"type":"inbox"`)

	f.loop.Post(func() {
		f.server.NotifyMailboxChanged(f.accountID, []types.Change{{Type: "add", ItemID: "m1", ParentID: "inbox"}})
	})
	note := next()
	assert.Equal(t, "notifications/mailbox_changed", note["method"])
	assert.NotContains(t, note, "id")
	params := note["params"].(map[string]interface{})
	assert.Equal(t, float64(f.accountID), params["account_id"])
	assert.NotEmpty(t, params["event_id"])
	changes := params["changes"].([]interface{})
	require.Len(t, changes, 1)
	assert.Equal(t, "m1", changes[0].(map[string]interface{})["itemId"])

	require.NoError(t, inW.Close())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after input closed")
	}
	outW.Close()
}
