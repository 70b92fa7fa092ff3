package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/tools"
	"github.com/brandon/mailsync/internal/worker"
	"github.com/brandon/mailsync/pkg/types"
)

const (
	protocolVersion = "2024-11-05"
	maxRequestSize  = 16 << 20

	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

// Server is the MCP host. Requests, tool replies and change notifications
// are all handled on its loop, so tools and their view state never need
// locking.
type Server struct {
	config *config.Config
	logger *logrus.Logger
	tools  *tools.Registry
	loop   *worker.Loop

	encoder *json.Encoder
}

// NewServer creates a new MCP server instance. loop must be the dispatcher
// the engine delivers its callbacks to.
func NewServer(cfg *config.Config, emailManager *email.Manager, cacheStore *cache.Store, loop *worker.Loop, logger *logrus.Logger) (*Server, error) {
	toolRegistry, err := tools.NewRegistry(cfg, emailManager, cacheStore, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool registry: %w", err)
	}

	return &Server{
		config:  cfg,
		logger:  logger,
		tools:   toolRegistry,
		loop:    loop,
		encoder: json.NewEncoder(os.Stdout),
	}, nil
}

// Run serves MCP over stdin and stdout
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting MCP server with stdio transport")
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve reads newline-delimited requests from in and writes responses to
// out, running the loop on the calling goroutine. It returns when ctx is
// done or in reaches EOF.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.encoder = json.NewEncoder(out)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.read(in)
		cancel()
	}()

	s.loop.Run(ctx)

	select {
	case err := <-readErr:
		return err
	default:
		return nil
	}
}

func (s *Server) read(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxRequestSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req map[string]interface{}
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.logger.WithError(err).Error("Failed to decode request")
			s.loop.Post(func() {
				s.write(errorResponse(nil, codeParseError, "Parse error"))
			})
			continue
		}
		s.loop.Post(func() { s.handleRequest(req) })
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read requests: %w", err)
	}
	s.logger.Info("Input closed")
	return nil
}

// write encodes one message; it is only called from the loop
func (s *Server) write(msg map[string]interface{}) {
	if err := s.encoder.Encode(msg); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

// NotifyMailboxChanged forwards change notifications to the client and
// refreshes whatever they touch. It has the shape of an email.ChangeHandler
// and runs on the loop.
func (s *Server) NotifyMailboxChanged(accountID int64, changes []types.Change) {
	s.tools.HandleChanges(accountID, changes)

	s.write(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "notifications/mailbox_changed",
		"params": map[string]interface{}{
			"event_id":   uuid.NewString(),
			"account_id": accountID,
			"changes":    changes,
		},
	})
}

// handleRequest processes an MCP request. Tool calls answer whenever their
// reply arrives; everything else answers immediately.
func (s *Server) handleRequest(req map[string]interface{}) {
	method, _ := req["method"].(string)
	id, hasID := req["id"]

	// Notifications from the client get no response
	if !hasID || strings.HasPrefix(method, "notifications/") {
		s.logger.WithField("method", method).Debug("Received notification")
		return
	}

	switch method {
	case "initialize":
		s.write(resultResponse(id, map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": s.serverInfo(),
		}))

	case "ping":
		s.write(resultResponse(id, map[string]interface{}{}))

	case "tools/list":
		s.write(resultResponse(id, map[string]interface{}{
			"tools": s.tools.GetToolDefinitions(),
		}))

	case "tools/call":
		params, _ := req["params"].(map[string]interface{})
		toolName, _ := params["name"].(string)
		arguments, _ := params["arguments"].(map[string]interface{})
		if arguments == nil {
			arguments = map[string]interface{}{}
		}

		tool, exists := s.tools.GetTool(toolName)
		if !exists {
			s.write(errorResponse(id, codeMethodNotFound, fmt.Sprintf("Tool not found: %s", toolName)))
			return
		}

		log := s.logger.WithField("tool", toolName)
		log.Debug("Calling tool")
		tool.Execute(arguments, func(result interface{}, err error) {
			if err != nil {
				log.WithError(err).Error("Tool failed")
				s.write(errorResponse(id, codeInternalError, err.Error()))
				return
			}
			s.write(resultResponse(id, textContent(result)))
		})

	default:
		s.write(errorResponse(id, codeMethodNotFound, fmt.Sprintf("Method not found: %s", method)))
	}
}

func (s *Server) serverInfo() map[string]interface{} {
	info := map[string]interface{}{"name": "mailsync", "version": "1.0.0"}
	if s.config != nil && s.config.RPC.Application.Version != "" {
		info["version"] = s.config.RPC.Application.Version
	}
	return info
}

// textContent serializes a tool result to JSON text content
func textContent(result interface{}) map[string]interface{} {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = []byte(fmt.Sprintf("%v", result))
	}
	return map[string]interface{}{
		"content": []map[string]interface{}{
			{
				"type": "text",
				"text": string(resultJSON),
			},
		},
	}
}

func resultResponse(id interface{}, result interface{}) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	}
}

func errorResponse(id interface{}, code int, message string) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
}
