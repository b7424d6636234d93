package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/store"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid  = 1000
	ErrCodeConflict = 4090
	ErrCodeNotFound = 4040

	maxReplayEventsPerSubscribe = 64
)

// TaskService is the slice of the dispatcher the gateway needs.
type TaskService interface {
	Submit(ctx context.Context, threadID, agentID, text string) (*store.Task, error)
	Cancel(ctx context.Context, taskID string) error
}

type Config struct {
	Store *store.Store
	Tasks TaskService
	Bus   *bus.Bus

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// DefaultAgent is used when a submission names no agent.
	DefaultAgent string
}

type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	handshaken bool

	// Event subscription state for task.events.subscribe.
	subMu          sync.Mutex
	subscribedTask map[string]int64 // task_id → last forwarded seq
	busSub         *bus.Subscription
	busCancel      context.CancelFunc

	// drainMu serializes drains of a task's progress log so the subscribe
	// replay and the bus forwarder cannot interleave or duplicate entries.
	drainMu sync.Mutex
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      any         `json:"id,omitempty"`
	Result  any         `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	Method  string      `json:"method,omitempty"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config) *Server {
	return &Server{
		cfg:     cfg,
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	// REST API endpoints.
	mux.HandleFunc("/api/threads/", s.handleAPIThread)
	mux.HandleFunc("/api/tasks/", s.handleAPITask)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	dbOK := true
	if err := s.cfg.Store.DB().PingContext(context.Background()); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library;
		// cross-origin requires an explicit allowlist entry.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	slog.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		slog.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			slog.Error("ws: read error, closing", "error", err)
			return
		}
		slog.Info("ws: request", "method", req.Method, "id", string(req.ID))
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			slog.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func isMutatingMethod(method string) bool {
	switch method {
	case "message.submit", "task.cancel":
		return true
	default:
		return false
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}
	if isMutatingMethod(req.Method) && !c.isHandshaken() {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "system.hello required before mutating calls"},
		}
	}

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "system.hello":
		c.markHandshaken()
		result = map[string]any{
			"protocol":      "loom",
			"version":       "1.0",
			"supported_min": "1.0",
			"supported_max": "1.0",
		}
	case "message.submit":
		var p struct {
			ThreadID string `json:"thread_id"`
			AgentID  string `json:"agent_id"`
			Text     string `json:"text"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			break
		}
		if _, err := uuid.Parse(p.ThreadID); err != nil || strings.TrimSpace(p.Text) == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "thread_id must be uuid and text must be non-empty"}
			break
		}
		agentID := p.AgentID
		if agentID == "" {
			agentID = s.cfg.DefaultAgent
		}
		task, err := s.cfg.Tasks.Submit(ctx, p.ThreadID, agentID, p.Text)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				rpcErr = &rpcError{Code: ErrCodeConflict, Message: "thread already has an active task"}
			} else {
				rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			}
			break
		}
		slog.Info("ws: message.submit task created", "task_id", task.ID, "agent_id", agentID, "thread_id", p.ThreadID)
		result = map[string]any{"task_id": task.ID, "status": task.Status}
	case "task.status":
		var p struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.TaskID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			break
		}
		task, err := s.cfg.Store.GetTask(ctx, p.TaskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				rpcErr = &rpcError{Code: ErrCodeNotFound, Message: "task not found"}
			} else {
				rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			}
			break
		}
		result = task
	case "task.cancel":
		var p struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.TaskID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			break
		}
		if err := s.cfg.Tasks.Cancel(ctx, p.TaskID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				rpcErr = &rpcError{Code: ErrCodeNotFound, Message: "task not found"}
			} else {
				rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			}
			break
		}
		result = map[string]any{"cancelled": true}
	case "task.events.subscribe":
		var p struct {
			TaskID  string `json:"task_id"`
			FromSeq int64  `json:"from_seq"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.TaskID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			break
		}
		minSeq, maxSeq, err := s.cfg.Store.ProgressBounds(ctx, p.TaskID)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		if p.FromSeq > 0 && minSeq > 0 && p.FromSeq < (minSeq-1) {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "replay_gap"}
			break
		}
		// Seqs are contiguous, so the bounds give the replay window size
		// without materializing the entries.
		start := p.FromSeq
		if minSeq > 0 && start < minSeq-1 {
			start = minSeq - 1
		}
		if window := maxSeq - start; window > maxReplayEventsPerSubscribe {
			_ = c.write(ctx, rpcResponse{
				JSONRPC: "2.0",
				Method:  "system.backpressure",
				Params: map[string]any{
					"task_id":    p.TaskID,
					"reason":     "replay_window_too_large",
					"max_events": maxReplayEventsPerSubscribe,
					"replayed":   window,
				},
			})
			_ = c.conn.Close(websocket.StatusPolicyViolation, "backpressure")
			return nil
		}
		// Register on the bus before the replay query so an entry committed
		// during the replay still produces a wakeup; the shared drain keeps
		// the boundary free of gaps and duplicates.
		s.subscribeClientToTask(c, p.TaskID, p.FromSeq)
		replayed, lastSeq, err := s.drainTask(ctx, c, p.TaskID)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		slog.Info("ws: subscribe replay", "task", p.TaskID, "entries", replayed, "min", minSeq, "max", maxSeq)

		result = map[string]any{
			"subscribed": true,
			"replayed":   replayed,
			"latest_seq": lastSeq,
		}
	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func taskEventParams(entry store.ProgressEntry) map[string]any {
	return map[string]any{
		"task_id":    entry.TaskID,
		"seq":        entry.Seq,
		"kind":       entry.Kind,
		"payload":    entry.Payload,
		"created_at": entry.CreatedAt,
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	// Clean up bus subscription for event forwarding.
	c.subMu.Lock()
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.subMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}

// subscribeClientToTask registers a WS client for live event push on a task.
// On the first subscription, it starts a bus listener goroutine that forwards
// new progress entries to the client's WebSocket connection.
func (s *Server) subscribeClientToTask(c *client, taskID string, lastSeq int64) {
	if s.cfg.Bus == nil {
		return
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.subscribedTask == nil {
		c.subscribedTask = make(map[string]int64)
	}
	c.subscribedTask[taskID] = lastSeq

	// Start the bus listener goroutine on first subscription.
	if c.busSub == nil {
		c.busSub = s.cfg.Bus.Subscribe("task.")
		var busCtx context.Context
		busCtx, c.busCancel = context.WithCancel(context.Background())
		go s.forwardBusEvents(busCtx, c)
	}
}

// forwardBusEvents reads task events from the bus and pushes new progress
// entries to the WS client for any task the client has subscribed to. Each
// bus event triggers a store re-query from the per-task high-water mark, so
// delivery is ordered and at-least-once with no replay/live gap.
func (s *Server) forwardBusEvents(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.busSub.Ch():
			if !ok {
				return
			}
			var taskID string
			var state *bus.StateEvent
			switch payload := ev.Payload.(type) {
			case bus.ProgressEvent:
				taskID = payload.TaskID
			case bus.StateEvent:
				taskID = payload.TaskID
				state = &payload
			default:
				continue
			}

			c.subMu.Lock()
			_, subscribed := c.subscribedTask[taskID]
			c.subMu.Unlock()
			if !subscribed {
				continue
			}

			if _, _, err := s.drainTask(ctx, c, taskID); err != nil {
				continue
			}

			if state != nil {
				_ = c.write(ctx, rpcResponse{
					JSONRPC: "2.0",
					Method:  "task.state",
					Params: map[string]any{
						"task_id": state.TaskID,
						"from":    state.From,
						"to":      state.To,
					},
				})
			}
		}
	}
}

// drainTask forwards the task's progress entries past the client's high-water
// mark and advances it. The drain mutex is held across the store query and
// the writes so the subscribe replay and concurrent bus wakeups cannot
// interleave or send an entry twice. Returns the number of entries sent and
// the mark after the drain.
func (s *Server) drainTask(ctx context.Context, c *client, taskID string) (int, int64, error) {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()

	c.subMu.Lock()
	mark, subscribed := c.subscribedTask[taskID]
	c.subMu.Unlock()
	if !subscribed {
		return 0, 0, nil
	}

	entries, err := s.cfg.Store.ListProgressFrom(ctx, taskID, mark, 1000)
	if err != nil {
		return 0, mark, err
	}
	for _, entry := range entries {
		if err := c.write(ctx, rpcResponse{
			JSONRPC: "2.0",
			Method:  "task.event",
			Params:  taskEventParams(entry),
		}); err != nil {
			return 0, mark, err
		}
		if entry.Seq > mark {
			mark = entry.Seq
		}
	}

	c.subMu.Lock()
	if mark > c.subscribedTask[taskID] {
		c.subscribedTask[taskID] = mark
	}
	c.subMu.Unlock()
	return len(entries), mark, nil
}

// --- REST API handlers ---

// handleAPIThread serves /api/threads/{id}/messages: POST submits a user
// message (202 with the created task id, 409 when the thread already has an
// active task), GET lists the thread's conversation.
func (s *Server) handleAPIThread(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/threads/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[1] != "messages" || parts[0] == "" {
		http.Error(w, "invalid path: expected /api/threads/{id}/messages", http.StatusBadRequest)
		return
	}
	threadID := parts[0]

	switch r.Method {
	case http.MethodGet:
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		items, err := s.cfg.Store.ListMessages(r.Context(), threadID, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": items})
	case http.MethodPost:
		var body struct {
			AgentID string `json:"agent_id"`
			Text    string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Text) == "" {
			http.Error(w, "text is required", http.StatusBadRequest)
			return
		}
		agentID := body.AgentID
		if agentID == "" {
			agentID = s.cfg.DefaultAgent
		}
		task, err := s.cfg.Tasks.Submit(r.Context(), threadID, agentID, body.Text)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": "thread already has an active task"})
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"task_id": task.ID, "status": task.Status})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAPITask serves /api/tasks/{id} (status plus progress log),
// /api/tasks/{id}/cancel, and the SSE stream at /api/tasks/{id}/events.
func (s *Server) handleAPITask(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.SplitN(path, "/", 2)
	if parts[0] == "" {
		http.Error(w, "task_id required", http.StatusBadRequest)
		return
	}
	taskID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		task, err := s.cfg.Store.GetTask(r.Context(), taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "task not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		progress, err := s.cfg.Store.ListProgressFrom(r.Context(), taskID, 0, 1000)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"task": task, "progress": progress})
	case "cancel":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.cfg.Tasks.Cancel(r.Context(), taskID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "task not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"cancelled": true})
	case "events":
		s.handleTaskEvents(w, r, taskID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}
