package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/agents"
	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/dispatch"
	"github.com/loomhq/loom/internal/gateway"
	"github.com/loomhq/loom/internal/provider"
	"github.com/loomhq/loom/internal/runner"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tooling"
)

const testAuthToken = "gateway-test-token"

type fakeClient struct {
	fn func(ctx context.Context, messages []provider.Message, tools []provider.ToolSpec) (*provider.Completion, error)
}

func (f *fakeClient) Complete(ctx context.Context, messages []provider.Message, tools []provider.ToolSpec) (*provider.Completion, error) {
	return f.fn(ctx, messages, tools)
}

type clientMap map[string]provider.Client

func (m clientMap) Get(name string) (provider.Client, error) {
	c, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return c, nil
}

type adapterMap map[string]tooling.Adapter

func (m adapterMap) Get(name string) (tooling.Adapter, error) {
	a, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return a, nil
}

type fakeAdapter struct {
	name   string
	invoke func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

func (f *fakeAdapter) Name() string            { return f.name }
func (f *fakeAdapter) Description() string     { return "test tool" }
func (f *fakeAdapter) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeAdapter) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return f.invoke(ctx, args)
}

type gatewayHarness struct {
	ts    *httptest.Server
	store *store.Store
	disp  *dispatch.Dispatcher
	bus   *bus.Bus
}

func newGatewayHarness(t *testing.T, client provider.Client, tools adapterMap, agent agents.Agent) *gatewayHarness {
	t.Helper()
	eventBus := bus.New()
	st, err := store.Open(filepath.Join(t.TempDir(), "loom.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clients := clientMap{"main": client}
	if tools == nil {
		tools = adapterMap{}
	}
	arena, err := agents.NewArena([]agents.Agent{agent}, clients, tools)
	if err != nil {
		t.Fatalf("new arena: %v", err)
	}
	r := runner.New(st, clients, tools, arena, runner.DefaultConfig(), nil)
	d := dispatch.New(st, r, 0, nil)
	t.Cleanup(func() { _ = d.Drain(2 * time.Second) })

	srv := gateway.New(gateway.Config{
		Store:        st,
		Tasks:        d,
		Bus:          eventBus,
		AuthToken:    testAuthToken,
		DefaultAgent: agent.ID,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &gatewayHarness{ts: ts, store: st, disp: d, bus: eventBus}
}

func echoAgent() agents.Agent {
	return agents.Agent{ID: "echo", Provider: "main", SystemPrompt: "repeat the user"}
}

func echoClient() *fakeClient {
	return &fakeClient{fn: func(_ context.Context, messages []provider.Message, _ []provider.ToolSpec) (*provider.Completion, error) {
		last := messages[len(messages)-1]
		return &provider.Completion{Text: "echo: " + last.Content}, nil
	}}
}

type rpcReq struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResp struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErr         `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func connectWS(t *testing.T, serverURL string, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	dialOpts := &websocket.DialOptions{}
	if token != "" {
		dialOpts.HTTPHeader = http.Header{
			"Authorization": []string{"Bearer " + token},
		}
	}
	conn, _, err := websocket.Dial(ctx, "ws"+serverURL[len("http"):]+"/ws", dialOpts)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close(websocket.StatusNormalClosure, "test done")
	})
	return conn
}

func sendHello(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	ctx := context.Background()
	req := rpcReq{JSONRPC: "2.0", ID: 1000, Method: "system.hello"}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var resp rpcResp
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("system.hello returned error: %+v", resp.Error)
	}
}

// call sends one request and reads frames until the matching response,
// collecting any notifications that arrive in between.
func call(t *testing.T, conn *websocket.Conn, id int, method string, params any) (rpcResp, []rpcResp) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, rpcReq{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}
	var notifications []rpcResp
	for {
		var resp rpcResp
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			t.Fatalf("read %s response: %v", method, err)
		}
		if resp.ID == nil {
			notifications = append(notifications, resp)
			continue
		}
		return resp, notifications
	}
}

func waitForStatus(t *testing.T, st *store.Store, taskID string, want store.Status) *store.Task {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		task, err := st.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == want {
			return task
		}
		select {
		case <-deadline:
			t.Fatalf("task %s stuck at %s, want %s", taskID, task.Status, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWSSubmitAndStatus(t *testing.T) {
	h := newGatewayHarness(t, echoClient(), nil, echoAgent())
	conn := connectWS(t, h.ts.URL, testAuthToken)
	sendHello(t, conn)

	threadID := uuid.NewString()
	resp, _ := call(t, conn, 1, "message.submit", map[string]any{
		"thread_id": threadID,
		"text":      "hello",
	})
	if resp.Error != nil {
		t.Fatalf("message.submit returned error: %+v", resp.Error)
	}
	var submitResult struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(resp.Result, &submitResult); err != nil {
		t.Fatalf("unmarshal submit result: %v", err)
	}
	if submitResult.TaskID == "" {
		t.Fatal("expected task_id in result")
	}

	waitForStatus(t, h.store, submitResult.TaskID, store.StatusSucceeded)

	statusResp, _ := call(t, conn, 2, "task.status", map[string]any{"task_id": submitResult.TaskID})
	if statusResp.Error != nil {
		t.Fatalf("task.status returned error: %+v", statusResp.Error)
	}
	var task store.Task
	if err := json.Unmarshal(statusResp.Result, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Status != store.StatusSucceeded || task.Result != "echo: hello" {
		t.Fatalf("task = %+v", task)
	}
}

func TestWSMutatingRequiresHello(t *testing.T) {
	h := newGatewayHarness(t, echoClient(), nil, echoAgent())
	conn := connectWS(t, h.ts.URL, testAuthToken)

	resp, _ := call(t, conn, 1, "message.submit", map[string]any{
		"thread_id": uuid.NewString(),
		"text":      "hello",
	})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeInvalidRequest {
		t.Fatalf("error = %+v, want invalid request before hello", resp.Error)
	}
}

func TestWSSubmitValidation(t *testing.T) {
	h := newGatewayHarness(t, echoClient(), nil, echoAgent())
	conn := connectWS(t, h.ts.URL, testAuthToken)
	sendHello(t, conn)

	resp, _ := call(t, conn, 1, "message.submit", map[string]any{
		"thread_id": "not-a-uuid",
		"text":      "hello",
	})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeInvalid {
		t.Fatalf("error = %+v, want code %d", resp.Error, gateway.ErrCodeInvalid)
	}

	resp, _ = call(t, conn, 2, "message.submit", map[string]any{
		"thread_id": uuid.NewString(),
		"text":      "   ",
	})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeInvalid {
		t.Fatalf("error = %+v, want code %d", resp.Error, gateway.ErrCodeInvalid)
	}
}

func TestWSSubmitConflict(t *testing.T) {
	release := make(chan struct{})
	client := &fakeClient{fn: func(ctx context.Context, _ []provider.Message, _ []provider.ToolSpec) (*provider.Completion, error) {
		select {
		case <-release:
			return &provider.Completion{Text: "done"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	h := newGatewayHarness(t, client, nil, echoAgent())
	conn := connectWS(t, h.ts.URL, testAuthToken)
	sendHello(t, conn)

	threadID := uuid.NewString()
	first, _ := call(t, conn, 1, "message.submit", map[string]any{"thread_id": threadID, "text": "first"})
	if first.Error != nil {
		t.Fatalf("first submit: %+v", first.Error)
	}

	second, _ := call(t, conn, 2, "message.submit", map[string]any{"thread_id": threadID, "text": "second"})
	if second.Error == nil || second.Error.Code != gateway.ErrCodeConflict {
		t.Fatalf("error = %+v, want code %d", second.Error, gateway.ErrCodeConflict)
	}
	close(release)
}

func TestWSCancelRunningTask(t *testing.T) {
	client := &fakeClient{fn: func(ctx context.Context, _ []provider.Message, _ []provider.ToolSpec) (*provider.Completion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newGatewayHarness(t, client, nil, echoAgent())
	conn := connectWS(t, h.ts.URL, testAuthToken)
	sendHello(t, conn)

	threadID := uuid.NewString()
	resp, _ := call(t, conn, 1, "message.submit", map[string]any{"thread_id": threadID, "text": "work"})
	if resp.Error != nil {
		t.Fatalf("submit: %+v", resp.Error)
	}
	var submitResult struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(resp.Result, &submitResult); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	waitForStatus(t, h.store, submitResult.TaskID, store.StatusRunning)

	cancelResp, _ := call(t, conn, 2, "task.cancel", map[string]any{"task_id": submitResult.TaskID})
	if cancelResp.Error != nil {
		t.Fatalf("task.cancel: %+v", cancelResp.Error)
	}
	waitForStatus(t, h.store, submitResult.TaskID, store.StatusCancelled)
}

func TestWSTaskStatusNotFound(t *testing.T) {
	h := newGatewayHarness(t, echoClient(), nil, echoAgent())
	conn := connectWS(t, h.ts.URL, testAuthToken)

	resp, _ := call(t, conn, 1, "task.status", map[string]any{"task_id": uuid.NewString()})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeNotFound {
		t.Fatalf("error = %+v, want code %d", resp.Error, gateway.ErrCodeNotFound)
	}
}

func TestWSUnknownMethod(t *testing.T) {
	h := newGatewayHarness(t, echoClient(), nil, echoAgent())
	conn := connectWS(t, h.ts.URL, testAuthToken)

	resp, _ := call(t, conn, 1, "no.such.method", nil)
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeMethodNotFound {
		t.Fatalf("error = %+v, want method not found", resp.Error)
	}
}

// A subscriber joining mid-run sees a replay of everything persisted so far,
// then live events, with no gap and no duplicate across the boundary.
func TestWSSubscribeMidRunReplayThenLive(t *testing.T) {
	toolStarted := make(chan struct{}, 1)
	toolRelease := make(chan struct{})
	var invocations atomic.Int32
	adapter := &fakeAdapter{name: "step", invoke: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		// Block on the second call so the first call's entry is already
		// persisted when the subscriber joins.
		if invocations.Add(1) == 2 {
			toolStarted <- struct{}{}
			select {
			case <-toolRelease:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return json.RawMessage(`{"ok":true}`), nil
	}}

	var completions atomic.Int32
	client := &fakeClient{fn: func(_ context.Context, _ []provider.Message, _ []provider.ToolSpec) (*provider.Completion, error) {
		switch completions.Add(1) {
		case 1, 2:
			return &provider.Completion{ToolCalls: []provider.ToolCall{
				{ID: fmt.Sprintf("call-%d", completions.Load()), Name: "step", Arguments: json.RawMessage(`{}`)},
			}}, nil
		default:
			return &provider.Completion{Text: "all steps done"}, nil
		}
	}}

	agent := echoAgent()
	agent.Tools = []string{"step"}
	h := newGatewayHarness(t, client, adapterMap{"step": adapter}, agent)
	conn := connectWS(t, h.ts.URL, testAuthToken)
	sendHello(t, conn)

	threadID := uuid.NewString()
	resp, _ := call(t, conn, 1, "message.submit", map[string]any{"thread_id": threadID, "text": "run"})
	if resp.Error != nil {
		t.Fatalf("submit: %+v", resp.Error)
	}
	var submitResult struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(resp.Result, &submitResult); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	// The first tool call is persisted and the second is in flight:
	// subscribe now.
	select {
	case <-toolStarted:
	case <-time.After(3 * time.Second):
		t.Fatal("tool never started")
	}
	subResp, replayed := call(t, conn, 2, "task.events.subscribe", map[string]any{
		"task_id":  submitResult.TaskID,
		"from_seq": 0,
	})
	if subResp.Error != nil {
		t.Fatalf("subscribe: %+v", subResp.Error)
	}
	if len(replayed) == 0 {
		t.Fatal("expected at least one replayed event before the response")
	}

	close(toolRelease)

	// Collect live notifications until the terminal state arrives.
	seen := map[int64]int{}
	record := func(frames []rpcResp) (terminal bool) {
		for _, frame := range frames {
			switch frame.Method {
			case "task.event":
				var p struct {
					TaskID string `json:"task_id"`
					Seq    int64  `json:"seq"`
				}
				if err := json.Unmarshal(frame.Params, &p); err != nil {
					t.Fatalf("unmarshal event: %v", err)
				}
				if p.TaskID == submitResult.TaskID {
					seen[p.Seq]++
				}
			case "task.state":
				var p struct {
					TaskID string `json:"task_id"`
					To     string `json:"to"`
				}
				if err := json.Unmarshal(frame.Params, &p); err != nil {
					t.Fatalf("unmarshal state: %v", err)
				}
				if p.TaskID == submitResult.TaskID && store.Status(p.To).Terminal() {
					terminal = true
				}
			}
		}
		return terminal
	}
	record(replayed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var frame rpcResp
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("read live frame: %v", err)
		}
		if record([]rpcResp{frame}) {
			break
		}
	}

	// Two tool calls plus the terminal result: seqs 1..3, each exactly once.
	if len(seen) != 3 {
		t.Fatalf("seen = %v, want 3 distinct seqs", seen)
	}
	for seq := int64(1); seq <= 3; seq++ {
		if seen[seq] != 1 {
			t.Fatalf("seq %d delivered %d times: %v", seq, seen[seq], seen)
		}
	}
}

// Entries committed while the subscribe handler is replaying must still reach
// the subscriber exactly once: the bus registration precedes the replay query.
func TestWSSubscribeRacingAppendsNoGap(t *testing.T) {
	h := newGatewayHarness(t, echoClient(), nil, echoAgent())

	ctx := context.Background()
	threadID := uuid.NewString()
	if err := h.store.EnsureThread(ctx, threadID, ""); err != nil {
		t.Fatalf("ensure thread: %v", err)
	}
	task, err := h.store.CreateTask(ctx, threadID, "echo")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := h.store.StartTask(ctx, task.ID); err != nil {
		t.Fatalf("start task: %v", err)
	}
	if _, err := h.store.AppendProgress(ctx, task.ID, store.ProgressKindToolCall, `{"step":1}`); err != nil {
		t.Fatalf("append progress: %v", err)
	}

	conn := connectWS(t, h.ts.URL, testAuthToken)
	sendHello(t, conn)

	// Race a burst of appends against the subscribe replay.
	appended := make(chan struct{})
	go func() {
		defer close(appended)
		for i := 2; i <= 6; i++ {
			if _, err := h.store.AppendProgress(ctx, task.ID, store.ProgressKindToolCall,
				fmt.Sprintf(`{"step":%d}`, i)); err != nil {
				t.Errorf("append progress: %v", err)
				return
			}
		}
	}()

	subResp, replayed := call(t, conn, 1, "task.events.subscribe", map[string]any{
		"task_id":  task.ID,
		"from_seq": 0,
	})
	if subResp.Error != nil {
		t.Fatalf("subscribe: %+v", subResp.Error)
	}
	<-appended
	if _, err := h.store.CompleteTask(ctx, task.ID, "all done"); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	seen := map[int64]int{}
	record := func(frames []rpcResp) (terminal bool) {
		for _, frame := range frames {
			switch frame.Method {
			case "task.event":
				var p struct {
					TaskID string `json:"task_id"`
					Seq    int64  `json:"seq"`
				}
				if err := json.Unmarshal(frame.Params, &p); err != nil {
					t.Fatalf("unmarshal event: %v", err)
				}
				if p.TaskID == task.ID {
					seen[p.Seq]++
				}
			case "task.state":
				var p struct {
					TaskID string `json:"task_id"`
					To     string `json:"to"`
				}
				if err := json.Unmarshal(frame.Params, &p); err != nil {
					t.Fatalf("unmarshal state: %v", err)
				}
				if p.TaskID == task.ID && store.Status(p.To).Terminal() {
					terminal = true
				}
			}
		}
		return terminal
	}
	record(replayed)

	readCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var frame rpcResp
		if err := wsjson.Read(readCtx, conn, &frame); err != nil {
			t.Fatalf("read live frame: %v", err)
		}
		if record([]rpcResp{frame}) {
			break
		}
	}

	// Six appended entries plus the terminal result entry, each exactly once.
	if len(seen) != 7 {
		t.Fatalf("seen = %v, want 7 distinct seqs", seen)
	}
	for seq := int64(1); seq <= 7; seq++ {
		if seen[seq] != 1 {
			t.Fatalf("seq %d delivered %d times: %v", seq, seen[seq], seen)
		}
	}
}

func TestWSSubscribeBackpressure(t *testing.T) {
	h := newGatewayHarness(t, echoClient(), nil, echoAgent())

	// Build a long progress log directly: 65+ entries trip the replay cap.
	ctx := context.Background()
	threadID := uuid.NewString()
	if err := h.store.EnsureThread(ctx, threadID, ""); err != nil {
		t.Fatalf("ensure thread: %v", err)
	}
	task, err := h.store.CreateTask(ctx, threadID, "echo")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := h.store.StartTask(ctx, task.ID); err != nil {
		t.Fatalf("start task: %v", err)
	}
	for i := 0; i < 70; i++ {
		if _, err := h.store.AppendProgress(ctx, task.ID, store.ProgressKindToolCall, `{"tool":"step"}`); err != nil {
			t.Fatalf("append progress: %v", err)
		}
	}

	conn := connectWS(t, h.ts.URL, testAuthToken)
	readCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := wsjson.Write(readCtx, conn, rpcReq{
		JSONRPC: "2.0", ID: 1, Method: "task.events.subscribe",
		Params: map[string]any{"task_id": task.ID, "from_seq": 0},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	var frame rpcResp
	if err := wsjson.Read(readCtx, conn, &frame); err != nil {
		t.Fatalf("read backpressure frame: %v", err)
	}
	if frame.Method != "system.backpressure" {
		t.Fatalf("frame = %+v, want system.backpressure notification", frame)
	}
	// The server closes the connection with a policy violation.
	if err := wsjson.Read(readCtx, conn, &frame); err == nil {
		t.Fatal("expected read to fail after backpressure close")
	}
}

func TestWSUnauthorized(t *testing.T) {
	h := newGatewayHarness(t, echoClient(), nil, echoAgent())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+h.ts.URL[len("http"):]+"/ws", nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

// --- REST ---

func (h *gatewayHarness) restRequest(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRESTSubmitStatusCancel(t *testing.T) {
	client := &fakeClient{fn: func(ctx context.Context, _ []provider.Message, _ []provider.ToolSpec) (*provider.Completion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newGatewayHarness(t, client, nil, echoAgent())
	threadID := uuid.NewString()

	resp := h.restRequest(t, http.MethodPost, "/api/threads/"+threadID+"/messages",
		map[string]any{"text": "work"}, testAuthToken)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var submitBody struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submitBody); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if submitBody.TaskID == "" {
		t.Fatal("expected task_id")
	}
	waitForStatus(t, h.store, submitBody.TaskID, store.StatusRunning)

	// A second submission on the same thread conflicts.
	conflict := h.restRequest(t, http.MethodPost, "/api/threads/"+threadID+"/messages",
		map[string]any{"text": "again"}, testAuthToken)
	if conflict.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", conflict.StatusCode)
	}

	status := h.restRequest(t, http.MethodGet, "/api/tasks/"+submitBody.TaskID, nil, testAuthToken)
	if status.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", status.StatusCode)
	}
	var statusBody struct {
		Task     store.Task            `json:"task"`
		Progress []store.ProgressEntry `json:"progress"`
	}
	if err := json.NewDecoder(status.Body).Decode(&statusBody); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if statusBody.Task.Status != store.StatusRunning {
		t.Fatalf("task = %+v", statusBody.Task)
	}

	cancelResp := h.restRequest(t, http.MethodPost, "/api/tasks/"+submitBody.TaskID+"/cancel", nil, testAuthToken)
	if cancelResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", cancelResp.StatusCode)
	}
	waitForStatus(t, h.store, submitBody.TaskID, store.StatusCancelled)

	msgs := h.restRequest(t, http.MethodGet, "/api/threads/"+threadID+"/messages", nil, testAuthToken)
	if msgs.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", msgs.StatusCode)
	}
	var msgsBody struct {
		Messages []store.Message `json:"messages"`
	}
	if err := json.NewDecoder(msgs.Body).Decode(&msgsBody); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgsBody.Messages) != 1 || msgsBody.Messages[0].Actor != store.ActorUser {
		t.Fatalf("messages = %+v", msgsBody.Messages)
	}
}

func TestRESTTaskNotFound(t *testing.T) {
	h := newGatewayHarness(t, echoClient(), nil, echoAgent())
	resp := h.restRequest(t, http.MethodGet, "/api/tasks/"+uuid.NewString(), nil, testAuthToken)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRESTUnauthorized(t *testing.T) {
	h := newGatewayHarness(t, echoClient(), nil, echoAgent())
	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/tasks/abc"},
		{http.MethodPost, "/api/threads/" + uuid.NewString() + "/messages"},
		{http.MethodPost, "/api/tasks/abc/cancel"},
	} {
		resp := h.restRequest(t, tc.method, tc.path, nil, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want 401", tc.method, tc.path, resp.StatusCode)
		}
		wrong := h.restRequest(t, tc.method, tc.path, nil, "wrong-token")
		if wrong.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s with bad token: status = %d, want 401", tc.method, tc.path, wrong.StatusCode)
		}
	}
}

func TestRESTHealthz(t *testing.T) {
	h := newGatewayHarness(t, echoClient(), nil, echoAgent())
	// Health is reachable without a token.
	resp := h.restRequest(t, http.MethodGet, "/healthz", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Healthy {
		t.Fatal("expected healthy")
	}
}
