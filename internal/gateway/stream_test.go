package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/provider"
	"github.com/loomhq/loom/internal/store"
)

type sseEvent struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq"`
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
	Status  string `json:"status"`
}

// readSSE collects data frames until the stream ends or the timeout fires.
func readSSE(t *testing.T, resp *http.Response, timeout time.Duration) []sseEvent {
	t.Helper()
	var events []sseEvent
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev sseEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Errorf("unmarshal sse event %q: %v", line, err)
				return
			}
			events = append(events, ev)
		}
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		resp.Body.Close()
		<-done
	}
	return events
}

// A stream opened mid-run replays persisted entries, forwards live ones with
// no gap or duplicate, and ends with the terminal state.
func TestSSEStreamMidRun(t *testing.T) {
	toolStarted := make(chan struct{}, 1)
	toolRelease := make(chan struct{})
	var invocations atomic.Int32
	adapter := &fakeAdapter{name: "step", invoke: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		// Block on the second call so the first call's entry is already
		// persisted when the stream opens.
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

	threadID := uuid.NewString()
	task, err := h.disp.Submit(context.Background(), threadID, "echo", "run")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-toolStarted:
	case <-time.After(3 * time.Second):
		t.Fatal("tool never started")
	}

	resp := h.restRequest(t, http.MethodGet, "/api/tasks/"+task.ID+"/events?from_seq=0", nil, testAuthToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	close(toolRelease)
	events := readSSE(t, resp, 5*time.Second)

	seen := map[int64]int{}
	terminal := ""
	for _, ev := range events {
		switch ev.Type {
		case "progress":
			seen[ev.Seq]++
		case "state":
			terminal = ev.Status
		}
	}
	if terminal != string(store.StatusSucceeded) {
		t.Fatalf("terminal = %q, events = %+v", terminal, events)
	}
	if len(seen) != 3 {
		t.Fatalf("seen = %v, want seqs 1..3", seen)
	}
	for seq := int64(1); seq <= 3; seq++ {
		if seen[seq] != 1 {
			t.Fatalf("seq %d delivered %d times: %v", seq, seen[seq], seen)
		}
	}
}

func TestSSEStreamFinishedTaskReplaysAndEnds(t *testing.T) {
	h := newGatewayHarness(t, echoClient(), nil, echoAgent())

	threadID := uuid.NewString()
	task, err := h.disp.Submit(context.Background(), threadID, "echo", "hello")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStatus(t, h.store, task.ID, store.StatusSucceeded)

	resp := h.restRequest(t, http.MethodGet, "/api/tasks/"+task.ID+"/events", nil, testAuthToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	events := readSSE(t, resp, 3*time.Second)

	// One result entry, then the terminal state ends the stream.
	if len(events) != 2 {
		t.Fatalf("events = %+v, want replay + state", events)
	}
	if events[0].Type != "progress" || events[0].Kind != store.ProgressKindResult {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1].Type != "state" || events[1].Status != string(store.StatusSucceeded) {
		t.Fatalf("second event = %+v", events[1])
	}
}

func TestSSEStreamUnknownTask(t *testing.T) {
	h := newGatewayHarness(t, echoClient(), nil, echoAgent())
	resp := h.restRequest(t, http.MethodGet, "/api/tasks/"+uuid.NewString()+"/events", nil, testAuthToken)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSSEStreamBadFromSeq(t *testing.T) {
	h := newGatewayHarness(t, echoClient(), nil, echoAgent())
	resp := h.restRequest(t, http.MethodGet, "/api/tasks/"+uuid.NewString()+"/events?from_seq=nope", nil, testAuthToken)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
