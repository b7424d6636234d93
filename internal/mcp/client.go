// Package mcp implements a JSON-RPC 2.0 client for external tool servers
// spoken to over a stdio subprocess transport.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const protocolVersion = "2024-11-05"

// Client multiplexes JSON-RPC calls over a single Transport, correlating
// responses to callers by request id.
type Client struct {
	name      string
	transport Transport
	nextID    int64
	closed    atomic.Bool

	pendingMu sync.Mutex
	pending   map[int64]chan jsonRPCResponse
}

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

type jsonRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int64           `json:"id"`
}

// RPCError is a JSON-RPC error object returned by a tool server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsUnknownTool reports whether the server rejected the call because the
// named tool does not exist. Servers signal this with the invalid-params
// code; the message check guards against other invalid-params failures.
func (e *RPCError) IsUnknownTool() bool {
	return e.Code == -32602 || strings.Contains(strings.ToLower(e.Message), "unknown tool")
}

// ToolDescriptor is one entry from a tools/list response.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ContentBlock is one element of a tools/call result content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallResult is the parsed result of tools/call.
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError"`
}

// Text concatenates the text blocks of the result.
func (r *CallResult) Text() string {
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// NewClient wraps a transport and starts the response listener.
func NewClient(name string, transport Transport) (*Client, error) {
	c := &Client{
		name:      name,
		transport: transport,
		pending:   make(map[int64]chan jsonRPCResponse),
	}
	go c.listen()
	return c, nil
}

func (c *Client) listen() {
	for {
		msg, err := c.transport.Receive(context.Background())
		if err != nil {
			// Callers must not hang on a dead pipe.
			c.failPending(err)
			if c.closed.Load() {
				return
			}
			// A reconnectable transport may come back with a fresh
			// subprocess; keep the listener alive until the client closes.
			time.Sleep(200 * time.Millisecond)
			continue
		}

		var resp jsonRPCResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			// Server-initiated notifications and junk lines are ignored.
			continue
		}
		if resp.ID == 0 {
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
			ch <- resp
		}
		c.pendingMu.Unlock()
	}
}

// failPending answers every in-flight call with a transport error.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- jsonRPCResponse{
			Error: &RPCError{Code: -32000, Message: fmt.Sprintf("transport error: %v", err)},
			ID:    id,
		}
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)

	var paramsJSON json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsJSON = b
	}

	b, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      id,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan jsonRPCResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.transport.Send(ctx, b); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

func initializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"roots": map[string]any{"listChanged": true},
		},
		"clientInfo": map[string]string{
			"name":    "loom",
			"version": "0.1.0",
		},
	}
}

// handshake drives the initialize exchange synchronously on a transport no
// listener is reading yet. Reconnects use it so a restarted server is fully
// initialized before the transport is published.
func handshake(ctx context.Context, t Transport) error {
	params, _ := json.Marshal(initializeParams())
	req, _ := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  "initialize",
		Params:  params,
		ID:      1,
	})
	if err := t.Send(ctx, req); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	for {
		msg, err := t.Receive(ctx)
		if err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
		var resp jsonRPCResponse
		if err := json.Unmarshal(msg, &resp); err != nil || resp.ID != 1 {
			continue
		}
		if resp.Error != nil {
			return fmt.Errorf("initialize: %w", resp.Error)
		}
		break
	}
	note, _ := json.Marshal(jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	if err := t.Send(ctx, note); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// Initialize performs the protocol handshake and sends the follow-up
// initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	if _, err := c.call(ctx, "initialize", initializeParams()); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	b, _ := json.Marshal(jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	if err := c.transport.Send(ctx, b); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// ListTools returns the server's tool inventory.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	res, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(res, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a named tool and parses the content result.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallResult, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	res, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var result CallResult
	if err := json.Unmarshal(res, &result); err != nil {
		return nil, fmt.Errorf("unmarshal call result: %w", err)
	}
	return &result, nil
}

func (c *Client) Close() error {
	c.closed.Store(true)
	return c.transport.Close()
}
