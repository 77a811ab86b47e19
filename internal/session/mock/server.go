// Package mock provides a scripted downstream MCP server driven over
// in-process pipes, so session and gateway tests run without child
// processes. It is deliberately self-contained: it speaks raw
// newline-delimited JSON-RPC and knows nothing about the session package.
package mock

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrNoResponse tells the mock to swallow a call: no response is written,
// which lets tests exercise timeouts and cancellation.
var ErrNoResponse = errors.New("mock: suppress response")

// ToolSpec is one advertised tool.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Annotations map[string]interface{}
}

// ResourceSpec is one advertised resource.
type ResourceSpec struct {
	URI         string
	Name        string
	Description string
	MIMEType    string
	Text        string
}

// PromptSpec is one advertised prompt.
type PromptSpec struct {
	Name        string
	Description string
	Text        string
}

// Call describes one tools/call seen by the mock.
type Call struct {
	ID            string
	Tool          string
	Args          map[string]interface{}
	ProgressToken string
}

// Server is the scripted downstream. Zero value plus a name is usable;
// configure fields before the first connection.
type Server struct {
	Name      string
	Version   string
	Tools     []ToolSpec
	Resources []ResourceSpec
	Prompts   []PromptSpec

	// FailInitialize makes the handshake return a JSON-RPC error.
	FailInitialize bool
	// FailStart makes the transport refuse to launch at all.
	FailStart bool
	// FailListTools makes tools/list return an error (degraded-path tests).
	FailListTools bool

	// HandleCall, when set, serves tools/call. The responder lets it emit
	// progress heartbeats before returning. Returning ErrNoResponse leaves
	// the request pending forever.
	HandleCall func(call Call, w *Responder) (interface{}, error)

	mu    sync.Mutex
	conns []*conn
}

// Transport returns a fresh connection for the session under test; pass it
// from a transport factory closure.
func (s *Server) Transport() *Transport {
	return &Transport{server: s}
}

// Transport is one mock child process.
type Transport struct {
	server *Server
	conn   *conn
}

type conn struct {
	server *Server
	// stdin of the child: session writes, mock reads.
	stdinR *io.PipeReader
	stdinW *io.PipeWriter
	// stdout of the child: mock writes, session reads.
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	resp    *Responder
	done    chan struct{}
}

// Start wires the pipes and begins serving the protocol.
func (t *Transport) Start(_ context.Context) (io.WriteCloser, io.ReadCloser, error) {
	if t.server.FailStart {
		return nil, nil, errors.New("mock: launch refused")
	}
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	c := &conn{
		server:  t.server,
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		resp:    &Responder{w: stdoutW},
		done:    make(chan struct{}),
	}
	t.conn = c
	t.server.mu.Lock()
	t.server.conns = append(t.server.conns, c)
	t.server.mu.Unlock()

	go c.serve()
	return stdinW, stdoutR, nil
}

// Wait blocks until the connection is torn down.
func (t *Transport) Wait() error {
	if t.conn == nil {
		return nil
	}
	<-t.conn.done
	return nil
}

// Kill tears the connection down from the child's side.
func (t *Transport) Kill() error {
	if t.conn == nil {
		return nil
	}
	t.conn.close()
	return nil
}

func (c *conn) close() {
	select {
	case <-c.done:
		return
	default:
	}
	close(c.done)
	_ = c.stdinR.Close()
	_ = c.stdoutW.Close()
}

// NotifyAll emits a notification on every live connection.
func (s *Server) NotifyAll(method string, params map[string]interface{}) {
	s.mu.Lock()
	conns := append([]*conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		select {
		case <-c.done:
		default:
			c.resp.Notify(method, params)
		}
	}
}

// Disconnect closes every live connection, simulating a crashed child.
func (s *Server) Disconnect() {
	s.mu.Lock()
	conns := append([]*conn(nil), s.conns...)
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (c *conn) serve() {
	defer c.close()
	scanner := bufio.NewScanner(c.stdinR)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		var msg struct {
			ID     string                 `json:"id"`
			Method string                 `json:"method"`
			Params map[string]interface{} `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.ID == "" {
			// Notifications (initialized, cancelled) need no reply.
			continue
		}
		c.handle(msg.ID, msg.Method, msg.Params)
	}
}

func (c *conn) handle(id, method string, params map[string]interface{}) {
	s := c.server
	switch method {
	case "initialize":
		if s.FailInitialize {
			c.resp.writeError(id, -32000, "mock: initialize refused")
			return
		}
		caps := map[string]interface{}{}
		if len(s.Tools) > 0 || s.HandleCall != nil || s.FailListTools {
			caps["tools"] = map[string]interface{}{"listChanged": true}
		}
		if len(s.Resources) > 0 {
			caps["resources"] = map[string]interface{}{}
		}
		if len(s.Prompts) > 0 {
			caps["prompts"] = map[string]interface{}{}
		}
		name := s.Name
		if name == "" {
			name = "mock-server"
		}
		version := s.Version
		if version == "" {
			version = "1.0.0"
		}
		c.resp.writeResult(id, map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]interface{}{"name": name, "version": version},
			"capabilities":    caps,
		})
	case "tools/list":
		if s.FailListTools {
			c.resp.writeError(id, -32000, "mock: tools/list refused")
			return
		}
		tools := make([]map[string]interface{}, 0, len(s.Tools))
		for _, t := range s.Tools {
			entry := map[string]interface{}{"name": t.Name, "description": t.Description}
			if t.InputSchema != nil {
				entry["inputSchema"] = t.InputSchema
			}
			if t.Annotations != nil {
				entry["annotations"] = t.Annotations
			}
			tools = append(tools, entry)
		}
		c.resp.writeResult(id, map[string]interface{}{"tools": tools})
	case "resources/list":
		resources := make([]map[string]interface{}, 0, len(s.Resources))
		for _, r := range s.Resources {
			resources = append(resources, map[string]interface{}{
				"uri": r.URI, "name": r.Name, "description": r.Description, "mimeType": r.MIMEType,
			})
		}
		c.resp.writeResult(id, map[string]interface{}{"resources": resources})
	case "resources/read":
		uri, _ := params["uri"].(string)
		for _, r := range s.Resources {
			if r.URI == uri {
				c.resp.writeResult(id, map[string]interface{}{
					"contents": []map[string]interface{}{
						{"uri": r.URI, "mimeType": r.MIMEType, "text": r.Text},
					},
				})
				return
			}
		}
		c.resp.writeError(id, -32002, "mock: unknown resource "+uri)
	case "prompts/list":
		prompts := make([]map[string]interface{}, 0, len(s.Prompts))
		for _, p := range s.Prompts {
			prompts = append(prompts, map[string]interface{}{
				"name": p.Name, "description": p.Description,
			})
		}
		c.resp.writeResult(id, map[string]interface{}{"prompts": prompts})
	case "prompts/get":
		name, _ := params["name"].(string)
		for _, p := range s.Prompts {
			if p.Name == name {
				c.resp.writeResult(id, map[string]interface{}{
					"description": p.Description,
					"messages": []map[string]interface{}{
						{"role": "user", "content": map[string]interface{}{"type": "text", "text": p.Text}},
					},
				})
				return
			}
		}
		c.resp.writeError(id, -32002, "mock: unknown prompt "+name)
	case "tools/call":
		c.handleCall(id, params)
	default:
		c.resp.writeError(id, -32601, "mock: method not found: "+method)
	}
}

func (c *conn) handleCall(id string, params map[string]interface{}) {
	s := c.server
	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]interface{})
	token := ""
	if meta, ok := params["_meta"].(map[string]interface{}); ok {
		token, _ = meta["progressToken"].(string)
	}

	if s.HandleCall == nil {
		c.resp.writeError(id, -32601, "mock: no call handler")
		return
	}
	result, err := s.HandleCall(Call{ID: id, Tool: name, Args: args, ProgressToken: token}, c.resp)
	if errors.Is(err, ErrNoResponse) {
		return
	}
	if err != nil {
		c.resp.writeError(id, -32000, err.Error())
		return
	}
	c.resp.writeResult(id, result)
}

// Responder writes frames on the mock's stdout.
type Responder struct {
	mu sync.Mutex
	w  io.Writer
}

// Progress emits a heartbeat for the given progress token.
func (r *Responder) Progress(token string) {
	r.write(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "notifications/progress",
		"params":  map[string]interface{}{"progressToken": token, "progress": 1},
	})
}

// Notify emits an arbitrary notification.
func (r *Responder) Notify(method string, params map[string]interface{}) {
	r.write(map[string]interface{}{"jsonrpc": "2.0", "method": method, "params": params})
}

func (r *Responder) writeResult(id string, result interface{}) {
	r.write(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": result})
}

func (r *Responder) writeError(id string, code int, message string) {
	r.write(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]interface{}{"code": code, "message": message},
	})
}

func (r *Responder) write(v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("mock: marshal frame: %v", err))
	}
	raw = append(raw, '\n')
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = r.w.Write(raw)
}
