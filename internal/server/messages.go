package server

import (
	"encoding/json"
	"fmt"

	"github.com/acheong08/deptags/internal/app"
	"github.com/acheong08/deptags/internal/graph"
	"github.com/acheong08/deptags/internal/metadata"
	"github.com/acheong08/deptags/internal/orchestrator"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	// Client -> Server
	TypeBuild MessageType = "build" // Client asks for a tags build
	TypePing  MessageType = "ping"  // Keep-alive

	// Server -> Client
	TypeRun        MessageType = "run"         // Build accepted, carries the run ID
	TypeGraph      MessageType = "graph"       // Dependency graph of the build
	TypeNodeStatus MessageType = "node_status" // Individual node state change
	TypeLog        MessageType = "log"         // Log messages for terminal
	TypeProgress   MessageType = "progress"    // Progress updates
	TypeComplete   MessageType = "complete"    // Build complete
	TypeError      MessageType = "error"       // Error message
	TypePong       MessageType = "pong"        // Reply to ping
)

// Message is the base WebSocket message structure
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BuildPayload sent by client to start a build
type BuildPayload struct {
	Dir           string `json:"dir"`
	ForceRecreate bool   `json:"force_recreate"`
	Source        string `json:"source,omitempty"` // auto, cargo, npm, file
	Graph         string `json:"graph,omitempty"`  // graph file path or URL
}

// Request converts the payload into a build request.
func (p *BuildPayload) Request() (app.Request, error) {
	if p.Dir == "" {
		return app.Request{}, fmt.Errorf("dir is required")
	}
	kind, err := metadata.ParseKind(p.Source)
	if err != nil {
		return app.Request{}, err
	}
	return app.Request{Dir: p.Dir, Force: p.ForceRecreate, Source: kind, Graph: p.Graph}, nil
}

// RunPayload announces the run serving a build request
type RunPayload struct {
	RunID string `json:"run_id"`
	Dir   string `json:"dir"`
}

// GraphNode is one node of the graph message
type GraphNode struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version,omitempty"`
	Hash         string   `json:"hash"`
	Level        int      `json:"level"`
	IsRoot       bool     `json:"is_root,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"` // hashes
}

// GraphPayload contains the dependency graph for visualization
type GraphPayload struct {
	Nodes     []GraphNode `json:"nodes"`
	Levels    int         `json:"levels"`
	EdgeCount int         `json:"edge_count"`
}

// NodeStatusPayload for individual node updates
type NodeStatusPayload struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Hash  string `json:"hash"`
	State string `json:"state"` // "skipped", "locked", "building", "done", "failed"
	Error string `json:"error,omitempty"`
}

// ProgressPayload for progress bar updates
type ProgressPayload struct {
	Percent  int `json:"percent"` // 0-100
	Finished int `json:"finished"`
	Total    int `json:"total"`
}

// LogPayload for terminal output
type LogPayload struct {
	Message string `json:"message"`         // Log message
	Level   string `json:"level,omitempty"` // "debug", "info", "warning", "error"
}

// CompletePayload sent when a build is done
type CompletePayload struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Counts  map[string]int `json:"counts,omitempty"`
	Failed  []string       `json:"failed,omitempty"`
	Shared  bool           `json:"shared,omitempty"` // result of a build started by another request
}

// ErrorPayload for error messages
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Helper functions to create messages

func newMessage(t MessageType, payload any) Message {
	payloadBytes, _ := json.Marshal(payload)
	return Message{Type: t, Payload: payloadBytes}
}

func NewRunMessage(runID, dir string) Message {
	return newMessage(TypeRun, RunPayload{RunID: runID, Dir: dir})
}

func NewGraphMessage(levels [][]*graph.Tree) Message {
	payload := GraphPayload{Levels: len(levels)}
	for height, level := range levels {
		for _, tree := range level {
			n := GraphNode{
				ID:      tree.Node.ID,
				Name:    tree.Node.Name,
				Version: tree.Node.Version,
				Hash:    tree.Node.Hash.String(),
				Level:   height,
				IsRoot:  tree.Node.IsRoot,
			}
			for _, dep := range tree.Deps {
				n.Dependencies = append(n.Dependencies, dep.Node.Hash.String())
			}
			payload.EdgeCount += len(tree.Deps)
			payload.Nodes = append(payload.Nodes, n)
		}
	}
	return newMessage(TypeGraph, payload)
}

func NewNodeStatusMessage(node *graph.Node, state orchestrator.State, err error) Message {
	payload := NodeStatusPayload{
		ID:    node.ID,
		Name:  node.Name,
		Hash:  node.Hash.String(),
		State: state.String(),
	}
	if err != nil {
		payload.Error = err.Error()
	}
	return newMessage(TypeNodeStatus, payload)
}

func NewProgressMessage(finished, total int) Message {
	percent := 100
	if total > 0 {
		percent = finished * 100 / total
	}
	return newMessage(TypeProgress, ProgressPayload{Percent: percent, Finished: finished, Total: total})
}

func NewLogMessage(message, level string) Message {
	return newMessage(TypeLog, LogPayload{Message: message, Level: level})
}

func NewCompleteMessage(report *app.Report, shared bool) Message {
	payload := CompletePayload{
		Success: true,
		Message: "Tags build complete",
		Counts:  report.Counts,
		Shared:  shared,
	}
	for _, n := range report.Failed() {
		payload.Failed = append(payload.Failed, n.Name)
	}
	if len(payload.Failed) > 0 {
		payload.Message = fmt.Sprintf("Tags build complete, %d failed", len(payload.Failed))
	}
	return newMessage(TypeComplete, payload)
}

func NewErrorMessage(message string, err error) Message {
	errMsg := message
	if err != nil {
		errMsg = fmt.Sprintf("%s: %v", message, err)
	}
	return newMessage(TypeError, ErrorPayload{Message: errMsg})
}

// ParseBuildPayload extracts the build payload from a message
func ParseBuildPayload(msg Message) (*BuildPayload, error) {
	var payload BuildPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse build payload: %w", err)
	}
	return &payload, nil
}
