package app

import (
	"github.com/acheong08/deptags/internal/orchestrator"
)

// NodeReport is the serializable outcome of one node.
type NodeReport struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Version    string `json:"version,omitempty"`
	Hash       string `json:"hash"`
	TagsPath   string `json:"tags_path"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
	Incomplete bool   `json:"incomplete,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Report summarises a build.
type Report struct {
	Stdlib *NodeReport    `json:"stdlib,omitempty"`
	Nodes  []NodeReport   `json:"nodes"`
	Counts map[string]int `json:"counts"`
}

// Failed returns the nodes that failed, the standard library included.
func (r *Report) Failed() []NodeReport {
	var failed []NodeReport
	if r.Stdlib != nil && r.Stdlib.State == orchestrator.Failed.String() {
		failed = append(failed, *r.Stdlib)
	}
	for _, n := range r.Nodes {
		if n.State == orchestrator.Failed.String() {
			failed = append(failed, n)
		}
	}
	return failed
}

func (r *Report) add(summary *orchestrator.Summary) {
	if r.Counts == nil {
		r.Counts = make(map[string]int)
	}
	if summary == nil {
		return
	}
	for _, res := range summary.Results {
		n := newNodeReport(res)
		r.Nodes = append(r.Nodes, *n)
		r.Counts[n.State]++
	}
}

func newNodeReport(res orchestrator.Result) *NodeReport {
	n := &NodeReport{
		State:      res.State.String(),
		Incomplete: res.Incomplete,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Node != nil {
		n.ID = res.Node.ID
		n.Name = res.Node.Name
		n.Version = res.Node.Version
		n.Hash = res.Node.Hash.String()
		n.TagsPath = res.Node.TagsPath
	}
	if res.Err != nil {
		n.Error = res.Err.Error()
	}
	return n
}
