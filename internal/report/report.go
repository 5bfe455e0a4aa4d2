// Package report aggregates the data an HTML/SVG renderer would need to
// visualize a completed build, without doing any rendering itself
// (rendering is out of scope, spec.md §1). Grounded on
// original_source/src/firebuild/report.cc's ProcessTree-to-report data
// assembly, minus the HTML templating that file also does.
package report

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/firebuild-go/firebuild/internal/proctree"
)

// Summary is the top-level aggregate a renderer's dashboard would show
// first: total CPU time, how many processes ran, and how many
// were shortcut from cache.
type Summary struct {
	ProcessCount     int     `json:"process_count"`
	ShortcutCount    int     `json:"shortcut_count"`
	TotalUTimeU      int64   `json:"total_utime_u"`
	TotalSTimeU      int64   `json:"total_stime_u"`
	AggrTimeU        int64   `json:"aggr_time_u"`
	CacheHitRatio    float64 `json:"cache_hit_ratio"`
}

// Node is one process in the report graph.
type Node struct {
	FbPid      int64  `json:"fb_pid"`
	Pid        int    `json:"pid"`
	Kind       string `json:"kind"`
	State      string `json:"state"`
	Executable string `json:"executable,omitempty"`
	Shortcut   bool   `json:"shortcut"`
	ExitStatus int64  `json:"exit_status"`
}

// EdgeKind distinguishes the two edge shapes a report graph carries.
type EdgeKind string

const (
	EdgeFork EdgeKind = "fork"
	EdgeExec EdgeKind = "exec"
	EdgePipe EdgeKind = "pipe"
)

// Edge is one directed edge: process->process (fork/exec) or
// process->pipe (pipe, identified by its opaque pipenet id via To).
type Edge struct {
	Kind EdgeKind `json:"kind"`
	From int64    `json:"from"`
	To   int64    `json:"to"`
}

// Graph is the full serializable process/pipe graph.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Report bundles Summary and Graph, the two pieces report.cc's HTML
// template consumed; this is everything upstream of that template.
type Report struct {
	Summary Summary `json:"summary"`
	Graph   Graph   `json:"graph"`
}

// Build walks tree and produces a Report. Grounded on report.cc's
// generate_html's traversal, replacing the HTML emission with plain data
// collection.
func Build(tree *proctree.Tree) Report {
	procs := tree.All()

	rep := Report{}
	var shortcuts int
	for _, p := range procs {
		node := Node{
			FbPid:      p.FbPid,
			Pid:        p.Pid,
			Kind:       p.Kind.String(),
			State:      p.State.String(),
			ExitStatus: p.ExitStatus,
		}
		if p.Exec != nil {
			node.Executable = p.Exec.Executable
			node.Shortcut = p.Exec.Shortcutted && p.State == proctree.StateFinalized
			if node.Shortcut {
				shortcuts++
			}
		}
		rep.Graph.Nodes = append(rep.Graph.Nodes, node)

		for _, c := range p.ForkChildren {
			rep.Graph.Edges = append(rep.Graph.Edges, Edge{Kind: EdgeFork, From: p.FbPid, To: c.FbPid})
		}
		if p.ExecChild != nil {
			rep.Graph.Edges = append(rep.Graph.Edges, Edge{Kind: EdgeExec, From: p.FbPid, To: p.ExecChild.FbPid})
		}
		for _, pipeID := range p.OutgoingPipeIDs {
			rep.Graph.Edges = append(rep.Graph.Edges, Edge{Kind: EdgePipe, From: p.FbPid, To: pipeID})
		}
	}

	rep.Summary.ProcessCount = len(procs)
	rep.Summary.ShortcutCount = shortcuts
	rep.Summary.AggrTimeU = tree.SumRusage()
	for _, p := range procs {
		rep.Summary.TotalUTimeU += p.UTimeU
		rep.Summary.TotalSTimeU += p.STimeU
	}
	if rep.Summary.ProcessCount > 0 {
		rep.Summary.CacheHitRatio = float64(shortcuts) / float64(rep.Summary.ProcessCount)
	}

	return rep
}

// MarshalJSON renders the report as indented JSON, for the "-r path"
// report file spec.md §6 names.
func (r Report) MarshalJSON() ([]byte, error) {
	type alias Report
	return json.MarshalIndent(alias(r), "", "  ")
}

// DOT renders the process/pipe graph as Graphviz DOT text. No DOT
// library appears anywhere in the retrieved corpus, so this is plain
// string building on the standard library, like the rest of
// internal/report (see DESIGN.md).
func (r Report) DOT() string {
	var b strings.Builder
	b.WriteString("digraph firebuild {\n")
	for _, n := range r.Graph.Nodes {
		label := fmt.Sprintf("%d", n.Pid)
		if n.Executable != "" {
			label = fmt.Sprintf("%s\\n%s", n.Executable, label)
		}
		style := ""
		if n.Shortcut {
			style = ` style=filled fillcolor=lightgreen`
		}
		fmt.Fprintf(&b, "  n%d [label=%q%s];\n", n.FbPid, label, style)
	}
	for _, e := range r.Graph.Edges {
		style := ""
		if e.Kind == EdgePipe {
			style = ` [style=dashed label="pipe"]`
			fmt.Fprintf(&b, "  n%d -> p%d%s;\n", e.From, e.To, style)
			continue
		}
		if e.Kind == EdgeFork {
			style = ` [label="fork"]`
		} else {
			style = ` [label="exec"]`
		}
		fmt.Fprintf(&b, "  n%d -> n%d%s;\n", e.From, e.To, style)
	}
	b.WriteString("}\n")
	return b.String()
}
