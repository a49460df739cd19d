// Package dag describes a migration as a task graph for an external workflow
// scheduler and defines the TaskRunner contract used to execute single phases.
package dag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/johndauphine/shard-migrate/internal/plan"
)

// Kind is the phase a node executes.
type Kind string

const (
	Schema   Kind = "schema"
	Transfer Kind = "transfer"
	Compact  Kind = "compact"
	Verify   Kind = "verify"
	Finalize Kind = "finalize"
)

// TaskRunner executes one phase after re-checking that its dependencies have
// completed. Schedulers call it once per node.
type TaskRunner interface {
	RunPhase(ctx context.Context, phaseID string, dependsOn []string) error
	RetryPolicy(phaseID string) RetryPolicy
}

// RetryPolicy is the per-node retry setting handed to the scheduler.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `json:"-" yaml:"-"`
	MaxBackoff     time.Duration `json:"-" yaml:"-"`
	Timeout        time.Duration `json:"-" yaml:"-"`

	// Rendered durations for export.
	InitialBackoffText string `json:"initial_backoff,omitempty" yaml:"initial_backoff,omitempty"`
	MaxBackoffText     string `json:"max_backoff,omitempty" yaml:"max_backoff,omitempty"`
	TimeoutText        string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

func (p RetryPolicy) rendered() RetryPolicy {
	if p.InitialBackoff > 0 {
		p.InitialBackoffText = p.InitialBackoff.String()
	}
	if p.MaxBackoff > 0 {
		p.MaxBackoffText = p.MaxBackoff.String()
	}
	if p.Timeout > 0 {
		p.TimeoutText = p.Timeout.String()
	}
	return p
}

// Node is one schedulable task.
type Node struct {
	ID        string      `json:"id" yaml:"id"`
	Kind      Kind        `json:"kind" yaml:"kind"`
	Table     string      `json:"table,omitempty" yaml:"table,omitempty"`
	Start     string      `json:"window_start,omitempty" yaml:"window_start,omitempty"`
	End       string      `json:"window_end,omitempty" yaml:"window_end,omitempty"`
	DependsOn []string    `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Retry     RetryPolicy `json:"retry" yaml:"retry"`
}

// Graph is the full migration DAG.
type Graph struct {
	RunID string `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Nodes []Node `json:"nodes" yaml:"nodes"`
}

// Policies assigns retry settings per node kind.
type Policies struct {
	Schema     RetryPolicy
	Transfer   RetryPolicy
	Compaction RetryPolicy
	Verify     RetryPolicy
}

// For returns the policy for a node kind.
func (p Policies) For(kind Kind) RetryPolicy {
	switch kind {
	case Transfer:
		return p.Transfer
	case Compact:
		return p.Compaction
	case Verify:
		return p.Verify
	case Schema:
		return p.Schema
	default:
		return RetryPolicy{MaxAttempts: 1}
	}
}

// Build lays out schema -> transfer units -> compact -> verify per table and
// a single finalize node depending on every verify node.
func Build(plans []*plan.Plan, policies Policies) *Graph {
	g := &Graph{}
	var verifies []string
	for _, p := range plans {
		schemaID := SchemaID(p.Table)
		g.add(Node{ID: schemaID, Kind: Schema, Table: p.Table}, policies)

		var transfers []string
		for w := range p.Windows() {
			id := TransferID(p.Table, w)
			aligned := w.DateAligned()
			g.add(Node{
				ID:        id,
				Kind:      Transfer,
				Table:     p.Table,
				Start:     plan.FormatBound(w.Start, aligned),
				End:       plan.FormatBound(w.End, aligned),
				DependsOn: []string{schemaID},
			}, policies)
			transfers = append(transfers, id)
		}
		if len(transfers) == 0 {
			transfers = []string{schemaID}
		}

		compactID := CompactID(p.Table)
		g.add(Node{ID: compactID, Kind: Compact, Table: p.Table, DependsOn: transfers}, policies)

		verifyID := VerifyID(p.Table)
		g.add(Node{ID: verifyID, Kind: Verify, Table: p.Table, DependsOn: []string{compactID}}, policies)
		verifies = append(verifies, verifyID)
	}
	g.add(Node{ID: FinalizeID, Kind: Finalize, DependsOn: verifies}, policies)
	return g
}

func (g *Graph) add(n Node, policies Policies) {
	n.Retry = policies.For(n.Kind).rendered()
	g.Nodes = append(g.Nodes, n)
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Validate checks that every dependency exists and that the graph is acyclic.
func (g *Graph) Validate() error {
	_, err := g.TopologicalOrder()
	return err
}

// TopologicalOrder returns node ids so that every node follows its dependencies.
func (g *Graph) TopologicalOrder() ([]string, error) {
	index := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		if _, dup := index[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node %s", n.ID)
		}
		index[n.ID] = n
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	marks := make(map[string]int, len(g.Nodes))
	order := make([]string, 0, len(g.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		switch marks[id] {
		case visiting:
			return fmt.Errorf("cycle through %s", id)
		case visited:
			return nil
		}
		marks[id] = visiting
		for _, dep := range index[id].DependsOn {
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("node %s depends on unknown node %s", id, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		marks[id] = visited
		order = append(order, id)
		return nil
	}
	for _, n := range g.Nodes {
		if err := visit(n.ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// WriteJSON exports the graph as indented JSON.
func (g *Graph) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(g)
}

// WriteYAML exports the graph as YAML.
func (g *Graph) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(g); err != nil {
		return err
	}
	return enc.Close()
}

// FinalizeID is the id of the last node of every graph.
const FinalizeID = "finalize"

// compactBound is used for windows that are not midnight-aligned; it keeps
// colons out of node ids.
const compactBound = "20060102T150405Z"

func SchemaID(table string) string  { return "schema:" + table }
func CompactID(table string) string { return "compact:" + table }
func VerifyID(table string) string  { return "verify:" + table }

// TransferID is transfer:<table>:<start>:<end>.
func TransferID(table string, w plan.Window) string {
	if w.DateAligned() {
		return fmt.Sprintf("transfer:%s:%s:%s", table, w.Start.Format("2006-01-02"), w.End.Format("2006-01-02"))
	}
	return fmt.Sprintf("transfer:%s:%s:%s", table, w.Start.UTC().Format(compactBound), w.End.UTC().Format(compactBound))
}

// ID is a parsed node id.
type ID struct {
	Kind   Kind
	Table  string
	Window plan.Window
}

// ParseID splits a node id into its parts.
func ParseID(id string) (ID, error) {
	if id == FinalizeID {
		return ID{Kind: Finalize}, nil
	}
	parts := strings.Split(id, ":")
	if len(parts) < 2 || parts[1] == "" {
		return ID{}, fmt.Errorf("invalid phase id %q", id)
	}
	kind := Kind(parts[0])
	switch kind {
	case Schema, Compact, Verify:
		if len(parts) != 2 {
			return ID{}, fmt.Errorf("invalid phase id %q", id)
		}
		return ID{Kind: kind, Table: parts[1]}, nil
	case Transfer:
		if len(parts) != 4 {
			return ID{}, fmt.Errorf("invalid transfer phase id %q (want transfer:<table>:<start>:<end>)", id)
		}
		start, err := parseBound(parts[2])
		if err != nil {
			return ID{}, err
		}
		end, err := parseBound(parts[3])
		if err != nil {
			return ID{}, err
		}
		return ID{Kind: Transfer, Table: parts[1], Window: plan.Window{Start: start, End: end}}, nil
	default:
		return ID{}, fmt.Errorf("unknown phase kind %q in %q", parts[0], id)
	}
}

func parseBound(s string) (time.Time, error) {
	if t, err := time.Parse(compactBound, s); err == nil {
		return t, nil
	}
	return plan.ParseDate(s)
}
