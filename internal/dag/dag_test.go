package dag

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/johndauphine/shard-migrate/internal/plan"
)

func mustPlan(t *testing.T, table string, start, end time.Time, g plan.Granularity) *plan.Plan {
	t.Helper()
	p, err := plan.New(table, start, end, g)
	if err != nil {
		t.Fatalf("plan.New() error: %v", err)
	}
	return p
}

func testGraph(t *testing.T) *Graph {
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	apr := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	return Build([]*plan.Plan{
		mustPlan(t, "medical_services", jan, apr, plan.Monthly),
		mustPlan(t, "registers", jan, jan, plan.Monthly),
	}, Policies{
		Transfer:   RetryPolicy{MaxAttempts: 3, InitialBackoff: 5 * time.Second},
		Compaction: RetryPolicy{MaxAttempts: 2, Timeout: 6 * time.Hour},
	})
}

func TestBuildShape(t *testing.T) {
	g := testGraph(t)

	// 1 schema + 3 transfers + compact + verify, then schema + compact + verify, then finalize
	if len(g.Nodes) != 10 {
		t.Fatalf("got %d nodes, want 10", len(g.Nodes))
	}

	compact, ok := g.Node("compact:medical_services")
	if !ok {
		t.Fatal("compact node missing")
	}
	if len(compact.DependsOn) != 3 || compact.DependsOn[0] != "transfer:medical_services:2024-01-01:2024-02-01" {
		t.Errorf("compact depends on %v", compact.DependsOn)
	}
	if compact.Retry.MaxAttempts != 2 || compact.Retry.TimeoutText != "6h0m0s" {
		t.Errorf("compact retry = %+v", compact.Retry)
	}

	// An empty plan still orders compaction after schema.
	empty, _ := g.Node("compact:registers")
	if len(empty.DependsOn) != 1 || empty.DependsOn[0] != "schema:registers" {
		t.Errorf("empty table compact depends on %v", empty.DependsOn)
	}

	final, _ := g.Node(FinalizeID)
	if len(final.DependsOn) != 2 {
		t.Errorf("finalize depends on %v", final.DependsOn)
	}
}

func TestTopologicalOrder(t *testing.T) {
	g := testGraph(t)
	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder() error: %v", err)
	}
	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	for _, n := range g.Nodes {
		for _, dep := range n.DependsOn {
			if pos[dep] >= pos[n.ID] {
				t.Errorf("%s ordered before its dependency %s", n.ID, dep)
			}
		}
	}
	if order[len(order)-1] != FinalizeID {
		t.Errorf("last node = %s", order[len(order)-1])
	}
}

func TestValidateRejectsCycles(t *testing.T) {
	g := &Graph{Nodes: []Node{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}}
	if err := g.Validate(); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("Validate() = %v, want cycle error", err)
	}

	g = &Graph{Nodes: []Node{{ID: "a", DependsOn: []string{"missing"}}}}
	if err := g.Validate(); err == nil || !strings.Contains(err.Error(), "unknown node") {
		t.Errorf("Validate() = %v, want unknown node error", err)
	}
}

func TestExport(t *testing.T) {
	g := testGraph(t)
	g.RunID = "a1b2c3d4"

	var buf bytes.Buffer
	if err := g.WriteJSON(&buf); err != nil {
		t.Fatalf("WriteJSON() error: %v", err)
	}
	var decoded Graph
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error: %v", err)
	}
	if decoded.RunID != "a1b2c3d4" || len(decoded.Nodes) != len(g.Nodes) {
		t.Errorf("decoded = %+v", decoded)
	}
	if !strings.Contains(buf.String(), `"initial_backoff": "5s"`) {
		t.Errorf("JSON missing rendered backoff:\n%s", buf.String())
	}

	buf.Reset()
	if err := g.WriteYAML(&buf); err != nil {
		t.Fatalf("WriteYAML() error: %v", err)
	}
	var fromYAML Graph
	if err := yaml.Unmarshal(buf.Bytes(), &fromYAML); err != nil {
		t.Fatalf("yaml.Unmarshal() error: %v", err)
	}
	if len(fromYAML.Nodes) != len(g.Nodes) || fromYAML.Nodes[1].Kind != Transfer {
		t.Errorf("YAML round trip lost nodes: %+v", fromYAML.Nodes[:2])
	}
}

func TestParseID(t *testing.T) {
	hourly := plan.Window{
		Start: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC),
	}
	tests := []struct {
		id      string
		kind    Kind
		table   string
		start   time.Time
		wantErr bool
	}{
		{id: "schema:visits", kind: Schema, table: "visits"},
		{id: "compact:visits", kind: Compact, table: "visits"},
		{id: "verify:visits", kind: Verify, table: "visits"},
		{id: "finalize", kind: Finalize},
		{id: "transfer:visits:2024-01-01:2024-02-01", kind: Transfer, table: "visits", start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{id: TransferID("events", hourly), kind: Transfer, table: "events", start: hourly.Start},
		{id: "transfer:visits:2024-01-01", wantErr: true},
		{id: "load:visits", wantErr: true},
		{id: "schema:", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := ParseID(tt.id)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseID(%q) expected error", tt.id)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseID(%q) error: %v", tt.id, err)
			}
			if got.Kind != tt.kind || got.Table != tt.table {
				t.Errorf("ParseID(%q) = %+v", tt.id, got)
			}
			if !tt.start.IsZero() && !got.Window.Start.Equal(tt.start) {
				t.Errorf("ParseID(%q) start = %s, want %s", tt.id, got.Window.Start, tt.start)
			}
		})
	}
}
