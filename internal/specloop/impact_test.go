package specloop_test

import (
	"testing"

	"saltdig/internal/domain"
	"saltdig/internal/specloop"
)

func TestCalculateChangeImpactClassifiesByDepth(t *testing.T) {
	graph := domain.BountyGraph{
		Nodes: []domain.DAGNode{
			{ID: "root", Cost: 10},
			{ID: "direct-a", Cost: 20, Depends: []string{"root"}},
			{ID: "direct-b", Cost: 5, Depends: []string{"root"}},
			{ID: "transitive-a", Cost: 15, Depends: []string{"direct-a"}},
			{ID: "unrelated", Cost: 100},
		},
	}

	impact := specloop.CalculateChangeImpact(graph, []string{"root"})

	if len(impact.Changed) != 1 || impact.Changed[0] != "root" {
		t.Fatalf("changed = %v, want [root]", impact.Changed)
	}
	if len(impact.Direct) != 2 {
		t.Fatalf("direct = %v, want 2 entries", impact.Direct)
	}
	if len(impact.Transitive) != 1 || impact.Transitive[0] != "transitive-a" {
		t.Fatalf("transitive = %v, want [transitive-a]", impact.Transitive)
	}
	if impact.Total != 4 {
		t.Fatalf("total = %d, want 4 (unrelated excluded)", impact.Total)
	}
	// cost sum over reached nodes = 10 + 20 + 5 + 15 = 50; 20% = 10.
	if impact.DeltaCost != 10 {
		t.Fatalf("delta_cost = %v, want 10", impact.DeltaCost)
	}
	if impact.Risk != domain.RiskMedium {
		t.Fatalf("risk = %s, want medium (total=4)", impact.Risk)
	}
}

func TestCalculateChangeImpactLowRiskForSmallBlastRadius(t *testing.T) {
	graph := domain.BountyGraph{
		Nodes: []domain.DAGNode{
			{ID: "a", Cost: 1},
			{ID: "b", Cost: 1, Depends: []string{"a"}},
		},
	}
	impact := specloop.CalculateChangeImpact(graph, []string{"a"})
	if impact.Risk != domain.RiskLow {
		t.Fatalf("risk = %s, want low", impact.Risk)
	}
}

func TestValidateDAGAcceptsValidGraph(t *testing.T) {
	graph := domain.BountyGraph{
		Nodes: []domain.DAGNode{
			{ID: "root", Cost: 10},
			{ID: "direct-a", Cost: 20, Depends: []string{"root"}},
		},
	}
	if err := specloop.ValidateDAG(graph); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateDAGRejectsUnknownDependency(t *testing.T) {
	graph := domain.BountyGraph{
		Nodes: []domain.DAGNode{
			{ID: "a", Cost: 1, Depends: []string{"missing"}},
		},
	}
	if err := specloop.ValidateDAG(graph); err == nil {
		t.Fatalf("expected error for dependency on unknown node")
	}
}

func TestValidateDAGRejectsCycle(t *testing.T) {
	graph := domain.BountyGraph{
		Nodes: []domain.DAGNode{
			{ID: "a", Cost: 1, Depends: []string{"b"}},
			{ID: "b", Cost: 1, Depends: []string{"a"}},
		},
	}
	if err := specloop.ValidateDAG(graph); err == nil {
		t.Fatalf("expected error for cyclic graph")
	}
}

func TestValidateDAGRejectsDuplicateID(t *testing.T) {
	graph := domain.BountyGraph{
		Nodes: []domain.DAGNode{
			{ID: "a", Cost: 1},
			{ID: "a", Cost: 2},
		},
	}
	if err := specloop.ValidateDAG(graph); err == nil {
		t.Fatalf("expected error for duplicate node id")
	}
}

func TestCalculateChangeImpactHighRiskForLargeBlastRadius(t *testing.T) {
	nodes := []domain.DAGNode{{ID: "root", Cost: 1}}
	prev := "root"
	for i := 0; i < 6; i++ {
		id := "n" + string(rune('a'+i))
		nodes = append(nodes, domain.DAGNode{ID: id, Cost: 1, Depends: []string{prev}})
		prev = id
	}
	graph := domain.BountyGraph{Nodes: nodes}
	impact := specloop.CalculateChangeImpact(graph, []string{"root"})
	if impact.Risk != domain.RiskHigh {
		t.Fatalf("risk = %s, want high (total=%d)", impact.Risk, impact.Total)
	}
}
