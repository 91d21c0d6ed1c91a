package specloop

import (
	"fmt"
	"math"
	"sort"

	"saltdig/internal/domain"
	"saltdig/internal/saltdigerr"
)

// ValidateDAG checks a stored bounty graph's shape before it drives impact
// analysis: every dependency must reference a node that exists, node ids
// must be unique, and the dependency edges must be acyclic, since a change
// order's BFS has no cycle-breaking of its own.
func ValidateDAG(graph domain.BountyGraph) error {
	byID := make(map[string]domain.DAGNode, len(graph.Nodes))
	for _, n := range graph.Nodes {
		if _, dup := byID[n.ID]; dup {
			return saltdigerr.InvalidArgument("bounty_graph", "duplicate node id "+n.ID)
		}
		byID[n.ID] = n
	}
	for _, n := range graph.Nodes {
		for _, dep := range n.Depends {
			if _, ok := byID[dep]; !ok {
				return saltdigerr.InvalidArgument("bounty_graph", "node "+n.ID+" depends on unknown node "+dep)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(graph.Nodes))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return saltdigerr.InvalidArgument("bounty_graph", "cycle detected at node "+id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range byID[id].Depends {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, n := range graph.Nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// CalculateChangeImpact walks a listing's bounty DAG breadth-first from
// seedIDs against the reverse dependency map: nodes reached at depth 1
// are direct, depth >= 2 are transitive, seeds are changed. The result is
// deterministic and reproducible from the stored graph alone.
func CalculateChangeImpact(graph domain.BountyGraph, seedIDs []string) domain.ChangeImpact {
	byID := make(map[string]domain.DAGNode, len(graph.Nodes))
	for _, n := range graph.Nodes {
		byID[n.ID] = n
	}
	rev := make(map[string][]string)
	for _, n := range graph.Nodes {
		for _, dep := range n.Depends {
			rev[dep] = append(rev[dep], n.ID)
		}
	}

	seedSet := make(map[string]bool, len(seedIDs))
	for _, id := range seedIDs {
		seedSet[id] = true
	}

	depth := make(map[string]int)
	for _, id := range seedIDs {
		depth[id] = 0
	}
	queue := append([]string{}, seedIDs...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range rev[cur] {
			if _, seen := depth[next]; seen {
				continue
			}
			depth[next] = depth[cur] + 1
			queue = append(queue, next)
		}
	}

	var direct, transitive []string
	for id, d := range depth {
		switch {
		case seedSet[id]:
			continue
		case d == 1:
			direct = append(direct, id)
		case d >= 2:
			transitive = append(transitive, id)
		}
	}
	sort.Strings(direct)
	sort.Strings(transitive)
	changed := append([]string{}, seedIDs...)
	sort.Strings(changed)

	var costSum float64
	for id := range depth {
		costSum += byID[id].Cost
	}
	deltaCost := math.Ceil(costSum * 0.20)

	total := len(depth)
	risk := domain.RiskHigh
	switch {
	case total <= 2:
		risk = domain.RiskLow
	case total <= 5:
		risk = domain.RiskMedium
	}

	return domain.ChangeImpact{
		Changed:    changed,
		Direct:     direct,
		Transitive: transitive,
		Total:      total,
		DeltaCost:  deltaCost,
		Risk:       risk,
		Reasoning:  reasoningOf(len(changed), len(direct), len(transitive), risk),
	}
}

func reasoningOf(changed, direct, transitive int, risk string) string {
	return fmt.Sprintf("%s risk: %d changed, %d direct dependent(s), %d transitive dependent(s)", risk, changed, direct, transitive)
}
