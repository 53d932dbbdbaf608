package graph

import (
	"errors"
	"fmt"
	"strings"
)

var ErrCycleDetected = errors.New("cycle detected")
var ErrInvalidGraph = errors.New("invalid graph")

// ExecutionOrder returns node ids such that every producer precedes its
// consumers. It walks the nodes in definition order and, depth first, visits
// all producers of a node before appending the node itself. A cycle yields
// ErrCycleDetected with the offending path.
func (g *Graph) ExecutionOrder() ([]string, error) {
	producers := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		producers[e.Target] = append(producers[e.Target], e.Source)
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.Nodes))
	order := make([]string, 0, len(g.Nodes))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			cycle := append(path, id)
			return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(cycle, " -> "))
		}
		if _, err := g.NodeByID(id); err != nil {
			return fmt.Errorf("%w: %s", err, id)
		}

		state[id] = visiting
		path = append(path, id)
		for _, p := range producers[id] {
			if err := visit(p, path); err != nil {
				return err
			}
		}
		state[id] = done
		order = append(order, id)
		return nil
	}

	for _, n := range g.Nodes {
		if err := visit(n.ID, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Validate checks the structural soundness of the definition: unique node
// ids, edges that reference existing nodes and declared ports, and no cycles.
func (g *Graph) Validate() error {
	seen := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node with empty id", ErrInvalidGraph)
		}
		if _, ok := seen[n.ID]; ok {
			return fmt.Errorf("%w: %w: %s", ErrInvalidGraph, ErrDuplicateNode, n.ID)
		}
		seen[n.ID] = struct{}{}
	}

	for _, e := range g.Edges {
		src, err := g.NodeByID(e.Source)
		if err != nil {
			return fmt.Errorf("%w: edge %s source %s: %w", ErrInvalidGraph, e.ID, e.Source, err)
		}
		if _, err := src.Output(e.SourcePort); err != nil {
			return fmt.Errorf("%w: edge %s source port %s: %w", ErrInvalidGraph, e.ID, e.SourcePort, err)
		}
		if _, err := g.NodeByID(e.Target); err != nil {
			return fmt.Errorf("%w: edge %s target %s: %w", ErrInvalidGraph, e.ID, e.Target, err)
		}
	}

	if _, err := g.ExecutionOrder(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidGraph, err)
	}
	return nil
}
