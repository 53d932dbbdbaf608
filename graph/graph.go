package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/emicklei/dot"
)

var ErrNodeNotFound = errors.New("node not found in graph")

// Edge connects an output port of one node to an input port of another. Every
// edge becomes exactly one connection when the graph is run.
type Edge struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	Target     string `json:"target"`
	SourcePort string `json:"sourcePort"`
	TargetPort string `json:"targetPort"`
}

func (e Edge) From() Endpoint {
	return Endpoint{Node: e.Source, Port: e.SourcePort}
}

func (e Edge) To() Endpoint {
	return Endpoint{Node: e.Target, Port: e.TargetPort}
}

// ConnectionID returns the id of the connection carrying this edge.
func (e Edge) ConnectionID() ConnectionID {
	return NewConnectionID(e.From(), e.To())
}

// Graph is a workflow definition as produced by the editor layer.
type Graph struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

func NewGraph(id, name string) *Graph {
	return &Graph{
		ID:    id,
		Name:  name,
		Nodes: []Node{},
		Edges: []Edge{},
	}
}

func LoadFile(fn string) (*Graph, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

func Load(r io.Reader) (*Graph, error) {
	g := &Graph{}
	if err := json.NewDecoder(r).Decode(g); err != nil {
		return nil, fmt.Errorf("decoding graph: %w", err)
	}
	for i := range g.Edges {
		if g.Edges[i].ID == "" {
			g.Edges[i].ID = string(g.Edges[i].ConnectionID())
		}
	}
	return g, nil
}

// AddNode appends n to the graph. Node ids must be unique.
func (g *Graph) AddNode(n Node) (*Node, error) {
	if _, err := g.NodeByID(n.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
	}
	g.Nodes = append(g.Nodes, n)
	return &g.Nodes[len(g.Nodes)-1], nil
}

// Connect adds an edge from every node in start to every node in end.
func (g *Graph) Connect(start NodeCollection, sourcePort string, end NodeCollection, targetPort string) {
	for _, n1 := range start.Nodes() {
		for _, n2 := range end.Nodes() {
			e := Edge{
				Source:     n1.ID,
				Target:     n2.ID,
				SourcePort: sourcePort,
				TargetPort: targetPort,
			}
			e.ID = string(e.ConnectionID())
			g.Edges = append(g.Edges, e)
		}
	}
}

// EdgesFrom returns every edge leaving the given output endpoint.
func (g *Graph) EdgesFrom(start Endpoint) []*Edge {
	var edges []*Edge
	for i := 0; i < len(g.Edges); i++ {
		if g.Edges[i].From() == start {
			edges = append(edges, &g.Edges[i])
		}
	}
	return edges
}

// EdgesInto returns every edge whose target is the node with the given id.
func (g *Graph) EdgesInto(nodeID string) []*Edge {
	var edges []*Edge
	for i := 0; i < len(g.Edges); i++ {
		if g.Edges[i].Target == nodeID {
			edges = append(edges, &g.Edges[i])
		}
	}
	return edges
}

// LeafNodes returns the ids of nodes with no outgoing edges.
func (g *Graph) LeafNodes() []string {
	var leaves []string
	for _, node := range g.Nodes {
		total := 0
		for _, e := range g.Edges {
			if e.Source == node.ID {
				total++
			}
		}
		if total == 0 {
			leaves = append(leaves, node.ID)
		}
	}
	return leaves
}

func (g *Graph) NodeByID(id string) (*Node, error) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], nil
		}
	}
	return nil, ErrNodeNotFound
}

func (g *Graph) NodeByRef(ref ConnectionID, end RefEnd) (*Node, error) {
	src, dst, err := ref.Endpoints()
	if err != nil {
		return nil, err
	}
	if end == RefSource {
		return g.NodeByID(src.Node)
	}
	return g.NodeByID(dst.Node)
}

// WriteDot renders the graph in Graphviz format, labelling each edge with its
// ports.
func (g *Graph) WriteDot(w io.Writer) error {
	dg := dot.NewGraph(dot.Directed)
	if g.Name != "" {
		dg.Attr("label", g.Name)
	}
	for _, n := range g.Nodes {
		dg.Node(n.ID).Attr("label", fmt.Sprintf("%s\n(%s)", n.ID, n.Type))
	}
	for _, e := range g.Edges {
		n1, err := g.NodeByID(e.Source)
		if err != nil {
			return fmt.Errorf("edge %s: %w", e.ID, err)
		}
		n2, err := g.NodeByID(e.Target)
		if err != nil {
			return fmt.Errorf("edge %s: %w", e.ID, err)
		}
		dg.Edge(dg.Node(n1.ID), dg.Node(n2.ID)).Attr("label", e.SourcePort+" -> "+e.TargetPort)
	}

	_, err := w.Write([]byte(dg.String()))
	return err
}
