package graph

import (
	"errors"
)

var ErrDuplicateNode = errors.New("duplicate node id")
var ErrPortNotFound = errors.New("port not found")

type NodeCollection interface {
	Count() uint
	Nodes() []*Node
}

// Node is a single processing step. Type selects the registered executor;
// Inputs and Outputs name the node's ports.
type Node struct {
	ID     string     `json:"id"`
	Name   string     `json:"name,omitempty"`
	Type   string     `json:"type"`
	Config NodeConfig `json:"config"`

	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
}

func (n *Node) Count() uint {
	return 1
}

func (n *Node) Nodes() []*Node {
	return []*Node{n}
}

// Output returns the endpoint for the named output port.
func (n *Node) Output(port string) (Endpoint, error) {
	if len(n.Outputs) == 0 {
		// Nodes that don't declare ports accept any port name.
		return Endpoint{Node: n.ID, Port: port}, nil
	}
	for _, o := range n.Outputs {
		if o == port {
			return Endpoint{Node: n.ID, Port: port}, nil
		}
	}
	return Endpoint{}, ErrPortNotFound
}

type Nodes []*Node

func (ns Nodes) Count() uint {
	return uint(len(ns))
}

func (ns Nodes) Nodes() []*Node {
	return ns
}
