package graph

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidConnectionID = errors.New("invalid connection id")

// Connection ids have the form:
//
//	{source}:{sourcePort}->{target}:{targetPort}
//
// The port is everything after the last ':' on each side, so node ids may
// themselves contain ':'.

const (
	arrowSep = "->"
	portSep  = ":"
)

// Endpoint is one side of an edge: a node and one of its ports.
type Endpoint struct {
	Node string `json:"node"`
	Port string `json:"port"`
}

func (e Endpoint) String() string {
	return e.Node + portSep + e.Port
}

type RefEnd uint

const (
	RefSource RefEnd = 0
	RefTarget RefEnd = 1
)

type ConnectionID string

func NewConnectionID(source, target Endpoint) ConnectionID {
	return ConnectionID(source.String() + arrowSep + target.String())
}

func (r ConnectionID) String() string {
	return string(r)
}

// Endpoints splits the id back into its source and target endpoints.
func (r ConnectionID) Endpoints() (Endpoint, Endpoint, error) {
	toks := strings.Split(string(r), arrowSep)
	if len(toks) != 2 {
		return Endpoint{}, Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidConnectionID, string(r))
	}
	src, err := parseEndpoint(toks[0])
	if err != nil {
		return Endpoint{}, Endpoint{}, fmt.Errorf("%w: %q", err, string(r))
	}
	dst, err := parseEndpoint(toks[1])
	if err != nil {
		return Endpoint{}, Endpoint{}, fmt.Errorf("%w: %q", err, string(r))
	}
	return src, dst, nil
}

func (r ConnectionID) Source() (Endpoint, error) {
	src, _, err := r.Endpoints()
	return src, err
}

func (r ConnectionID) Target() (Endpoint, error) {
	_, dst, err := r.Endpoints()
	return dst, err
}

func parseEndpoint(s string) (Endpoint, error) {
	i := strings.LastIndex(s, portSep)
	if i <= 0 || i == len(s)-1 {
		return Endpoint{}, ErrInvalidConnectionID
	}
	return Endpoint{Node: s[:i], Port: s[i+1:]}, nil
}
