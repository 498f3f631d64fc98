// Package idgen generates human-facing reference codes.
package idgen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator issues unique, time-ordered codes.
type Generator struct {
	node   *snowflake.Node
	prefix string
}

// New creates a generator for the given node. Codes look like <prefix>-<base32>.
func New(nodeID int64, prefix string) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("init snowflake node %d: %w", nodeID, err)
	}
	return &Generator{node: node, prefix: prefix}, nil
}

// Code returns a new code.
func (g *Generator) Code() string {
	id := g.node.Generate().Base32()
	if g.prefix == "" {
		return id
	}
	return g.prefix + "-" + id
}
