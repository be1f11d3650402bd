// Package id generates the database identifiers for runs, targets, ledger
// entries and outbox rows. Ids are snowflakes: time ordered, so created_at
// ties in the event log can be broken by id.
package id

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init wires the process-wide generator. Each process needs a distinct node
// id (server and worker use different ones) so ids never collide across
// instances. Repeated calls are no-ops.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New returns the next id. Init must have run first.
func New() int64 {
	return node.Generate().Int64()
}
