package protocol

import (
	"fmt"

	"github.com/canvaslink/canvaslink/doc"
)

type OpType string

const (
	OpPatch   OpType = "patch"
	OpInsert  OpType = "insert"
	OpRemove  OpType = "remove"
	OpReorder OpType = "reorder"
)

// one durable, addressed change to the document. Immutable once created.
// Version is zero until the authority accepts the mutation.
type Mutation struct {
	MutationId Id     `json:"mutationId"`
	ClientId   Id     `json:"clientId"`
	Seq        uint64 `json:"seq"`
	TargetId   string `json:"targetId"`
	Op         OpType `json:"op"`

	Patch   *doc.Patch `json:"patch,omitempty"`
	Insert  *InsertOp  `json:"insert,omitempty"`
	Reorder *ReorderOp `json:"reorder,omitempty"`

	Version int64 `json:"version,omitempty"`
}

type InsertOp struct {
	Index int       `json:"index"`
	Node  *doc.Node `json:"node"`
}

type ReorderOp struct {
	ChildId string `json:"childId"`
	ToIndex int    `json:"toIndex"`
}

func (self *Mutation) Validate() error {
	switch self.Op {
	case OpPatch:
		if self.Patch == nil {
			return fmt.Errorf("patch mutation without a patch")
		}
	case OpInsert:
		if self.Insert == nil || self.Insert.Node == nil {
			return fmt.Errorf("insert mutation without a node")
		}
	case OpRemove:
	case OpReorder:
		if self.Reorder == nil {
			return fmt.Errorf("reorder mutation without arguments")
		}
	default:
		return fmt.Errorf("unknown op: %s", self.Op)
	}
	if self.TargetId == "" {
		return fmt.Errorf("mutation without a target")
	}
	return nil
}

// ApplyMutation applies one mutation to the document. Structural mutations
// addressing a node that no longer exists fail atomically; the document is
// never left with a dangling reference. Inserts place a clone of the
// mutation's node so the document never aliases mutation memory: the
// mutation may be encoded or re-applied elsewhere while the document keeps
// changing.
func ApplyMutation(d *doc.Document, m *Mutation) error {
	if err := m.Validate(); err != nil {
		return err
	}
	switch m.Op {
	case OpPatch:
		return d.ApplyPatch(m.TargetId, m.Patch)
	case OpInsert:
		return d.InsertNode(m.TargetId, m.Insert.Index, m.Insert.Node.Clone())
	case OpRemove:
		return d.RemoveNode(m.TargetId)
	case OpReorder:
		return d.ReorderChild(m.TargetId, m.Reorder.ChildId, m.Reorder.ToIndex)
	}
	return fmt.Errorf("unknown op: %s", m.Op)
}
