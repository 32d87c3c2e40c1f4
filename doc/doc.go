// Package doc holds the shared canvas document: a rooted, ordered tree of
// nodes with typed paint and layout properties. The document is a plain
// value owned by whichever component holds it; all cross-client coordination
// lives above this package.
package doc

import (
	"errors"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	ErrNodeMissing = errors.New("node does not exist")
	ErrDuplicateId = errors.New("node id already exists")
	ErrRemoveRoot  = errors.New("cannot remove the root node")
	ErrNotAChild   = errors.New("node is not a child of the target")
	ErrMissingRoot = errors.New("document has no root")
)

type Node struct {
	Id       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name,omitempty"`
	X        float64           `json:"x"`
	Y        float64           `json:"y"`
	Width    float64           `json:"width"`
	Height   float64           `json:"height"`
	Fill     string            `json:"fill,omitempty"`
	Stroke   string            `json:"stroke,omitempty"`
	Opacity  float64           `json:"opacity"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Children []*Node           `json:"children,omitempty"`
}

// Clone deep-copies the node and its subtree.
func (self *Node) Clone() *Node {
	next := &Node{
		Id:      self.Id,
		Type:    self.Type,
		Name:    self.Name,
		X:       self.X,
		Y:       self.Y,
		Width:   self.Width,
		Height:  self.Height,
		Fill:    self.Fill,
		Stroke:  self.Stroke,
		Opacity: self.Opacity,
	}
	if self.Attrs != nil {
		next.Attrs = maps.Clone(self.Attrs)
	}
	for _, child := range self.Children {
		next.Children = append(next.Children, child.Clone())
	}
	return next
}

func (self *Node) equal(other *Node) bool {
	if self.Id != other.Id ||
		self.Type != other.Type ||
		self.Name != other.Name ||
		self.X != other.X ||
		self.Y != other.Y ||
		self.Width != other.Width ||
		self.Height != other.Height ||
		self.Fill != other.Fill ||
		self.Stroke != other.Stroke ||
		self.Opacity != other.Opacity {
		return false
	}
	if !maps.Equal(self.Attrs, other.Attrs) {
		return false
	}
	if len(self.Children) != len(other.Children) {
		return false
	}
	for i, child := range self.Children {
		if !child.equal(other.Children[i]) {
			return false
		}
	}
	return true
}

// a partial property update. nil fields are untouched; Attrs entries are
// merged key by key
type Patch struct {
	Name    *string           `json:"name,omitempty"`
	X       *float64          `json:"x,omitempty"`
	Y       *float64          `json:"y,omitempty"`
	Width   *float64          `json:"width,omitempty"`
	Height  *float64          `json:"height,omitempty"`
	Fill    *string           `json:"fill,omitempty"`
	Stroke  *string           `json:"stroke,omitempty"`
	Opacity *float64          `json:"opacity,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

func (self *Patch) apply(node *Node) {
	if self.Name != nil {
		node.Name = *self.Name
	}
	if self.X != nil {
		node.X = *self.X
	}
	if self.Y != nil {
		node.Y = *self.Y
	}
	if self.Width != nil {
		node.Width = *self.Width
	}
	if self.Height != nil {
		node.Height = *self.Height
	}
	if self.Fill != nil {
		node.Fill = *self.Fill
	}
	if self.Stroke != nil {
		node.Stroke = *self.Stroke
	}
	if self.Opacity != nil {
		node.Opacity = *self.Opacity
	}
	if 0 < len(self.Attrs) {
		if node.Attrs == nil {
			node.Attrs = map[string]string{}
		}
		for key, value := range self.Attrs {
			node.Attrs[key] = value
		}
	}
}

type Document struct {
	Root *Node `json:"root"`
	// version of the last mutation accepted by the authority
	Version int64 `json:"version"`

	// node id -> node, lazily rebuilt after decode or structural change
	nodes map[string]*Node
}

func NewDocument(root *Node) *Document {
	return &Document{
		Root: root,
	}
}

func (self *Document) index() map[string]*Node {
	if self.nodes == nil {
		self.reindex()
	}
	return self.nodes
}

func (self *Document) reindex() {
	self.nodes = map[string]*Node{}
	if self.Root == nil {
		return
	}
	var visit func(node *Node)
	visit = func(node *Node) {
		self.nodes[node.Id] = node
		for _, child := range node.Children {
			visit(child)
		}
	}
	visit(self.Root)
}

func (self *Document) Node(nodeId string) *Node {
	return self.index()[nodeId]
}

func (self *Document) NodeCount() int {
	return len(self.index())
}

func (self *Document) Clone() *Document {
	next := &Document{
		Version: self.Version,
	}
	if self.Root != nil {
		next.Root = self.Root.Clone()
	}
	return next
}

func (self *Document) Equal(other *Document) bool {
	if self.Version != other.Version {
		return false
	}
	if (self.Root == nil) != (other.Root == nil) {
		return false
	}
	if self.Root == nil {
		return true
	}
	return self.Root.equal(other.Root)
}

// EqualTree compares structure and properties ignoring the version tag.
func (self *Document) EqualTree(other *Document) bool {
	if (self.Root == nil) != (other.Root == nil) {
		return false
	}
	if self.Root == nil {
		return true
	}
	return self.Root.equal(other.Root)
}

func (self *Document) ApplyPatch(targetId string, patch *Patch) error {
	node := self.index()[targetId]
	if node == nil {
		return fmt.Errorf("patch %s: %w", targetId, ErrNodeMissing)
	}
	patch.apply(node)
	return nil
}

// InsertNode adds node (with its subtree) as a child of parentId at index.
// index is clamped to the current child count.
func (self *Document) InsertNode(parentId string, index int, node *Node) error {
	if self.Root == nil {
		return ErrMissingRoot
	}
	parent := self.index()[parentId]
	if parent == nil {
		return fmt.Errorf("insert under %s: %w", parentId, ErrNodeMissing)
	}
	nodes := self.index()
	duplicate := false
	var visit func(n *Node)
	visit = func(n *Node) {
		if _, ok := nodes[n.Id]; ok {
			duplicate = true
		}
		for _, child := range n.Children {
			visit(child)
		}
	}
	visit(node)
	if duplicate {
		return fmt.Errorf("insert %s: %w", node.Id, ErrDuplicateId)
	}
	if index < 0 {
		index = 0
	}
	if len(parent.Children) < index {
		index = len(parent.Children)
	}
	parent.Children = slices.Insert(parent.Children, index, node)
	self.reindex()
	return nil
}

// RemoveNode removes the target node and its entire subtree.
func (self *Document) RemoveNode(targetId string) error {
	if self.Root == nil {
		return ErrMissingRoot
	}
	if self.Root.Id == targetId {
		return ErrRemoveRoot
	}
	if self.index()[targetId] == nil {
		return fmt.Errorf("remove %s: %w", targetId, ErrNodeMissing)
	}
	var visit func(node *Node) bool
	visit = func(node *Node) bool {
		for i, child := range node.Children {
			if child.Id == targetId {
				node.Children = slices.Delete(node.Children, i, i+1)
				return true
			}
			if visit(child) {
				return true
			}
		}
		return false
	}
	visit(self.Root)
	self.reindex()
	return nil
}

// ReorderChild moves childId within targetId's child list to toIndex,
// clamped to the list bounds.
func (self *Document) ReorderChild(targetId string, childId string, toIndex int) error {
	parent := self.index()[targetId]
	if parent == nil {
		return fmt.Errorf("reorder under %s: %w", targetId, ErrNodeMissing)
	}
	fromIndex := slices.IndexFunc(parent.Children, func(child *Node) bool {
		return child.Id == childId
	})
	if fromIndex < 0 {
		return fmt.Errorf("reorder %s: %w", childId, ErrNotAChild)
	}
	child := parent.Children[fromIndex]
	parent.Children = slices.Delete(parent.Children, fromIndex, fromIndex+1)
	if toIndex < 0 {
		toIndex = 0
	}
	if len(parent.Children) < toIndex {
		toIndex = len(parent.Children)
	}
	parent.Children = slices.Insert(parent.Children, toIndex, child)
	return nil
}
