// Package threading reconstructs conversation trees over reply-linked feed
// messages. Hierarchies are derived on demand and never persisted.
package threading

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/patchlore/patchlore/internal/db"
	"github.com/patchlore/patchlore/internal/logging"
	"github.com/patchlore/patchlore/internal/models"
	"github.com/patchlore/patchlore/internal/resolve"
)

const (
	// maxCollectIterations caps the breadth-first reply expansion. Malformed
	// reference data must not turn collection into an unbounded walk.
	maxCollectIterations = 20

	// maxParentSearchDepth bounds the chain walk used to place a reply under
	// its nearest ancestor within a reply set.
	maxParentSearchDepth = 5

	// repliesPerLookup is the per-message fetch limit during collection.
	repliesPerLookup = 100
)

// NodeType labels a tree node for rendering.
type NodeType string

const (
	NodeCoverLetter NodeType = "cover_letter"
	NodeSubPatch    NodeType = "sub_patch"
	NodeReply       NodeType = "reply"
)

// Node is one message in a rendered conversation tree.
type Node struct {
	Message  *models.FeedMessage
	Children []*Node
	Depth    int
	Type     NodeType
}

// HierarchyEntry pairs a reply with its ordered child ids.
type HierarchyEntry struct {
	Reply    *models.FeedMessage
	Children []string
}

// Hierarchy is the derived reply structure for one patch: every reply keyed
// by message id plus the ordered list of roots (replies with no resolvable
// parent within the set).
type Hierarchy struct {
	Entries map[string]*HierarchyEntry
	Roots   []string
}

// TreeBuilder assembles reply hierarchies and full series trees from stored
// messages.
type TreeBuilder struct {
	messages *db.FeedMessageRepository
	logger   zerolog.Logger
}

// NewTreeBuilder creates a TreeBuilder over a message repository.
func NewTreeBuilder(messages *db.FeedMessageRepository) *TreeBuilder {
	return &TreeBuilder{
		messages: messages,
		logger:   logging.Component("threading"),
	}
}

// CollectReplies gathers every message that replies, directly or
// transitively, to the given patch. Expansion is breadth-first and capped.
func (b *TreeBuilder) CollectReplies(ctx context.Context, patchMessageID string) ([]*models.FeedMessage, error) {
	var all []*models.FeedMessage
	seen := make(map[string]struct{})
	queue := []string{patchMessageID}
	checked := make(map[string]struct{})

	for iteration := 0; len(queue) > 0 && iteration < maxCollectIterations; iteration++ {
		current := queue[0]
		queue = queue[1:]

		if _, done := checked[current]; done {
			continue
		}
		checked[current] = struct{}{}

		direct, err := b.messages.FindRepliesTo(ctx, current, repliesPerLookup)
		if err != nil {
			return nil, err
		}
		for _, reply := range direct {
			if _, dup := seen[reply.MessageIDHeader]; dup {
				continue
			}
			seen[reply.MessageIDHeader] = struct{}{}
			all = append(all, reply)
			if _, done := checked[reply.MessageIDHeader]; !done {
				queue = append(queue, reply.MessageIDHeader)
			}
		}
	}

	return all, nil
}

// BuildHierarchy derives the reply hierarchy for one patch from a flat reply
// list. A reply whose reference chain cannot be placed within the set
// becomes a root; roots and sibling lists are ordered by receipt time
// ascending.
func (b *TreeBuilder) BuildHierarchy(ctx context.Context, replies []*models.FeedMessage, patchMessageID string) (*Hierarchy, error) {
	h := &Hierarchy{Entries: make(map[string]*HierarchyEntry, len(replies))}

	for _, reply := range replies {
		h.Entries[reply.MessageIDHeader] = &HierarchyEntry{Reply: reply}
	}

	for _, reply := range replies {
		if reply.InReplyToHeader == "" {
			h.Roots = append(h.Roots, reply.MessageIDHeader)
			continue
		}

		ref := resolve.ExtractMessageID(reply.InReplyToHeader)
		if ref == "" || referencesMessage(ref, patchMessageID) {
			h.Roots = append(h.Roots, reply.MessageIDHeader)
			continue
		}

		parentID, err := b.findParentInSet(ctx, reply.InReplyToHeader, h.Entries, patchMessageID, maxParentSearchDepth)
		if err != nil {
			return nil, err
		}
		if parentID != "" {
			h.Entries[parentID].Children = append(h.Entries[parentID].Children, reply.MessageIDHeader)
		} else {
			h.Roots = append(h.Roots, reply.MessageIDHeader)
		}
	}

	byTime := func(ids []string) {
		sort.SliceStable(ids, func(i, j int) bool {
			return h.Entries[ids[i]].Reply.ReceivedAt.Before(h.Entries[ids[j]].Reply.ReceivedAt)
		})
	}
	byTime(h.Roots)
	for _, entry := range h.Entries {
		byTime(entry.Children)
	}

	return h, nil
}

// findParentInSet walks the reference chain until it lands on a reply that
// is part of the set. Direct replies to the patch have no parent here.
func (b *TreeBuilder) findParentInSet(ctx context.Context, inReplyTo string, entries map[string]*HierarchyEntry, patchMessageID string, depth int) (string, error) {
	if depth <= 0 || inReplyTo == "" {
		return "", nil
	}

	ref := resolve.ExtractMessageID(inReplyTo)
	if ref == "" {
		return "", nil
	}
	if referencesMessage(ref, patchMessageID) {
		return "", nil
	}

	if _, ok := entries[ref]; ok {
		return ref, nil
	}
	// Fuzzy pass for bracket and multi-reference variants.
	for id := range entries {
		if strings.Contains(id, ref) || strings.Contains(ref, id) {
			return id, nil
		}
	}

	msg, err := b.messages.FindByHeader(ctx, ref)
	if err != nil {
		if errors.Is(err, db.ErrFeedMessageNotFound) {
			return "", nil
		}
		return "", err
	}
	if msg.InReplyToHeader == "" {
		return "", nil
	}
	return b.findParentInSet(ctx, msg.InReplyToHeader, entries, patchMessageID, depth-1)
}

// BuildTree assembles the full conversation tree for a card: the root patch
// or cover letter, its series sub-patches, and every collected reply. A
// message whose parent is unknown attaches to the root rather than being
// dropped.
func (b *TreeBuilder) BuildTree(ctx context.Context, root *models.FeedMessage, card *models.PatchCard) (*Node, error) {
	all, err := b.collectSeriesMessages(ctx, root, card)
	if err != nil {
		return nil, err
	}

	messageMap := make(map[string]*models.FeedMessage, len(all))
	for _, msg := range all {
		messageMap[msg.MessageIDHeader] = msg
	}

	subPatchIDs := make(map[string]struct{}, len(card.SeriesPatches))
	for _, sub := range card.SeriesPatches {
		subPatchIDs[sub.MessageID] = struct{}{}
	}

	children := make(map[string][]*models.FeedMessage)
	for _, msg := range all {
		if msg.MessageIDHeader == root.MessageIDHeader {
			continue
		}

		parentID := resolve.ExtractMessageID(msg.InReplyToHeader)
		actualParent := root.MessageIDHeader
		if parentID != "" {
			if _, known := messageMap[parentID]; known {
				actualParent = parentID
			}
		}
		children[actualParent] = append(children[actualParent], msg)
	}

	for _, siblings := range children {
		sort.SliceStable(siblings, func(i, j int) bool {
			return siblings[i].ReceivedAt.Before(siblings[j].ReceivedAt)
		})
	}

	nodeType := func(msg *models.FeedMessage) NodeType {
		if msg.MessageIDHeader == root.MessageIDHeader {
			if card.IsCoverLetter {
				return NodeCoverLetter
			}
			return NodeSubPatch
		}
		if _, ok := subPatchIDs[msg.MessageIDHeader]; ok {
			return NodeSubPatch
		}
		return NodeReply
	}

	var build func(msg *models.FeedMessage, depth int) *Node
	build = func(msg *models.FeedMessage, depth int) *Node {
		node := &Node{Message: msg, Depth: depth, Type: nodeType(msg)}
		for _, child := range children[msg.MessageIDHeader] {
			node.Children = append(node.Children, build(child, depth+1))
		}
		return node
	}

	return build(root, 0), nil
}

// collectSeriesMessages gathers the root, every series sub-patch, and all
// replies to any of them, deduplicated by message id.
func (b *TreeBuilder) collectSeriesMessages(ctx context.Context, root *models.FeedMessage, card *models.PatchCard) ([]*models.FeedMessage, error) {
	toCollect := []string{root.MessageIDHeader}
	for _, sub := range card.SeriesPatches {
		if sub.MessageID != root.MessageIDHeader {
			toCollect = append(toCollect, sub.MessageID)
		}
	}

	var all []*models.FeedMessage
	seen := make(map[string]struct{})

	add := func(msg *models.FeedMessage) {
		if _, dup := seen[msg.MessageIDHeader]; dup {
			return
		}
		seen[msg.MessageIDHeader] = struct{}{}
		all = append(all, msg)
	}

	add(root)
	for _, id := range toCollect {
		if id != root.MessageIDHeader {
			msg, err := b.messages.FindByHeader(ctx, id)
			if err == nil {
				add(msg)
			} else if !errors.Is(err, db.ErrFeedMessageNotFound) {
				return nil, err
			}
		}

		replies, err := b.CollectReplies(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, reply := range replies {
			add(reply)
		}
	}

	return all, nil
}

// Flatten returns the tree in render order: depth-first with siblings
// already time-sorted, indentation given by Node.Depth.
func Flatten(root *Node) []*Node {
	if root == nil {
		return nil
	}
	out := make([]*Node, 0, 1+len(root.Children))
	var walk func(n *Node)
	walk = func(n *Node) {
		out = append(out, n)
		for _, child := range n.Children {
			walk(child)
		}
	}
	walk(root)
	return out
}

func referencesMessage(ref, patchMessageID string) bool {
	return ref == patchMessageID || strings.Contains(ref, patchMessageID) || strings.Contains(patchMessageID, ref)
}
