// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router implements the subscription tree: a trie over topic levels
// that stores subscriptions at the node where their filter ends.
package router

import (
	"strings"
	"sync"

	"github.com/absmach/brokerish/mqtt/packets"
	"github.com/absmach/brokerish/topics"
)

// Subscription is a topic filter owned by one client.
type Subscription struct {
	ClientID string
	Filter   topics.Filter
	Options  packets.SubOptions
	// ID is the subscription identifier sent in SUBSCRIBE, 0 if none.
	ID uint32
}

// Tree is the subscription tree. It is safe for concurrent use; lookups share
// a read lock and mutations take the write lock for the whole tree.
type Tree struct {
	mu   sync.RWMutex
	root *node
	// byClient lists the filters each client holds so they can be removed
	// without scanning the trie. Keys are canonical filters, one per node.
	byClient map[string]map[topics.Filter]struct{}
	count    int
}

type node struct {
	children map[string]*node
	// subs terminating at this node, keyed by client ID. A client holds at
	// most one subscription per filter.
	subs map[string]Subscription
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{
		root:     newNode(),
		byClient: make(map[string]map[topics.Filter]struct{}),
	}
}

func newNode() *node {
	return &node{
		children: make(map[string]*node),
		subs:     make(map[string]Subscription),
	}
}

func (n *node) empty() bool {
	return len(n.children) == 0 && len(n.subs) == 0
}

// Subscribe stores sub at the node its filter leads to, creating nodes on
// the way. The '+' and '#' levels are ordinary child keys at insertion time.
// An existing subscription of the same client to the same filter is replaced,
// and replaced reports that.
func (t *Tree) Subscribe(sub Subscription) (replaced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	filter := sub.Filter
	for {
		seg := filter.FirstSegment()
		child, ok := n.children[seg]
		if !ok {
			child = newNode()
			n.children[seg] = child
		}
		n = child
		rest, more := filter.RemainingSegments()
		if !more {
			break
		}
		filter = rest
	}

	_, replaced = n.subs[sub.ClientID]
	n.subs[sub.ClientID] = sub
	if !replaced {
		t.count++
	}

	filters, ok := t.byClient[sub.ClientID]
	if !ok {
		filters = make(map[topics.Filter]struct{})
		t.byClient[sub.ClientID] = filters
	}
	filters[sub.Filter.Canonical()] = struct{}{}
	return replaced
}

// Unsubscribe removes the client's subscription to filter and prunes nodes
// left without subscriptions or children. It reports whether a subscription existed.
func (t *Tree) Unsubscribe(clientID string, filter topics.Filter) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	filters, ok := t.byClient[clientID]
	if !ok {
		return false
	}
	key := filter.Canonical()
	if _, ok := filters[key]; !ok {
		return false
	}
	delete(filters, key)
	if len(filters) == 0 {
		delete(t.byClient, clientID)
	}
	if t.root.remove(key, clientID) {
		t.count--
		return true
	}
	return false
}

// RemoveClient removes every subscription held by clientID and returns how
// many were removed. Each filter is removed by a walk from the root.
func (t *Tree) RemoveClient(clientID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	filters, ok := t.byClient[clientID]
	if !ok {
		return 0
	}
	delete(t.byClient, clientID)

	removed := 0
	for filter := range filters {
		if t.root.remove(filter, clientID) {
			removed++
		}
	}
	t.count -= removed
	return removed
}

// remove deletes the subscription below n and prunes the child on the way
// back up when it is left empty.
func (n *node) remove(filter topics.Filter, clientID string) (removed bool) {
	seg := filter.FirstSegment()
	child, ok := n.children[seg]
	if !ok {
		return false
	}
	if rest, more := filter.RemainingSegments(); more {
		removed = child.remove(rest, clientID)
	} else if _, removed = child.subs[clientID]; removed {
		delete(child.subs, clientID)
	}
	if child.empty() {
		delete(n.children, seg)
	}
	return removed
}

// Match returns every subscription whose filter matches topic. At each level
// both the exact child and the '+' child are followed; a '#' child matches
// the rest of the topic including its parent level. Wildcards at the first
// level do not match topics starting with '$'. A client subscribed through
// several filters appears once per filter. Order is unspecified.
func (t *Tree) Match(topic topics.Topic) []Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	matched := acquireSubscriptionSlice()
	defer releaseSubscriptionSlice(matched)

	dollar := strings.HasPrefix(topic.FirstSegment(), "$")
	matchLevel(t.root, topic, !dollar, matched)
	if len(*matched) == 0 {
		return nil
	}
	return append([]Subscription(nil), (*matched)...)
}

func matchLevel(n *node, topic topics.Topic, wildcards bool, matched *[]Subscription) {
	rest, more := topic.RemainingSegments()
	if child, ok := n.children[topic.FirstSegment()]; ok {
		descend(child, rest, more, matched)
	}
	if !wildcards {
		return
	}
	if child, ok := n.children[topics.SingleLevel]; ok {
		descend(child, rest, more, matched)
	}
	if child, ok := n.children[topics.MultiLevel]; ok {
		collect(child, matched)
	}
}

func descend(n *node, rest topics.Topic, more bool, matched *[]Subscription) {
	if more {
		matchLevel(n, rest, true, matched)
		return
	}
	collect(n, matched)
	if hash, ok := n.children[topics.MultiLevel]; ok {
		collect(hash, matched)
	}
}

func collect(n *node, matched *[]Subscription) {
	for _, sub := range n.subs {
		*matched = append(*matched, sub)
	}
}

// InterestedClients returns the distinct IDs of clients with at least one
// subscription matching topic.
func (t *Tree) InterestedClients(topic topics.Topic) []string {
	subs := t.Match(topic)
	seen := make(map[string]struct{}, len(subs))
	clients := make([]string, 0, len(subs))
	for _, s := range subs {
		if _, ok := seen[s.ClientID]; ok {
			continue
		}
		seen[s.ClientID] = struct{}{}
		clients = append(clients, s.ClientID)
	}
	return clients
}

// Filters returns the canonical filters held by clientID.
func (t *Tree) Filters(clientID string) []topics.Filter {
	t.mu.RLock()
	defer t.mu.RUnlock()

	filters := make([]topics.Filter, 0, len(t.byClient[clientID]))
	for f := range t.byClient[clientID] {
		filters = append(filters, f)
	}
	return filters
}

// Len returns the number of stored subscriptions.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Nodes returns the number of nodes below the root.
func (t *Tree) Nodes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root.size() - 1
}

func (n *node) size() int {
	s := 1
	for _, c := range n.children {
		s += c.size()
	}
	return s
}
