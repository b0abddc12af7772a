// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"fmt"
	"sync"
	"testing"

	"github.com/absmach/brokerish/mqtt/packets"
	"github.com/absmach/brokerish/topics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sub(clientID string, filter topics.Filter) Subscription {
	return Subscription{ClientID: clientID, Filter: filter}
}

func TestTree_WildcardAndExactUnion(t *testing.T) {
	tree := New()
	tree.Subscribe(sub("wild", "a/+"))
	tree.Subscribe(sub("exact", "a/b"))
	tree.Subscribe(sub("top", "+"))

	assert.ElementsMatch(t, []string{"wild", "exact"}, tree.InterestedClients("a/b"))
	assert.ElementsMatch(t, []string{"top"}, tree.InterestedClients("x"))
	assert.Empty(t, tree.InterestedClients("a/b/c"))
	assert.Nil(t, tree.Match("nothing/here"))
}

func TestTree_MultiLevelWildcard(t *testing.T) {
	tree := New()
	tree.Subscribe(sub("all", "#"))
	tree.Subscribe(sub("sensors", "sensors/#"))
	tree.Subscribe(sub("mixed", "+/room1/#"))

	assert.ElementsMatch(t, []string{"all", "sensors"}, tree.InterestedClients("sensors"))
	assert.ElementsMatch(t, []string{"all", "sensors"}, tree.InterestedClients("sensors/temp/1"))
	assert.ElementsMatch(t, []string{"all", "sensors", "mixed"}, tree.InterestedClients("sensors/room1"))
	assert.ElementsMatch(t, []string{"all", "mixed"}, tree.InterestedClients("home/room1/lamp"))
}

func TestTree_DollarTopics(t *testing.T) {
	tree := New()
	tree.Subscribe(sub("all", "#"))
	tree.Subscribe(sub("plus", "+/broker"))
	tree.Subscribe(sub("sys", "$SYS/#"))
	tree.Subscribe(sub("sysplus", "$SYS/+"))

	assert.ElementsMatch(t, []string{"sys", "sysplus"}, tree.InterestedClients("$SYS/broker"))
	assert.ElementsMatch(t, []string{"all", "plus"}, tree.InterestedClients("SYS/broker"))
}

func TestTree_MatchesOracle(t *testing.T) {
	filters := []topics.Filter{"a", "a/", "a/b", "a/+", "+/b", "+/+", "#", "a/#", "+/#", "a/b/c", "a/+/c", "$SYS/#", "b/+/#"}
	topicNames := []topics.Topic{"a", "a/", "/", "b", "a/b", "a/b/", "a/c", "b/b", "a/b/c", "a/x/c", "b/x/y/z", "$SYS/x", "$SYS"}

	tree := New()
	for i, f := range filters {
		tree.Subscribe(sub(fmt.Sprintf("c%d", i), f))
	}

	for _, topic := range topicNames {
		var want []string
		for i, f := range filters {
			if topics.Match(f, topic) {
				want = append(want, fmt.Sprintf("c%d", i))
			}
		}
		assert.ElementsMatch(t, want, tree.InterestedClients(topic), "topic %q", topic)
	}
}

func TestTree_OneSubscriptionPerClientAndFilter(t *testing.T) {
	tree := New()
	assert.False(t, tree.Subscribe(Subscription{ClientID: "c1", Filter: "a/b", ID: 1}))
	assert.True(t, tree.Subscribe(Subscription{ClientID: "c1", Filter: "a/b", ID: 2, Options: packets.SubOptions{NoLocal: true}}))
	assert.Equal(t, 1, tree.Len())

	subs := tree.Match("a/b")
	require.Len(t, subs, 1)
	assert.Equal(t, uint32(2), subs[0].ID)
	assert.True(t, subs[0].Options.NoLocal)
}

func TestTree_ClientWithSeveralFiltersMatchesOncePerFilter(t *testing.T) {
	tree := New()
	tree.Subscribe(sub("c1", "a/+"))
	tree.Subscribe(sub("c1", "a/b"))

	assert.Len(t, tree.Match("a/b"), 2)
	assert.Equal(t, []string{"c1"}, tree.InterestedClients("a/b"))
	assert.ElementsMatch(t, []topics.Filter{"a/+", "a/b"}, tree.Filters("c1"))
}

func TestTree_RemoveClientPrunes(t *testing.T) {
	tree := New()
	tree.Subscribe(sub("c1", "a/b/c"))
	tree.Subscribe(sub("c1", "a/+"))
	tree.Subscribe(sub("c2", "a/b"))
	require.Equal(t, 4, tree.Nodes())

	assert.Equal(t, 2, tree.RemoveClient("c1"))
	assert.Empty(t, tree.InterestedClients("a/b/c"))
	assert.Equal(t, []string{"c2"}, tree.InterestedClients("a/b"))
	assert.Equal(t, 2, tree.Nodes())
	assert.Empty(t, tree.Filters("c1"))

	// A second client can reuse the pruned filter.
	tree.Subscribe(sub("c3", "a/b/c"))
	assert.Equal(t, []string{"c3"}, tree.InterestedClients("a/b/c"))

	assert.Equal(t, 1, tree.RemoveClient("c2"))
	assert.Equal(t, 1, tree.RemoveClient("c3"))
	assert.Equal(t, 0, tree.Nodes())
	assert.Equal(t, 0, tree.Len())
	assert.Equal(t, 0, tree.RemoveClient("unknown"))
}

func TestTree_RemoveKeepsSharedNodes(t *testing.T) {
	tree := New()
	tree.Subscribe(sub("c1", "a/b"))
	tree.Subscribe(sub("c2", "a/b"))

	tree.RemoveClient("c1")
	assert.Equal(t, []string{"c2"}, tree.InterestedClients("a/b"))
	assert.Equal(t, 2, tree.Nodes())
}

func TestTree_Unsubscribe(t *testing.T) {
	tree := New()
	tree.Subscribe(sub("c1", "a/+"))
	tree.Subscribe(sub("c1", "a/b"))

	assert.True(t, tree.Unsubscribe("c1", "a/+"))
	assert.False(t, tree.Unsubscribe("c1", "a/+"))
	assert.False(t, tree.Unsubscribe("c2", "a/b"))
	assert.Equal(t, []topics.Filter{"a/b"}, tree.Filters("c1"))
	assert.Len(t, tree.Match("a/b"), 1)
	assert.Empty(t, tree.Match("a/c"))

	assert.True(t, tree.Unsubscribe("c1", "a/b"))
	assert.Equal(t, 0, tree.Nodes())
	assert.Equal(t, 0, tree.Len())
}

func TestTree_TrailingSeparatorSharesFilter(t *testing.T) {
	tree := New()
	assert.False(t, tree.Subscribe(sub("c1", "a")))
	assert.True(t, tree.Subscribe(sub("c1", "a/")))
	assert.Equal(t, 1, tree.Len())
	assert.Equal(t, []topics.Filter{"a"}, tree.Filters("c1"))

	assert.True(t, tree.Unsubscribe("c1", "a"))
	assert.False(t, tree.Unsubscribe("c1", "a/"))
	assert.Equal(t, 0, tree.Len())
	assert.Equal(t, 0, tree.Nodes())

	tree.Subscribe(sub("c1", "a/"))
	assert.True(t, tree.Unsubscribe("c1", "a"))
	assert.Empty(t, tree.Filters("c1"))
}

func TestTree_ConcurrentAccess(t *testing.T) {
	tree := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clientID := fmt.Sprintf("c%d", i)
			for j := 0; j < 200; j++ {
				f := topics.Filter(fmt.Sprintf("s/%d/+", j%10))
				tree.Subscribe(sub(clientID, f))
				tree.Match(topics.Topic(fmt.Sprintf("s/%d/x", j%10)))
				if j%3 == 0 {
					tree.Unsubscribe(clientID, f)
				}
			}
			tree.RemoveClient(clientID)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, tree.Len())
	assert.Equal(t, 0, tree.Nodes())
}

func BenchmarkTree_Match(b *testing.B) {
	tree := New()
	for i := 0; i < 1000; i++ {
		tree.Subscribe(sub(fmt.Sprintf("client%d", i), topics.Filter(fmt.Sprintf("sensor/room%d/temperature", i))))
	}
	tree.Subscribe(sub("wildcard1", "sensor/+/temperature"))
	tree.Subscribe(sub("wildcard2", "sensor/#"))

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			tree.Match(topics.Topic(fmt.Sprintf("sensor/room%d/temperature", i%1000)))
			i++
		}
	})
}
