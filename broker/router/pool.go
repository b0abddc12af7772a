// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import "sync"

// Pool for the scratch slices Match collects into.
var subscriptionSlicePool = sync.Pool{
	New: func() any {
		s := make([]Subscription, 0, 64)
		return &s
	},
}

func acquireSubscriptionSlice() *[]Subscription {
	return subscriptionSlicePool.Get().(*[]Subscription)
}

// releaseSubscriptionSlice resets s and returns it to the pool. Entries are
// cleared so pooled slices do not pin filter strings.
func releaseSubscriptionSlice(s *[]Subscription) {
	clear(*s)
	*s = (*s)[:0]
	subscriptionSlicePool.Put(s)
}
