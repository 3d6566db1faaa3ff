// Copyright 2026 The OpenAgents Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"sync"

	"github.com/openagents-org/openagents-go/pkg/types"
)

// PushHandler delivers an event to a streaming connection. It must hand the
// event off quickly (a buffered writer channel); a returned error marks the
// connection dead and the agent is dropped.
type PushHandler func(e *types.Event) error

// agentQueue is the per-agent delivery buffer. All enqueues for one
// recipient serialize on its mutex, which is what keeps a multi-recipient
// fan-out from interleaving with that recipient's teardown.
type agentQueue struct {
	mu     sync.Mutex
	items  []*types.Event
	cap    int
	wake   chan struct{}
	push   PushHandler
	closed bool

	dropped int64 // oldest-dropped count, reported in health
}

func newAgentQueue(capacity int) *agentQueue {
	return &agentQueue{
		cap:  capacity,
		wake: make(chan struct{}, 1),
	}
}

// enqueue appends an event or hands it to the push handler. Returns false
// when the queue is closed or the push handler failed.
func (q *agentQueue) enqueue(e *types.Event) (pushErr error, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false
	}
	if q.push != nil {
		if err := q.push(e); err != nil {
			return err, false
		}
		return nil, true
	}
	if len(q.items) >= q.cap {
		// Poll queues drop-oldest beyond the cap.
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, e)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil, true
}

// drain removes up to max queued events.
func (q *agentQueue) drain(max int) []*types.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	out := make([]*types.Event, n)
	copy(out, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	return out
}

func (q *agentQueue) setPush(fn PushHandler) {
	q.mu.Lock()
	q.push = fn
	q.mu.Unlock()
}

func (q *agentQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close marks the queue dead so in-flight fan-outs skip it.
func (q *agentQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.push = nil
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
