package streaming

import (
	"encoding/json"
	"sync"
)

// entry pairs a subscription with its consumer channel. Only the channel
// matching the kind is non-nil.
type entry struct {
	sub     Subscription
	market  chan MarketUpdate
	account chan AccountUpdate
}

// registry is the mutex-guarded subscription table. It is touched from
// API calls and from the reader goroutine; no lock is ever held across
// network I/O.
type registry struct {
	mu   sync.RWMutex
	subs map[string]*entry
}

func newRegistry() *registry {
	return &registry{subs: make(map[string]*entry)}
}

func (r *registry) add(sub Subscription, buffer int) *entry {
	e := &entry{sub: sub}
	switch sub.Kind {
	case KindAccount:
		e.account = make(chan AccountUpdate, buffer)
	default:
		e.market = make(chan MarketUpdate, buffer)
	}
	r.mu.Lock()
	r.subs[sub.ID] = e
	r.mu.Unlock()
	return e
}

func (r *registry) remove(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	return e, ok
}

func (r *registry) get(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.subs[id]
	return e, ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// all returns a snapshot of the registered subscriptions.
func (r *registry) all() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscription, 0, len(r.subs))
	for _, e := range r.subs {
		out = append(out, e.sub)
	}
	return out
}

// dispatchResult says what happened to one update.
type dispatchResult int

const (
	dispatchDelivered dispatchResult = iota
	dispatchUnknownID
	dispatchDecodeError
	dispatchBufferFull
)

// dispatch routes one decoded update envelope to its consumer channel.
// Sends never block: a full consumer drops the update.
func (r *registry) dispatch(id string, data json.RawMessage) dispatchResult {
	e, ok := r.get(id)
	if !ok {
		return dispatchUnknownID
	}

	if e.account != nil {
		var upd AccountUpdate
		if err := json.Unmarshal(data, &upd); err != nil {
			return dispatchDecodeError
		}
		select {
		case e.account <- upd:
			return dispatchDelivered
		default:
			return dispatchBufferFull
		}
	}

	var upd MarketUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		return dispatchDecodeError
	}
	select {
	case e.market <- upd:
		return dispatchDelivered
	default:
		return dispatchBufferFull
	}
}
