package streaming

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddRemove(t *testing.T) {
	r := newRegistry()
	assert.Equal(t, 0, r.len())

	e := r.add(Subscription{ID: "MARKET-1", Kind: KindMarket, Item: "E1"}, 10)
	require.NotNil(t, e.market)
	assert.Nil(t, e.account)
	assert.Equal(t, 1, r.len())

	got, ok := r.get("MARKET-1")
	require.True(t, ok)
	assert.Equal(t, "E1", got.sub.Item)

	_, ok = r.remove("MARKET-1")
	assert.True(t, ok)
	_, ok = r.remove("MARKET-1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.len())
}

func TestRegistryDispatchMarket(t *testing.T) {
	r := newRegistry()
	e := r.add(Subscription{ID: "MARKET-1", Kind: KindMarket, Item: "E1"}, 1)

	payload := json.RawMessage(`{"epic":"E1","bid":1.10,"offer":1.11,"timestamp":1700000000}`)
	assert.Equal(t, dispatchDelivered, r.dispatch("MARKET-1", payload))

	upd := <-e.market
	assert.Equal(t, "E1", upd.Epic)
	assert.Equal(t, 1.10, upd.Bid)
	assert.Equal(t, 1.11, upd.Offer)
}

func TestRegistryDispatchAccount(t *testing.T) {
	r := newRegistry()
	e := r.add(Subscription{ID: "ACCOUNT-1", Kind: KindAccount, Item: "ABC123"}, 1)
	require.NotNil(t, e.account)

	payload := json.RawMessage(`{"accountId":"ABC123","updateType":"BALANCE","data":{"available":"100.0"}}`)
	assert.Equal(t, dispatchDelivered, r.dispatch("ACCOUNT-1", payload))

	upd := <-e.account
	assert.Equal(t, "ABC123", upd.AccountID)
	assert.Equal(t, "BALANCE", upd.UpdateType)
}

func TestRegistryDispatchUnknownID(t *testing.T) {
	r := newRegistry()
	assert.Equal(t, dispatchUnknownID, r.dispatch("nope", json.RawMessage(`{}`)))
}

func TestRegistryDispatchDecodeError(t *testing.T) {
	r := newRegistry()
	r.add(Subscription{ID: "MARKET-1", Kind: KindMarket, Item: "E1"}, 1)
	assert.Equal(t, dispatchDecodeError, r.dispatch("MARKET-1", json.RawMessage(`"not an object"`)))
}

func TestRegistryDispatchBufferFull(t *testing.T) {
	r := newRegistry()
	r.add(Subscription{ID: "MARKET-1", Kind: KindMarket, Item: "E1"}, 1)

	payload := json.RawMessage(`{"epic":"E1","bid":1,"offer":2,"timestamp":3}`)
	assert.Equal(t, dispatchDelivered, r.dispatch("MARKET-1", payload))
	// Consumer never drains: the second update is dropped, not blocked on.
	assert.Equal(t, dispatchBufferFull, r.dispatch("MARKET-1", payload))
}
