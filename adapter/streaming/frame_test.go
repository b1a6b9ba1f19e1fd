package streaming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCreateFrameLayout(t *testing.T) {
	frame := sessionCreateFrame("IGCLIENT_abc", "DEMO", "ABC123", "CST-c1|XST-x1")
	want := "\r\n\r\n" +
		"LS_cid=IGCLIENT_abc\r\n" +
		"LS_adapter_set=DEMO\r\n" +
		"LS_user=ABC123\r\n" +
		"LS_password=CST-c1|XST-x1\r\n"
	assert.Equal(t, want, frame)
}

func TestHeartbeatFrame(t *testing.T) {
	assert.Equal(t, "\r\n\r\nLS_op=hb\r\n", heartbeatFrame())
}

func TestAddSubscriptionFrameLayout(t *testing.T) {
	frame := addSubscriptionFrame("MARKET-1", KindMarket, "CS.D.EURUSD.MINI.IP")
	want := "\r\n\r\n" +
		"LS_op=add\r\n" +
		"LS_subId=MARKET-1\r\n" +
		"LS_mode=MERGE\r\n" +
		"LS_group=MARKET:CS.D.EURUSD.MINI.IP\r\n" +
		"LS_schema=MARKET\r\n"
	assert.Equal(t, want, frame)
}

func TestDeleteSubscriptionFrameLayout(t *testing.T) {
	assert.Equal(t, "\r\n\r\nLS_op=delete\r\nLS_subId=ACCOUNT-1\r\n",
		deleteSubscriptionFrame("ACCOUNT-1"))
}

func TestClassifyHandshake(t *testing.T) {
	assert.Equal(t, handshakeAccepted, classifyHandshake("CONOK,sid,70000,5000,*"))
	assert.Equal(t, handshakeRebind, classifyHandshake("LOOP"))
	assert.Equal(t, handshakeRejected, classifyHandshake("CONERR,2,Licensed maximum exceeded"))
	assert.Equal(t, handshakeRejected, classifyHandshake("ERROR"))
	assert.Equal(t, handshakeRejected, classifyHandshake("something else"))
}

func TestNewClientID(t *testing.T) {
	id := newClientID()
	assert.True(t, strings.HasPrefix(id, "IGCLIENT_"))
	assert.NotContains(t, id, "-")
	assert.NotEqual(t, id, newClientID())
}

func TestNewSubscriptionID(t *testing.T) {
	assert.True(t, strings.HasPrefix(newSubscriptionID(KindMarket), "MARKET-"))
	assert.True(t, strings.HasPrefix(newSubscriptionID(KindAccount), "ACCOUNT-"))
}

func TestParseUpdate(t *testing.T) {
	msg, isJSON, err := parseUpdate(`{"type":"UPDATE","subscriptionId":"MARKET-1","data":{"epic":"E","bid":1.1}}`)
	require.NoError(t, err)
	require.True(t, isJSON)
	assert.Equal(t, "UPDATE", msg.Type)
	assert.Equal(t, "MARKET-1", msg.SubscriptionID)

	_, isJSON, err = parseUpdate("PROBE")
	assert.NoError(t, err)
	assert.False(t, isJSON)

	_, isJSON, err = parseUpdate(`{"type":"UPDATE",`)
	assert.True(t, isJSON)
	assert.Error(t, err)
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "wss://demo-apd.marketdatasystems.com/lightstreamer",
		normalizeEndpoint("https://demo-apd.marketdatasystems.com"))
	assert.Equal(t, "wss://apd.marketdatasystems.com/lightstreamer",
		normalizeEndpoint("wss://apd.marketdatasystems.com/lightstreamer"))
	assert.Equal(t, "", normalizeEndpoint("  "))
}
