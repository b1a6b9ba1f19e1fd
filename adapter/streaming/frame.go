package streaming

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// The wire protocol is CRLF-delimited key=value text. Control frames
// start with a blank line pair; key order is fixed and must not change.
const (
	frameSep    = "\r\n"
	framePrefix = "\r\n\r\n"

	markerConOK = "CONOK"
	markerLoop  = "LOOP"
	markerProbe = "PROBE"
	markerEnd   = "END"
)

// sessionCreateFrame opens a streaming session. password is the
// CST-...|XST-... pair (or the OAuth form) produced by the REST session.
func sessionCreateFrame(clientID, adapterSet, user, password string) string {
	var b strings.Builder
	b.WriteString(framePrefix)
	b.WriteString("LS_cid=" + clientID + frameSep)
	b.WriteString("LS_adapter_set=" + adapterSet + frameSep)
	b.WriteString("LS_user=" + user + frameSep)
	b.WriteString("LS_password=" + password + frameSep)
	return b.String()
}

func heartbeatFrame() string {
	return framePrefix + "LS_op=hb" + frameSep
}

func addSubscriptionFrame(id string, kind SubscriptionKind, item string) string {
	var b strings.Builder
	b.WriteString(framePrefix)
	b.WriteString("LS_op=add" + frameSep)
	b.WriteString("LS_subId=" + id + frameSep)
	b.WriteString("LS_mode=MERGE" + frameSep)
	b.WriteString("LS_group=" + string(kind) + ":" + item + frameSep)
	b.WriteString("LS_schema=" + string(kind) + frameSep)
	return b.String()
}

func deleteSubscriptionFrame(id string) string {
	return framePrefix + "LS_op=delete" + frameSep + "LS_subId=" + id + frameSep
}

// newClientID mints the LS_cid value, e.g. IGCLIENT_9f2c4e....
func newClientID() string {
	return "IGCLIENT_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// newSubscriptionID mints ids like MARKET-<uuid> / ACCOUNT-<uuid>.
func newSubscriptionID(kind SubscriptionKind) string {
	return string(kind) + "-" + uuid.NewString()
}

// handshakeResult classifies the server's answer to a session-create
// frame.
type handshakeResult int

const (
	handshakeAccepted handshakeResult = iota
	// handshakeRebind: the server asked for a rebind (LOOP); retry the
	// same candidate.
	handshakeRebind
	handshakeRejected
)

func classifyHandshake(frame string) handshakeResult {
	switch {
	case strings.Contains(frame, markerConOK):
		return handshakeAccepted
	case strings.Contains(frame, markerLoop):
		return handshakeRebind
	default:
		// Explicit error markers and anything unrecognized both count as
		// a rejection of this candidate.
		return handshakeRejected
	}
}

func isErrorFrame(frame string) bool {
	return strings.Contains(frame, "error") ||
		strings.Contains(frame, "Error") ||
		strings.Contains(frame, "ERROR")
}

// wsMessage is the JSON envelope data updates arrive in.
type wsMessage struct {
	Type           string          `json:"type"`
	SubscriptionID string          `json:"subscriptionId"`
	Data           json.RawMessage `json:"data"`
}

// parseUpdate decodes a data frame. Returns false when the frame is not
// a JSON update envelope at all.
func parseUpdate(frame string) (*wsMessage, bool, error) {
	trimmed := strings.TrimSpace(frame)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false, nil
	}
	var msg wsMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return nil, true, err
	}
	return &msg, true, nil
}
