package ig

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// AuthVersion selects which generation of the session endpoint to use.
// V1 and V2 return header tokens (CST / X-SECURITY-TOKEN); V3 returns an
// OAuth token pair in the response body.
type AuthVersion string

const (
	AuthV1 AuthVersion = "1"
	AuthV2 AuthVersion = "2"
	AuthV3 AuthVersion = "3"
)

// Credentials holds everything needed to open a session.
type Credentials struct {
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	APIKey    string `mapstructure:"api_key"`
	AccountID string `mapstructure:"account_id"`
}

// SessionToken is either a legacy header-token pair or an OAuth token.
// Exactly one of Legacy/OAuth is non-nil on an authenticated session.
type SessionToken struct {
	Legacy *LegacyToken
	OAuth  *OAuthToken
}

// LegacyToken carries the V1/V2 header tokens.
type LegacyToken struct {
	CST           string
	SecurityToken string
}

// OAuthToken wraps the V3 token pair. The embedded oauth2.Token carries
// access token, refresh token, token type and expiry.
type OAuthToken struct {
	oauth2.Token
	Scope string
}

// IsZero reports whether no token of either flavor is present.
func (t SessionToken) IsZero() bool { return t.Legacy == nil && t.OAuth == nil }

// Session is the authenticated state snapshot held by the AuthManager.
type Session struct {
	Version               AuthVersion
	Token                 SessionToken
	AccountID             string
	ClientID              string
	LightstreamerEndpoint string
	TimezoneOffset        float64
	ExpiresAt             time.Time
}

// Expired reports whether the session's declared lifetime has elapsed.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || !now.Before(s.ExpiresAt)
}

// StreamPassword renders the token in the form the streaming handshake
// expects in its LS_password slot.
func (s *Session) StreamPassword() string {
	switch {
	case s == nil || s.Token.IsZero():
		return ""
	case s.Token.Legacy != nil:
		return "CST-" + s.Token.Legacy.CST + "|XST-" + s.Token.Legacy.SecurityToken
	default:
		return "OAUTH-" + s.Token.OAuth.AccessToken
	}
}

// sessionRequest is the login request body. EncryptedPassword is only
// serialized for V1/V2 logins.
type sessionRequest struct {
	Identifier        string `json:"identifier"`
	Password          string `json:"password"`
	EncryptedPassword *bool  `json:"encryptedPassword,omitempty"`
}

// oauthTokenDTO mirrors the wire shape of the V3 oauthToken object.
// ExpiresIn arrives as a string of seconds, e.g. "60".
type oauthTokenDTO struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
	ExpiresIn    string `json:"expires_in"`
}

// lifetime parses ExpiresIn, falling back to the given default when the
// field is missing or malformed.
func (d *oauthTokenDTO) lifetime(def time.Duration) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(d.ExpiresIn))
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func (d *oauthTokenDTO) token(now time.Time, def time.Duration) *OAuthToken {
	return &OAuthToken{
		Token: oauth2.Token{
			AccessToken:  d.AccessToken,
			RefreshToken: d.RefreshToken,
			TokenType:    d.TokenType,
			Expiry:       now.Add(d.lifetime(def)),
		},
		Scope: d.Scope,
	}
}

// sessionResponse is the login response body shared by all versions.
// V1/V2 populate currentAccountId; V3 populates accountId and oauthToken.
type sessionResponse struct {
	AccountID             string         `json:"accountId"`
	CurrentAccountID      string         `json:"currentAccountId"`
	ClientID              string         `json:"clientId"`
	LightstreamerEndpoint string         `json:"lightstreamerEndpoint"`
	TimezoneOffset        float64        `json:"timezoneOffset"`
	OAuthToken            *oauthTokenDTO `json:"oauthToken"`
}

func (r *sessionResponse) accountID() string {
	if r.AccountID != "" {
		return r.AccountID
	}
	return r.CurrentAccountID
}

// refreshRequest is the body of POST /session/refresh-token.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// switchRequest is the body of PUT /session.
type switchRequest struct {
	AccountID      string `json:"accountId"`
	DefaultAccount bool   `json:"defaultAccount"`
}

// SwitchAccountResponse reports the capabilities of the account switched to.
type SwitchAccountResponse struct {
	DealingEnabled        bool `json:"dealingEnabled"`
	HasActiveDemoAccounts bool `json:"hasActiveDemoAccounts"`
	HasActiveLiveAccounts bool `json:"hasActiveLiveAccounts"`
	TrailingStopsEnabled  bool `json:"trailingStopsEnabled"`
}
