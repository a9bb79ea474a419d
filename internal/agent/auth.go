// Package agent provides HMAC request signing and verification for the
// Warden agent control plane.
package agent

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// TimestampWindow is the default maximum age of a signed request before it is
// rejected. The boundary is inclusive: a request exactly at the window edge
// is still accepted.
const TimestampWindow = 5 * time.Minute

// Request headers carrying the authentication triple.
const (
	HeaderAgentID   = "X-Agent-ID"
	HeaderTimestamp = "X-Agent-Timestamp"
	HeaderSignature = "X-Agent-Signature"
)

// Authentication failures. ErrConfiguration is a server fault (a registered
// agent with no secret) and must never be surfaced to the caller in detail.
var (
	ErrMissingCredentials = errors.New("missing agent credentials")
	ErrStaleRequest       = errors.New("request timestamp outside allowed window")
	ErrUnknownAgent       = errors.New("unknown agent")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrConfiguration      = errors.New("agent secret not configured")
	ErrReplayed           = errors.New("signature already used")
)

// SecretLookup resolves an agent identifier to its shared secret. The second
// return distinguishes an unknown agent from a known agent whose secret is
// missing from configuration.
type SecretLookup interface {
	AgentSecret(agentID string) (secret string, known bool)
}

// Identity is the authenticated principal attached to a request after
// successful verification.
type Identity struct {
	AgentID string
}

// Sign computes the hex HMAC-SHA256 signature over the canonical message
//
//	agentID + ":" + timestamp + ":" + body
func Sign(secret, agentID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(agentID))
	mac.Write([]byte{':'})
	mac.Write([]byte(timestamp))
	mac.Write([]byte{':'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest adds X-Agent-ID, X-Agent-Timestamp, and X-Agent-Signature
// headers to an outgoing HTTP request.
func SignRequest(req *http.Request, agentID, secret string, body []byte) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(HeaderAgentID, agentID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(secret, agentID, ts, body))
}

// Verifier validates the authentication triple on incoming requests.
// Secrets come from an immutable registry loaded at startup; Window defaults
// to TimestampWindow when zero. An optional ReplayCache closes the
// replay-within-window gap; leaving it nil accepts that risk.
type Verifier struct {
	Secrets SecretLookup
	Window  time.Duration
	Replays *ReplayCache

	// now is overridable in tests.
	now func() time.Time
}

// NewVerifier returns a Verifier with the default timestamp window.
func NewVerifier(secrets SecretLookup) *Verifier {
	return &Verifier{Secrets: secrets, Window: TimestampWindow}
}

// Verify checks the header triple against the raw request body and returns
// the authenticated identity. Verification has no side effects beyond the
// optional replay-cache insertion.
func (v *Verifier) Verify(req *http.Request, body []byte) (Identity, error) {
	agentID := req.Header.Get(HeaderAgentID)
	tsStr := req.Header.Get(HeaderTimestamp)
	sigHex := req.Header.Get(HeaderSignature)

	if agentID == "" || tsStr == "" || sigHex == "" {
		return Identity{}, ErrMissingCredentials
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return Identity{}, ErrMissingCredentials
	}

	window := v.Window
	if window <= 0 {
		window = TimestampWindow
	}
	nowFn := v.now
	if nowFn == nil {
		nowFn = time.Now
	}
	drift := nowFn().Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(window.Seconds()) {
		return Identity{}, ErrStaleRequest
	}

	secret, known := v.Secrets.AgentSecret(agentID)
	if !known {
		return Identity{}, ErrUnknownAgent
	}
	if secret == "" {
		return Identity{}, ErrConfiguration
	}

	provided, err := hex.DecodeString(sigHex)
	if err != nil {
		return Identity{}, ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(agentID))
	mac.Write([]byte{':'})
	mac.Write([]byte(tsStr))
	mac.Write([]byte{':'})
	mac.Write(body)

	// hmac.Equal is constant time and handles length mismatches.
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return Identity{}, ErrInvalidSignature
	}

	if v.Replays != nil && !v.Replays.Mark(sigHex) {
		return Identity{}, ErrReplayed
	}

	return Identity{AgentID: agentID}, nil
}
