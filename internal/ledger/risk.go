package ledger

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/cloudflair/warden/internal/config"
	"github.com/cloudflair/warden/internal/executor"
	"github.com/cloudflair/warden/internal/storage"
)

// sensitiveMarkers escalate a flag_change to high risk when they appear in
// the target key, regardless of the submitting agent's class.
var sensitiveMarkers = []string{"production", "critical"}

// SensitiveKey reports whether a flag key matches the sensitive-key
// predicate.
func SensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

// DeriveRisk computes a change's risk level from the agent's static class,
// escalating flag changes that target sensitive keys.
func DeriveRisk(agentRisk config.Risk, action string, payload json.RawMessage) config.Risk {
	if action == storage.ActionFlagChange {
		var p executor.FlagPayload
		if err := json.Unmarshal(payload, &p); err == nil && SensitiveKey(p.Key) {
			return config.RiskHigh
		}
	}
	return agentRisk
}

// PayloadHash returns the hex SHA3-256 fingerprint of a payload, used for
// audit and dedup.
func PayloadHash(payload json.RawMessage) string {
	sum := sha3.Sum256(payload)
	return fmt.Sprintf("%x", sum)
}

// validatePayload rejects malformed submissions before anything is
// persisted.
func validatePayload(action string, payload json.RawMessage) error {
	switch action {
	case storage.ActionContentProposal, storage.ActionFlagChange, storage.ActionGeneric:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrValidation, action)
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return fmt.Errorf("%w: payload must be valid JSON", ErrValidation)
	}
	if action == storage.ActionFlagChange {
		var p executor.FlagPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if p.Key == "" {
			return fmt.Errorf("%w: flag_change requires key", ErrValidation)
		}
	}
	return nil
}
