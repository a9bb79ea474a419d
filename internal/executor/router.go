package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudflair/warden/internal/storage"
)

// ChangeRouter routes an authorized change to the adapter for its action
// kind: flag changes mutate the flag table, content proposals go to the
// content service, generic actions are audit no-ops.
type ChangeRouter struct {
	Flags   *FlagApplier
	Content *Webhook
}

// ExecuteChange performs the side effect of an approved change.
func (r *ChangeRouter) ExecuteChange(ctx context.Context, c *storage.Change) (json.RawMessage, error) {
	switch c.Action {
	case storage.ActionFlagChange:
		if r.Flags == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownType, c.Action)
		}
		return r.Flags.Apply(ctx, c.AgentID, c.Payload)
	case storage.ActionContentProposal:
		if r.Content == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownType, c.Action)
		}
		return r.Content.Post(ctx, c.Payload)
	case storage.ActionGeneric:
		return Noop(ctx, c.Payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, c.Action)
	}
}
