package vault

import (
	"context"

	"github.com/Spritz-Labs/spritz-vault/internal/domain/model"
)

// Broadcaster is the external signing/broadcast collaborator. The
// coordinator hands off fully-formed call parameters after marking a
// transaction executed and does not wait for on-chain inclusion: quorum
// bookkeeping must never block on broadcast latency or failure.
type Broadcaster interface {
	Submit(ctx context.Context, params model.ExecutionParams) error
}

// NopBroadcaster discards handoffs. Used when no collaborator is wired, e.g.
// in tests or when a separate process drains the ledger.
type NopBroadcaster struct{}

func (NopBroadcaster) Submit(context.Context, model.ExecutionParams) error { return nil }
