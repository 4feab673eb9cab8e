package orchestrator

import (
	"context"
	"fmt"

	"github.com/usdc-relay/cctp-orchestrator/internal/leases"
	"github.com/usdc-relay/cctp-orchestrator/internal/transfer"
)

const defaultListLimit = 100

// List returns up to limit attempts currently at stage.
func (o *Orchestrator) List(ctx context.Context, stage transfer.Stage, limit int) ([]transfer.State, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return o.deps.Store.ListByStage(ctx, stage, limit)
}

// Stranded returns up to limit transfers whose latest attempt stopped at a non-terminal stage and
// that nobody is driving, e.g. after a crash mid-transfer. A transfer counts as idle when its
// lease can be taken; the lease is released again straight away.
func (o *Orchestrator) Stranded(ctx context.Context, limit int) ([]transfer.State, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var out []transfer.State
	for stage := transfer.StageInit; !stage.Terminal(); stage++ {
		page, err := o.deps.Store.ListByStage(ctx, stage, limit)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: list %s: %w", stage, err)
		}
		for _, st := range page {
			latest, err := o.deps.Store.Get(ctx, st.ID)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: load %s: %w", st.ID, err)
			}
			if latest.Attempt != st.Attempt {
				continue
			}
			idle, err := o.idle(ctx, st.ID)
			if err != nil {
				return nil, err
			}
			if !idle {
				continue
			}
			out = append(out, st)
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (o *Orchestrator) idle(ctx context.Context, id string) (bool, error) {
	if o.deps.Leases == nil {
		return true, nil
	}
	name, owner := leases.TransferName(id), o.cfg.LeaseOwner+"/sweep"
	_, ok, err := o.deps.Leases.Acquire(ctx, name, owner, o.cfg.LeaseTTL)
	if err != nil {
		return false, fmt.Errorf("orchestrator: lease %s: %w", id, err)
	}
	if !ok {
		return false, nil
	}
	if err := o.deps.Leases.Release(ctx, name, owner); err != nil {
		o.log.Warn("release sweep lease", "transferID", id, "err", err)
	}
	return true, nil
}
