package orchestrator

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/usdc-relay/cctp-orchestrator/internal/amount"
	"github.com/usdc-relay/cctp-orchestrator/internal/cctp"
	"github.com/usdc-relay/cctp-orchestrator/internal/eth"
	"github.com/usdc-relay/cctp-orchestrator/internal/router"
	"github.com/usdc-relay/cctp-orchestrator/internal/transfer"
)

// ExecuteDeposit quotes a router transaction that bridges req and deposits the proceeds into the
// route's lending pool for req.Recipient, approves the router and submits the transaction. The
// destination side is executed by the router; the receipt carries only the source hash.
func (o *Orchestrator) ExecuteDeposit(ctx context.Context, req transfer.Request) (transfer.Receipt, error) {
	route, ok := o.depositRoutes[key(req.SourceChain, req.DestinationChain)]
	if !ok {
		return transfer.Receipt{}, reject(req, transfer.FlowRouterDeposit,
			fmt.Errorf("%w: %s -> %s", transfer.ErrUnsupportedRoute, req.SourceChain, req.DestinationChain))
	}
	if (req.SourceToken == common.Address{}) {
		req.SourceToken = route.FromToken
	}
	if req.SourceToken != route.FromToken {
		return transfer.Receipt{}, reject(req, transfer.FlowRouterDeposit,
			fmt.Errorf("%w: token %s not routable from %s", transfer.ErrUnsupportedRoute, req.SourceToken.Hex(), req.SourceChain))
	}
	if (req.Recipient == common.Address{}) {
		return transfer.Receipt{}, reject(req, transfer.FlowRouterDeposit, fmt.Errorf("%w: zero recipient", transfer.ErrInvalidRequest))
	}
	amt, err := amount.ParseBaseUnits(req.Amount)
	if err != nil {
		return transfer.Receipt{}, reject(req, transfer.FlowRouterDeposit, fmt.Errorf("%w: %v", transfer.ErrInvalidRequest, err))
	}
	req.Amount = amt.String()

	src := o.network(route.Source)
	dst := o.network(route.Destination)
	hook, err := router.LendingDepositHooks(router.LendingDeposit{
		Token:       route.ToToken,
		Pool:        route.LendingPool,
		OnBehalfOf:  req.Recipient,
		Description: route.Description,
	})
	if err != nil {
		return transfer.Receipt{}, reject(req, transfer.FlowRouterDeposit, fmt.Errorf("%w: %v", transfer.ErrInvalidRequest, err))
	}
	quote, err := o.deps.Router.Route(ctx, router.RouteRequest{
		FromAddress: src.Invoker.From().Hex(),
		FromChain:   src.ChainID.String(),
		ToChain:     dst.ChainID.String(),
		FromToken:   route.FromToken.Hex(),
		FromAmount:  req.Amount,
		ToToken:     route.ToToken.Hex(),
		ToAddress:   req.Recipient.Hex(),
		Slippage:    route.Slippage,
		PostHook:    hook,
	})
	if err != nil {
		return transfer.Receipt{}, reject(req, transfer.FlowRouterDeposit, fmt.Errorf("orchestrator: route quote: %w", err))
	}
	o.log.Info("route quoted", "requestID", quote.RequestID, "target", quote.Target, "gasLimit", quote.GasLimit)

	approve, err := cctp.NewApproveCall(route.FromToken, quote.Target, amt)
	if err != nil {
		return transfer.Receipt{}, reject(req, transfer.FlowRouterDeposit, fmt.Errorf("%w: %v", transfer.ErrInvalidRequest, err))
	}

	st, lctx, release, err := o.start(ctx, transfer.FlowRouterDeposit, req)
	if err != nil {
		return transfer.Receipt{}, err
	}
	defer release()
	ctx = lctx
	if err := o.approve(ctx, &st, src, approve); err != nil {
		return transfer.Receipt{}, err
	}

	if err := o.advance(ctx, &st, transfer.StageRoutingAndDepositing); err != nil {
		return transfer.Receipt{}, o.fail(ctx, &st, transfer.KindRejected, err)
	}
	p, err := src.Invoker.Invoke(ctx, eth.Call{
		To:       quote.Target,
		Data:     quote.Data,
		Value:    quote.Value,
		GasLimit: quote.GasLimit,
		Label:    "route",
	})
	if err != nil {
		return transfer.Receipt{}, o.fail(ctx, &st, submitKind(err, transfer.KindRejected), err)
	}
	st.RouteTxHash = p.Hash
	if err := o.persist(ctx, &st); err != nil {
		return transfer.Receipt{}, o.fail(ctx, &st, transfer.KindRecoverable, err)
	}
	if _, err := src.Waiter.AwaitConfirmation(ctx, p.Hash, o.cfg.ConfirmationPolicy); err != nil {
		return transfer.Receipt{}, o.fail(ctx, &st, waitKind(err, transfer.KindRejected), err)
	}
	if err := o.advance(ctx, &st, transfer.StageCompleted); err != nil {
		return transfer.Receipt{}, o.fail(ctx, &st, transfer.KindRecoverable, err)
	}
	return transfer.Receipt{
		TransferID:   st.ID,
		Attempt:      st.Attempt,
		SourceTxHash: st.RouteTxHash,
	}, nil
}
