package handlers

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"yield-engine/internal/chain"
	"yield-engine/internal/model"
)

var errNoConnection = errors.New("no rpc connection")

// GenerateOptimalPath builds the ordered step plan for joining the pool:
// DEFAULT, then an XCM top-up when the local input balance falls short and an
// alternate asset can cover it, then a token approval on EVM pools without
// allowance, then the protocol submit step. Planning never touches signing.
//
// Connectivity failures degrade into a best-effort DEFAULT+SUBMIT path whose
// ConnectionError names the unreachable chain.
func (b *BaseHandler) GenerateOptimalPath(ctx context.Context, params PathParams) (model.OptimalYieldPath, error) {
	if !params.Amount.IsPositive() {
		return model.OptimalYieldPath{}, fmt.Errorf("amount must be positive")
	}

	path := model.OptimalYieldPath{
		Steps:    []model.YieldStep{{ID: 0, Name: "Fill information", Type: model.StepDefault}},
		TotalFee: []model.YieldTokenBaseInfo{{Slug: b.inputAsset, Amount: decimal.Zero}},
	}

	local, err := b.transferable(ctx, params.Address, b.inputAsset)
	if err != nil {
		return b.softFail(err)
	}

	if b.altInputAsset != "" && local.LessThan(params.Amount) {
		alt, err := b.transferable(ctx, params.Address, b.altInputAsset)
		if err != nil {
			return b.softFail(err)
		}
		if alt.IsPositive() {
			altChain, err := b.assetChain(b.altInputAsset)
			if err != nil {
				return model.OptimalYieldPath{}, err
			}
			xcmFee, err := b.deps.Xcm.EstimateFee(ctx, altChain, b.chainSlug, b.altInputAsset)
			if err != nil {
				return b.softFail(err)
			}
			// Shortfall covers the missing input plus the delivery fee,
			// withheld once.
			shortfall := params.Amount.Sub(local).Add(xcmFee)
			path.Steps = append(path.Steps, model.YieldStep{
				ID:   len(path.Steps),
				Name: "Transfer " + b.altInputAsset + " to " + b.chainSlug,
				Type: model.StepXCM,
				Metadata: map[string]string{
					"origin": altChain,
					"amount": shortfall.StringFixed(0),
				},
			})
			path.TotalFee = append(path.TotalFee, model.YieldTokenBaseInfo{Slug: b.altInputAsset, Amount: xcmFee})
		}
	}

	if b.approval != nil {
		approvalFee, needed, err := b.planApproval(ctx, params)
		if err != nil {
			return b.softFail(err)
		}
		if needed {
			path.Steps = append(path.Steps, model.YieldStep{
				ID:   len(path.Steps),
				Name: "Approve spending",
				Type: model.StepTokenApproval,
			})
			path.TotalFee = append(path.TotalFee, approvalFee)
		}
	}

	submitFee, err := b.submit.Fee(ctx, params)
	if err != nil {
		return b.softFail(err)
	}
	path.Steps = append(path.Steps, model.YieldStep{
		ID:   len(path.Steps),
		Name: b.submit.Name,
		Type: b.submit.Type,
	})
	path.TotalFee = append(path.TotalFee, submitFee)

	return path, nil
}

// softFail converts a connectivity failure into the degraded path; any other
// error propagates.
func (b *BaseHandler) softFail(err error) (model.OptimalYieldPath, error) {
	ce, ok := model.AsChainError(err)
	if !ok {
		return model.OptimalYieldPath{}, err
	}
	b.logger.Warn().Err(err).Msg("planning degraded by connection error")
	return model.OptimalYieldPath{
		Steps: []model.YieldStep{
			{ID: 0, Name: "Fill information", Type: model.StepDefault},
			{ID: 1, Name: b.submit.Name, Type: b.submit.Type},
		},
		TotalFee: []model.YieldTokenBaseInfo{
			{Slug: b.inputAsset, Amount: decimal.Zero},
			{Slug: b.feeAsset, Amount: decimal.Zero},
		},
		ConnectionError: ce.Chain,
	}, nil
}

func (b *BaseHandler) planApproval(ctx context.Context, params PathParams) (model.YieldTokenBaseInfo, bool, error) {
	entry, ok := b.deps.Registry.Chain(b.chainSlug)
	if !ok || entry.EVM == nil {
		return model.YieldTokenBaseInfo{}, false, &model.ChainError{Chain: b.chainSlug, Err: errNoConnection}
	}

	allowance, err := entry.EVM.Allowance(ctx, b.approval.TokenContract, params.Address, b.approval.Spender)
	if err != nil {
		return model.YieldTokenBaseInfo{}, false, err
	}
	if allowance.Sign() > 0 {
		return model.YieldTokenBaseInfo{}, false, nil
	}

	gas, gasPrice, err := entry.EVM.EstimateApproveGas(ctx, b.approval.TokenContract, params.Address, b.approval.Spender, params.Amount.BigInt())
	if err != nil {
		return model.YieldTokenBaseInfo{}, false, err
	}
	fee := decimal.NewFromBigInt(new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice), 0)
	return model.YieldTokenBaseInfo{Slug: b.feeAsset, Amount: fee}, true, nil
}

// ValidateYieldJoin walks the whole plan once before anything is submitted.
// The first failing step aborts the walk and its errors are returned; an
// empty result means safe to submit.
func (b *BaseHandler) ValidateYieldJoin(ctx context.Context, data JoinData, path model.OptimalYieldPath) ([]*model.StakingError, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}

	for i, step := range path.Steps {
		var errs []*model.StakingError
		var err error
		switch step.Type {
		case model.StepDefault:
			continue
		case model.StepXCM:
			errs, err = b.validateXcmStep(ctx, data, path, i)
		case model.StepTokenApproval:
			errs, err = b.validateApprovalStep(ctx, data)
		default:
			errs, err = b.validateSubmitStep(ctx, data, path, i)
		}
		if err != nil {
			return nil, err
		}
		if len(errs) > 0 {
			return errs, nil
		}
	}
	return nil, nil
}

func (b *BaseHandler) validateXcmStep(ctx context.Context, data JoinData, path model.OptimalYieldPath, idx int) ([]*model.StakingError, error) {
	local, err := b.transferable(ctx, data.Address, b.inputAsset)
	if err != nil {
		return nil, err
	}
	alt, err := b.transferable(ctx, data.Address, b.altInputAsset)
	if err != nil {
		return nil, err
	}

	xcmFee := path.TotalFee[idx].Amount
	required := data.Amount.Sub(local).Add(xcmFee)
	if alt.GreaterThanOrEqual(required) {
		return nil, nil
	}

	maxEnterable := local.Add(alt).Sub(xcmFee)
	if maxEnterable.IsNegative() {
		maxEnterable = decimal.Zero
	}
	return []*model.StakingError{model.NewStakingError(
		model.ReasonNotEnoughBalance,
		"amount exceeds the maximum enterable amount of %s", maxEnterable.StringFixed(0),
	)}, nil
}

// validateApprovalStep is only reachable on pools that declared an approval
// need; any other pool structurally lacks the step.
func (b *BaseHandler) validateApprovalStep(ctx context.Context, data JoinData) ([]*model.StakingError, error) {
	if b.approval == nil {
		return nil, model.ErrUnsupported
	}
	return nil, nil
}

func (b *BaseHandler) validateSubmitStep(ctx context.Context, data JoinData, path model.OptimalYieldPath, idx int) ([]*model.StakingError, error) {
	var errs []*model.StakingError

	fee := path.TotalFee[idx]
	if fee.Amount.IsPositive() {
		feeBalance, err := b.transferable(ctx, data.Address, fee.Slug)
		if err != nil {
			return nil, err
		}
		floor := decimal.Zero
		if asset, ok := b.deps.Registry.Asset(fee.Slug); ok {
			floor = asset.MinBalance
		}
		if feeBalance.Sub(fee.Amount).LessThan(floor) {
			errs = append(errs, model.NewStakingError(
				model.ReasonNotEnoughFeeBalance,
				"balance of %s cannot cover the %s fee without dropping below its minimum balance", fee.Slug, fee.Amount.StringFixed(0),
			))
		}
	}

	if minJoin := b.minJoin(); data.Amount.LessThan(minJoin) {
		errs = append(errs, model.NewStakingError(
			model.ReasonNotEnoughMinStake,
			"not enough minimum stake: need at least %s", minJoin.StringFixed(0),
		))
	}

	if len(errs) > 0 {
		return errs, nil
	}
	if b.validateSubmit != nil {
		return b.validateSubmit(ctx, data), nil
	}
	return nil, nil
}

// HandleYieldJoin executes exactly one step of a validated plan. DEFAULT is
// never executable; XCM and TOKEN_APPROVAL use the dedicated builders;
// everything else is the protocol submission. Amounts are recomputed from
// current balances because chain state may have moved since planning.
func (b *BaseHandler) HandleYieldJoin(ctx context.Context, data JoinData, path model.OptimalYieldPath, currentStep int) (model.StepResult, error) {
	if currentStep < 0 || currentStep >= len(path.Steps) {
		return model.StepResult{}, fmt.Errorf("step %d out of range for %d-step path", currentStep, len(path.Steps))
	}

	step := path.Steps[currentStep]
	switch step.Type {
	case model.StepDefault:
		return model.StepResult{}, fmt.Errorf("the DEFAULT step is a placeholder and cannot be executed")
	case model.StepXCM:
		return b.buildXcmStep(ctx, data)
	case model.StepTokenApproval:
		return b.buildApprovalStep(ctx, data)
	default:
		if b.buildSubmit == nil {
			return model.StepResult{}, model.ErrUnsupported
		}
		return b.buildSubmit(ctx, data)
	}
}

func (b *BaseHandler) buildXcmStep(ctx context.Context, data JoinData) (model.StepResult, error) {
	local, err := b.transferable(ctx, data.Address, b.inputAsset)
	if err != nil {
		return model.StepResult{}, err
	}

	altChain, err := b.assetChain(b.altInputAsset)
	if err != nil {
		return model.StepResult{}, err
	}
	xcmFee, err := b.deps.Xcm.EstimateFee(ctx, altChain, b.chainSlug, b.altInputAsset)
	if err != nil {
		return model.StepResult{}, err
	}

	shortfall := data.Amount.Sub(local).Add(xcmFee)
	if !shortfall.IsPositive() {
		return model.StepResult{}, fmt.Errorf("local balance already covers the join amount; replan required")
	}

	tx, err := b.deps.Xcm.BuildTransfer(ctx, altChain, b.chainSlug, b.altInputAsset, data.Address, shortfall)
	if err != nil {
		return model.StepResult{}, err
	}

	transferNative := decimal.Zero
	if native, ok := b.deps.Registry.NativeAsset(altChain); ok && native.Slug == b.altInputAsset {
		transferNative = shortfall
	}
	return model.StepResult{Tx: tx, TransferNativeAmount: transferNative}, nil
}

func (b *BaseHandler) buildApprovalStep(ctx context.Context, data JoinData) (model.StepResult, error) {
	if b.approval == nil {
		return model.StepResult{}, model.ErrUnsupported
	}
	entry, ok := b.deps.Registry.Chain(b.chainSlug)
	if !ok || entry.EVM == nil {
		return model.StepResult{}, &model.ChainError{Chain: b.chainSlug, Err: errNoConnection}
	}

	amount := data.Amount.BigInt()
	calldata, err := chain.ApproveCallData(b.approval.Spender, amount)
	if err != nil {
		return model.StepResult{}, err
	}
	gas, _, err := entry.EVM.EstimateApproveGas(ctx, b.approval.TokenContract, data.Address, b.approval.Spender, amount)
	if err != nil {
		return model.StepResult{}, err
	}

	return model.StepResult{
		Tx: &model.UnsignedTransaction{
			Chain:     b.chainSlug,
			ChainKind: model.ChainEVM,
			To:        b.approval.TokenContract,
			Data:      calldata,
			GasLimit:  gas,
		},
		TransferNativeAmount: decimal.Zero,
	}, nil
}

func (b *BaseHandler) assetChain(assetSlug string) (string, error) {
	asset, ok := b.deps.Registry.Asset(assetSlug)
	if !ok {
		return "", fmt.Errorf("asset %s not registered", assetSlug)
	}
	return asset.Chain, nil
}
