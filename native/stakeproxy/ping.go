package stakeproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"stakeproxy/core/events"
	"stakeproxy/native/stakeproxy/pool"
	"stakeproxy/native/stakeproxy/promise"
)

// Ping refreshes the cached share price and fee rate. The two calls are
// independent: either may settle first and a failure leaves the previous
// value in place. No guard is taken.
func (e *Engine) Ping(ctx context.Context) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, 2)
	var errs []error
	priceID, err := e.scheduler.Schedule(promise.Call{
		Method: pool.MethodGetSharePrice,
		Budget: e.params.QueryBudget,
	}, e.callback(e.afterSharePrice))
	if err != nil {
		errs = append(errs, fmt.Errorf("stakeproxy: schedule %s: %w", pool.MethodGetSharePrice, err))
	} else {
		ids = append(ids, priceID)
	}
	feeID, err := e.scheduler.Schedule(promise.Call{
		Method: pool.MethodGetFeeRate,
		Budget: e.params.QueryBudget,
	}, e.callback(e.afterFeeRate))
	if err != nil {
		errs = append(errs, fmt.Errorf("stakeproxy: schedule %s: %w", pool.MethodGetFeeRate, err))
	} else {
		ids = append(ids, feeID)
	}
	if len(errs) > 0 {
		e.recorder.RecordOperation(OpPing, "rejected")
		return ids, errors.Join(errs...)
	}
	e.recorder.RecordOperation(OpPing, "scheduled")
	return ids, nil
}

func (e *Engine) afterSharePrice(result promise.Result) {
	method := string(pool.MethodGetSharePrice)
	if !result.Succeeded() {
		e.recorder.RecordCallback(method, OutcomeFailure)
		e.logger.Warn("share price refresh failed", slog.Any("error", result.Err))
		return
	}
	price, err := pool.DecodeAmount(result.Payload)
	if err == nil && price.IsZero() {
		err = errors.New("share price must be positive")
	}
	if err != nil {
		e.unexpected("", method, err)
		return
	}
	contract, err := e.ledger.Contract()
	if err != nil {
		e.logger.Error("load contract for price refresh", slog.Any("error", err))
		return
	}
	contract.SharePrice = price
	if err := e.ledger.SaveContract(contract); err != nil {
		e.logger.Error("save share price", slog.Any("error", err))
		return
	}
	e.recorder.RecordCallback(method, OutcomeSuccess)
	e.publishContract(contract)
	e.emit(events.ProxyPriceRefreshed{SharePrice: price.Clone()})
}

func (e *Engine) afterFeeRate(result promise.Result) {
	method := string(pool.MethodGetFeeRate)
	if !result.Succeeded() {
		e.recorder.RecordCallback(method, OutcomeFailure)
		e.logger.Warn("fee rate refresh failed", slog.Any("error", result.Err))
		return
	}
	bps, err := pool.DecodeFeeRate(result.Payload)
	if err != nil {
		e.unexpected("", method, err)
		return
	}
	contract, err := e.ledger.Contract()
	if err != nil {
		e.logger.Error("load contract for fee refresh", slog.Any("error", err))
		return
	}
	contract.FeeBasisPoints = bps
	if err := e.ledger.SaveContract(contract); err != nil {
		e.logger.Error("save fee rate", slog.Any("error", err))
		return
	}
	e.recorder.RecordCallback(method, OutcomeSuccess)
	e.publishContract(contract)
	e.emit(events.ProxyFeeRefreshed{FeeBasisPoints: bps})
}
