// Package pbc hosts the pluggable business logic of the trading engine.
// Every market decision — which offers to place, which to order, how to
// settle — is a named step behind a swappable implementation, so operators
// can rebind strategies at runtime without touching the protocol machinery.
package pbc

import (
	"context"
	"sync"

	"github.com/c360studio/gridflex/planboard"
	"github.com/c360studio/gridflex/protocol"
)

// StepName identifies one pluggable decision point.
type StepName string

const (
	// StepOfferDetermination decides an aggregator's answer to a flex request.
	StepOfferDetermination StepName = "agr.flex-offer-determination"
	// StepPortfolioOptimization re-plans an aggregator's portfolio for a period.
	StepPortfolioOptimization StepName = "agr.portfolio-optimization"
	// StepPrognosisDetermination builds an aggregator's prognosis slots.
	StepPrognosisDetermination StepName = "agr.prognosis-determination"
	// StepSettlementValidation checks a received settlement against the planboard.
	StepSettlementValidation StepName = "agr.settlement-validation"

	// StepGridForecastEvaluation grades congestion risk per connection group.
	StepGridForecastEvaluation StepName = "dso.grid-forecast-evaluation"
	// StepFlexRequestDetermination shapes a grid operator's flex request.
	StepFlexRequestDetermination StepName = "dso.flex-request-determination"
	// StepOrderPlacement selects which accepted offers to order.
	StepOrderPlacement StepName = "dso.flex-order-placement"
	// StepSettlementDetermination computes settlement lines for a period.
	StepSettlementDetermination StepName = "dso.settlement-determination"

	// StepPlanDetermination builds a balance-responsible party's energy plan.
	StepPlanDetermination StepName = "brp.plan-determination"
)

// stepOutputs declares the execution keys every implementation of a step
// must set before returning. The engine enforces this after each run; an
// implementation that returns without them has a bug, not a business
// condition, and the invocation fails hard.
var stepOutputs = map[StepName][]string{
	StepOfferDetermination:       {KeyOfferSlots},
	StepPortfolioOptimization:    {KeyPrognosisSlots},
	StepPrognosisDetermination:   {KeyPrognosisSlots},
	StepSettlementValidation:     {KeySettlementVerdict},
	StepGridForecastEvaluation:   {KeyRegime, KeyRequestSlots},
	StepFlexRequestDetermination: {KeyRegime, KeyRequestSlots},
	StepOrderPlacement:           {KeySelectedOffers},
	StepSettlementDetermination:  {KeySettlementLines},
	StepPlanDetermination:        {KeyPlanSlots},
}

// RequiredOutputs returns the execution keys a step must produce.
func RequiredOutputs(step StepName) []string {
	return stepOutputs[step]
}

// AllStepNames lists every decision point the engine knows.
func AllStepNames() []StepName {
	return []StepName{
		StepOfferDetermination,
		StepPortfolioOptimization,
		StepPrognosisDetermination,
		StepSettlementValidation,
		StepGridForecastEvaluation,
		StepFlexRequestDetermination,
		StepOrderPlacement,
		StepSettlementDetermination,
		StepPlanDetermination,
	}
}

// Step is one swappable decision implementation. Steps read their typed
// inputs from the execution, decide, and write typed outputs back; they
// never publish messages or mutate the planboard themselves.
type Step interface {
	Run(ctx context.Context, exec *Execution) error
}

// StepFunc adapts a function to the Step interface.
type StepFunc func(ctx context.Context, exec *Execution) error

// Run calls the function.
func (f StepFunc) Run(ctx context.Context, exec *Execution) error {
	return f(ctx, exec)
}

// Execution carries one step invocation's scope and its typed in/out values.
type Execution struct {
	// Period is the calendar day under decision.
	Period protocol.Period

	// ConnectionGroup scopes the decision, empty for portfolio-wide steps.
	ConnectionGroup string

	// Board is the caller's planboard, read-only from the step's view.
	Board *planboard.Planboard

	// Clock provides slot arithmetic for the market time zone.
	Clock *protocol.PTUClock

	mu     sync.RWMutex
	values map[string]any
}

// NewExecution creates an execution scope for one step invocation.
func NewExecution(period protocol.Period, group string, board *planboard.Planboard, clock *protocol.PTUClock) *Execution {
	return &Execution{
		Period:          period,
		ConnectionGroup: group,
		Board:           board,
		Clock:           clock,
		values:          make(map[string]any),
	}
}

// Set stores a typed value under key.
func (e *Execution) Set(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values[key] = value
}

// Has reports whether any value is stored under key.
func (e *Execution) Has(key string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.values[key]
	return ok
}

// Value retrieves the value stored under key as T. The boolean is false when
// the key is absent or holds a different type.
func Value[T any](e *Execution, key string) (T, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.values[key]
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// Well-known execution keys. Each key holds exactly one type; the typed
// accessors at the call sites enforce it.
const (
	// KeyFlexRequest holds the *protocol.FlexRequest being answered.
	KeyFlexRequest = "flex_request"
	// KeyOfferSlots holds the []protocol.SlotValue of the offer answering a
	// request. Empty means decline.
	KeyOfferSlots = "offer_slots"
	// KeyCandidateOffers holds the []protocol.Document offers to pick from.
	KeyCandidateOffers = "candidate_offers"
	// KeySelectedOffers holds the []protocol.Document offers to order.
	KeySelectedOffers = "selected_offers"
	// KeyForecastSlots holds the []protocol.SlotValue forecast under evaluation.
	KeyForecastSlots = "forecast_slots"
	// KeyGridLimit holds the int64 absolute power limit in watts.
	KeyGridLimit = "grid_limit"
	// KeyRegime holds the planboard.Regime verdict of forecast evaluation.
	KeyRegime = "regime"
	// KeyRequestSlots holds the []protocol.RequestSlot a step shaped.
	KeyRequestSlots = "request_slots"
	// KeySettlement holds the *protocol.Settlement under validation.
	KeySettlement = "settlement"
	// KeySettlementVerdict holds the Verdict of settlement validation.
	KeySettlementVerdict = "settlement_verdict"
	// KeySettlementLines holds the []protocol.SettlementLine a step computed.
	KeySettlementLines = "settlement_lines"
	// KeyMeterReadings holds the []protocol.MeterReading grounding a settlement.
	KeyMeterReadings = "meter_readings"
	// KeyPlanSlots holds the []protocol.SlotValue of a determined plan.
	KeyPlanSlots = "plan_slots"
	// KeyPrognosisSlots holds the []protocol.SlotValue of a determined prognosis.
	KeyPrognosisSlots = "prognosis_slots"
	// KeyBaseline holds the []protocol.SlotValue baseline for optimization.
	KeyBaseline = "baseline"
)

// Verdict is a settlement validation outcome.
type Verdict struct {
	Accepted bool

	// DisputedOrders lists order sequences whose settled values disagree
	// with the planboard. Empty when accepted.
	DisputedOrders []int64

	// Reason explains a dispute.
	Reason string
}
