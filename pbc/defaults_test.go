package pbc

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/gridflex/planboard"
	"github.com/c360studio/gridflex/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRequest() *protocol.FlexRequest {
	return &protocol.FlexRequest{
		Envelope: protocol.NewEnvelope("dso.example.com", protocol.RoleDSO,
			"agr.example.com", protocol.RoleAGR, protocol.PrecedenceTransactional),
		SequenceNumber:  1,
		Period:          protocol.Period{Year: 2026, Month: time.April, Day: 1},
		ConnectionGroup: "cp-north",
		Slots: []protocol.RequestSlot{
			{Start: 33, Duration: 4, Power: -2_000_000, Disposition: protocol.DispositionRequested},
			{Start: 37, Duration: 4, Power: 1_000_000, Disposition: protocol.DispositionAvailable},
		},
	}
}

func TestMarginalPriceOffers(t *testing.T) {
	exec := testExecution(t)
	exec.Set(KeyFlexRequest, testRequest())

	step := &MarginalPriceOffers{PricePerMWh: decimal.NewFromInt(60)}
	require.NoError(t, step.Run(context.Background(), exec))

	slots, ok := Value[[]protocol.SlotValue](exec, KeyOfferSlots)
	require.True(t, ok)
	require.Len(t, slots, 1, "only requested slots are offered")

	assert.Equal(t, 33, slots[0].Start)
	assert.Equal(t, 4, slots[0].Duration)
	assert.Equal(t, int64(-2_000_000), slots[0].Power)

	// 2 MW over 4 fifteen-minute slots is 2 MWh; at 60/MWh that is 120.
	assert.True(t, slots[0].Price.Equal(decimal.NewFromInt(120)),
		"got price %s", slots[0].Price)
}

func TestMarginalPriceOffers_MissingInput(t *testing.T) {
	step := &MarginalPriceOffers{PricePerMWh: decimal.NewFromInt(60)}
	assert.Error(t, step.Run(context.Background(), testExecution(t)))
}

func TestFoldOrdersIntoBaseline(t *testing.T) {
	exec := testExecution(t)

	order := &protocol.Document{
		Type:               protocol.DocumentTypeFlexOrder,
		SequenceNumber:     5,
		Period:             exec.Period,
		CounterpartyDomain: "dso.example.com",
		CounterpartyRole:   protocol.RoleDSO,
		ConnectionGroup:    "cp-north",
		Status:             protocol.StatusAccepted,
		Slots:              []protocol.SlotValue{{Start: 2, Duration: 2, Power: -500_000}},
	}
	require.NoError(t, exec.Board.Put(order))

	exec.Set(KeyBaseline, []protocol.SlotValue{{Start: 1, Duration: 4, Power: 1_000_000}})
	require.NoError(t, foldOrdersIntoBaseline(context.Background(), exec))

	slots, ok := Value[[]protocol.SlotValue](exec, KeyPrognosisSlots)
	require.True(t, ok)
	require.Len(t, slots, 4)

	assert.Equal(t, int64(1_000_000), slots[0].Power, "slot 1 untouched")
	assert.Equal(t, int64(500_000), slots[1].Power, "slot 2 reduced by order")
	assert.Equal(t, int64(500_000), slots[2].Power, "slot 3 reduced by order")
	assert.Equal(t, int64(1_000_000), slots[3].Power, "slot 4 untouched")
}

func TestValidateSettlementAgainstBoard(t *testing.T) {
	exec := testExecution(t)

	ordered := []protocol.SlotValue{{Start: 33, Duration: 4, Power: -2_000_000, Price: decimal.NewFromInt(120)}}
	order := &protocol.Document{
		Type:               protocol.DocumentTypeFlexOrder,
		SequenceNumber:     5,
		Period:             exec.Period,
		CounterpartyDomain: "dso.example.com",
		CounterpartyRole:   protocol.RoleDSO,
		ConnectionGroup:    "cp-north",
		Status:             protocol.StatusProcessed,
		Slots:              ordered,
	}
	require.NoError(t, exec.Board.Put(order))

	settlement := &protocol.Settlement{
		Envelope: protocol.NewEnvelope("dso.example.com", protocol.RoleDSO,
			"agr.example.com", protocol.RoleAGR, protocol.PrecedenceTransactional),
		SequenceNumber: 1,
		Period:         exec.Period,
		Lines:          []protocol.SettlementLine{{OrderSequence: 5, Slots: ordered}},
	}

	t.Run("matching settlement accepted", func(t *testing.T) {
		exec.Set(KeySettlement, settlement)
		require.NoError(t, validateSettlementAgainstBoard(context.Background(), exec))
		verdict, ok := Value[Verdict](exec, KeySettlementVerdict)
		require.True(t, ok)
		assert.True(t, verdict.Accepted)
		assert.Empty(t, verdict.DisputedOrders)
	})

	t.Run("wrong price disputed", func(t *testing.T) {
		bad := *settlement
		bad.Lines = []protocol.SettlementLine{{
			OrderSequence: 5,
			Slots:         []protocol.SlotValue{{Start: 33, Duration: 4, Power: -2_000_000, Price: decimal.NewFromInt(80)}},
		}}
		exec.Set(KeySettlement, &bad)
		require.NoError(t, validateSettlementAgainstBoard(context.Background(), exec))
		verdict, _ := Value[Verdict](exec, KeySettlementVerdict)
		assert.False(t, verdict.Accepted)
		assert.Equal(t, []int64{5}, verdict.DisputedOrders)
	})

	t.Run("unknown order disputed", func(t *testing.T) {
		bad := *settlement
		bad.Lines = []protocol.SettlementLine{{OrderSequence: 99, Slots: ordered}}
		exec.Set(KeySettlement, &bad)
		require.NoError(t, validateSettlementAgainstBoard(context.Background(), exec))
		verdict, _ := Value[Verdict](exec, KeySettlementVerdict)
		assert.False(t, verdict.Accepted)
		assert.Equal(t, []int64{99}, verdict.DisputedOrders)
	})
}

func TestThresholdForecastEvaluation(t *testing.T) {
	step := &ThresholdForecastEvaluation{RiskFraction: decimal.RequireFromString("0.8")}

	run := func(t *testing.T, forecast []protocol.SlotValue) *Execution {
		t.Helper()
		exec := testExecution(t)
		exec.Set(KeyForecastSlots, forecast)
		exec.Set(KeyGridLimit, int64(5_000_000))
		require.NoError(t, step.Run(context.Background(), exec))
		return exec
	}

	t.Run("normal regime under threshold", func(t *testing.T) {
		exec := run(t, []protocol.SlotValue{{Start: 1, Duration: 96, Power: 3_000_000}})
		regime, _ := Value[planboard.Regime](exec, KeyRegime)
		assert.Equal(t, planboard.RegimeNormal, regime)
		requests, _ := Value[[]protocol.RequestSlot](exec, KeyRequestSlots)
		assert.Empty(t, requests)
	})

	t.Run("risk regime above threshold", func(t *testing.T) {
		exec := run(t, []protocol.SlotValue{{Start: 33, Duration: 4, Power: 4_500_000}})
		regime, _ := Value[planboard.Regime](exec, KeyRegime)
		assert.Equal(t, planboard.RegimeCongestionRisk, regime)
		requests, _ := Value[[]protocol.RequestSlot](exec, KeyRequestSlots)
		require.Len(t, requests, 1)
		assert.Equal(t, protocol.DispositionAvailable, requests[0].Disposition)
		assert.Equal(t, int64(500_000), requests[0].Power, "headroom to the limit")
	})

	t.Run("active regime over limit requests reduction", func(t *testing.T) {
		exec := run(t, []protocol.SlotValue{{Start: 33, Duration: 4, Power: 6_000_000}})
		regime, _ := Value[planboard.Regime](exec, KeyRegime)
		assert.Equal(t, planboard.RegimeCongestionActive, regime)
		requests, _ := Value[[]protocol.RequestSlot](exec, KeyRequestSlots)
		require.Len(t, requests, 1)
		assert.Equal(t, protocol.DispositionRequested, requests[0].Disposition)
		assert.Equal(t, int64(-1_000_000), requests[0].Power, "reduction back under the limit")
	})
}

func TestCheapestFirstPlacement(t *testing.T) {
	offer := func(seq int64, power int64, price int64) protocol.Document {
		return protocol.Document{
			ID:                 "offer-" + decimal.NewFromInt(seq).String(),
			Type:               protocol.DocumentTypeFlexOffer,
			SequenceNumber:     seq,
			CounterpartyDomain: "agr.example.com",
			CounterpartyRole:   protocol.RoleAGR,
			ConnectionGroup:    "cp-north",
			Status:             protocol.StatusAccepted,
			Slots:              []protocol.SlotValue{{Start: 33, Duration: 4, Power: power, Price: decimal.NewFromInt(price)}},
		}
	}

	needed := []protocol.RequestSlot{
		{Start: 33, Duration: 4, Power: -1_500_000, Disposition: protocol.DispositionRequested},
	}

	t.Run("picks cheapest energy first", func(t *testing.T) {
		exec := testExecution(t)
		exec.Set(KeyRequestSlots, needed)
		exec.Set(KeyCandidateOffers, []protocol.Document{
			offer(1, -1_000_000, 90), // 90/MWh
			offer(2, -1_000_000, 40), // 40/MWh
			offer(3, -1_000_000, 60), // 60/MWh
		})

		step := &CheapestFirstPlacement{}
		require.NoError(t, step.Run(context.Background(), exec))

		selected, _ := Value[[]protocol.Document](exec, KeySelectedOffers)
		require.Len(t, selected, 2, "two offers cover the 1.5 MW deficit")
		assert.Equal(t, int64(2), selected[0].SequenceNumber)
		assert.Equal(t, int64(3), selected[1].SequenceNumber)
	})

	t.Run("price cap excludes expensive offers", func(t *testing.T) {
		exec := testExecution(t)
		exec.Set(KeyRequestSlots, needed)
		exec.Set(KeyCandidateOffers, []protocol.Document{
			offer(1, -1_000_000, 90),
			offer(2, -1_000_000, 40),
		})

		step := &CheapestFirstPlacement{MaxPricePerMWh: decimal.NewFromInt(50)}
		require.NoError(t, step.Run(context.Background(), exec))

		selected, _ := Value[[]protocol.Document](exec, KeySelectedOffers)
		require.Len(t, selected, 1)
		assert.Equal(t, int64(2), selected[0].SequenceNumber)
	})

	t.Run("nothing required selects nothing", func(t *testing.T) {
		exec := testExecution(t)
		exec.Set(KeyRequestSlots, []protocol.RequestSlot{})
		exec.Set(KeyCandidateOffers, []protocol.Document{offer(1, -1_000_000, 40)})

		step := &CheapestFirstPlacement{}
		require.NoError(t, step.Run(context.Background(), exec))

		selected, _ := Value[[]protocol.Document](exec, KeySelectedOffers)
		assert.Empty(t, selected)
	})
}

func TestSettleOrderedValues(t *testing.T) {
	exec := testExecution(t)
	ordered := []protocol.SlotValue{{Start: 33, Duration: 2, Power: -2_000_000, Price: decimal.NewFromInt(60)}}
	order := &protocol.Document{
		Type:               protocol.DocumentTypeFlexOrder,
		SequenceNumber:     7,
		Period:             exec.Period,
		CounterpartyDomain: "agr.example.com",
		CounterpartyRole:   protocol.RoleAGR,
		ConnectionGroup:    "cp-north",
		Status:             protocol.StatusProcessed,
		Slots:              ordered,
	}
	require.NoError(t, exec.Board.Put(order))

	t.Run("without readings settles as ordered", func(t *testing.T) {
		require.NoError(t, settleOrderedValues(context.Background(), exec))
		lines, _ := Value[[]protocol.SettlementLine](exec, KeySettlementLines)
		require.Len(t, lines, 1)
		assert.Equal(t, int64(7), lines[0].OrderSequence)
		assert.True(t, lines[0].Slots[0].Price.Equal(decimal.NewFromInt(60)))
	})

	t.Run("undelivered slots settle at zero price", func(t *testing.T) {
		exec.Set(KeyMeterReadings, []protocol.MeterReading{{Slot: 33, Connection: "c-1", Energy: -500_000}})
		require.NoError(t, settleOrderedValues(context.Background(), exec))
		lines, _ := Value[[]protocol.SettlementLine](exec, KeySettlementLines)
		require.Len(t, lines, 1)
		assert.True(t, lines[0].Slots[0].Price.IsZero(), "slot 34 had no reading")
	})
}
