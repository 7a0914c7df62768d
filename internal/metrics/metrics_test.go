package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"delta-neutral-bot/internal/events"
)

func TestEmitUpdatesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Emit(events.New(events.StageFundingSnapshot, "c1", "BTC", map[string]any{"diff": 0.0002}))
	m.Emit(events.New(events.StageRiskCheck, "c1", "BTC", map[string]any{"passed": false, "reason": "MARGIN_BUFFER"}))
	m.Emit(events.New(events.StageRollback, "c2", "ETH", map[string]any{"result": "exhausted"}))
	m.Emit(events.New(events.StageCycleComplete, "c3", "SOL", map[string]any{"state": "CLOSED", "realized_pnl": 12.5}))
	m.Emit(events.New(events.StageCycleComplete, "c4", "SOL", map[string]any{"state": "CLOSED", "realized_pnl": -2.5}))
	m.Emit(events.New(events.StageKillSwitch, "", "", nil))
	m.Emit(events.New(events.StageReconciliation, "", "", map[string]any{"blocked": 2}))

	assert.InDelta(t, 0.0002, testutil.ToFloat64(m.fundingDiff.WithLabelValues("BTC")), 1e-12)
	assert.InDelta(t, 1, testutil.ToFloat64(m.riskRejections.WithLabelValues("MARGIN_BUFFER")), 1e-12)
	assert.InDelta(t, 1, testutil.ToFloat64(m.rollbacks.WithLabelValues("ETH", "exhausted")), 1e-12)
	assert.InDelta(t, 2, testutil.ToFloat64(m.cycles.WithLabelValues("SOL", "CLOSED")), 1e-12)
	assert.InDelta(t, 10, testutil.ToFloat64(m.pnl.WithLabelValues("SOL")), 1e-12)
	assert.InDelta(t, 1, testutil.ToFloat64(m.killSwitch), 1e-12)
	assert.InDelta(t, 2, testutil.ToFloat64(m.blockedTokens), 1e-12)
	assert.InDelta(t, 2, testutil.ToFloat64(m.stages.WithLabelValues("cycle_complete")), 1e-12)
}
