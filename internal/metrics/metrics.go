// Package metrics exposes pipeline counters to Prometheus:
//
//	bot_cycles_total{token,outcome}     cycles by terminal state
//	bot_stage_events_total{stage}       pipeline events by stage
//	bot_risk_rejections_total{reason}   failed pre-trade checks
//	bot_rollbacks_total{token,result}   compensating closes (ok|exhausted)
//	bot_realized_pnl_usd{token}         cumulative realized PnL
//	bot_funding_diff{token}             last observed funding differential
//	bot_kill_switch                     1 once the kill switch has tripped
//	bot_blocked_tokens                  tokens awaiting reconciliation
//
// Metrics implements events.Emitter so it can be fanned in next to the log sink.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"delta-neutral-bot/internal/events"
)

type Metrics struct {
	cycles         *prometheus.CounterVec
	stages         *prometheus.CounterVec
	riskRejections *prometheus.CounterVec
	rollbacks      *prometheus.CounterVec
	pnl            *prometheus.GaugeVec
	fundingDiff    *prometheus.GaugeVec
	killSwitch     prometheus.Gauge
	blockedTokens  prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "bot_cycles_total", Help: "Trade cycles by terminal outcome"},
			[]string{"token", "outcome"},
		),
		stages: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "bot_stage_events_total", Help: "Pipeline events by stage"},
			[]string{"stage"},
		),
		riskRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "bot_risk_rejections_total", Help: "Failed pre-trade risk checks by reason"},
			[]string{"reason"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "bot_rollbacks_total", Help: "Compensating closes by result"},
			[]string{"token", "result"},
		),
		pnl: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "bot_realized_pnl_usd", Help: "Cumulative realized PnL in USD"},
			[]string{"token"},
		),
		fundingDiff: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "bot_funding_diff", Help: "Last funding differential (A - B)"},
			[]string{"token"},
		),
		killSwitch: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "bot_kill_switch", Help: "1 when the kill switch has tripped"},
		),
		blockedTokens: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "bot_blocked_tokens", Help: "Tokens blocked pending reconciliation"},
		),
	}
	reg.MustRegister(m.cycles, m.stages, m.riskRejections, m.rollbacks, m.pnl, m.fundingDiff, m.killSwitch, m.blockedTokens)
	return m
}

func (m *Metrics) Emit(ev events.Event) {
	m.stages.WithLabelValues(string(ev.Stage)).Inc()

	switch ev.Stage {
	case events.StageFundingSnapshot:
		if d, ok := floatValue(ev.Values, "diff"); ok {
			m.fundingDiff.WithLabelValues(ev.Token).Set(d)
		}
	case events.StageRiskCheck:
		if passed, _ := ev.Values["passed"].(bool); !passed {
			reason, _ := ev.Values["reason"].(string)
			m.riskRejections.WithLabelValues(reason).Inc()
		}
	case events.StageRollback:
		result, _ := ev.Values["result"].(string)
		if result != "" {
			m.rollbacks.WithLabelValues(ev.Token, result).Inc()
		}
	case events.StageCycleComplete:
		state, _ := ev.Values["state"].(string)
		m.cycles.WithLabelValues(ev.Token, state).Inc()
		if pnl, ok := floatValue(ev.Values, "realized_pnl"); ok {
			m.pnl.WithLabelValues(ev.Token).Add(pnl)
		}
	case events.StageKillSwitch:
		m.killSwitch.Set(1)
	case events.StageReconciliation, events.StageEscalation:
		if n, ok := floatValue(ev.Values, "blocked"); ok {
			m.blockedTokens.Set(n)
		}
	}
}

func floatValue(values map[string]any, key string) (float64, bool) {
	switch v := values[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
