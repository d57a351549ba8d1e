// Package alert renders rule findings and fans them out to a webhook channel,
// de-duplicating repeats through a Redis cooldown window.
package alert

import (
	"context"
	"time"

	"github.com/HanTheDev/usage-watchdog/internal/config"
	"github.com/HanTheDev/usage-watchdog/internal/metrics"
	"github.com/HanTheDev/usage-watchdog/internal/state"
	"github.com/rs/zerolog"
)

// Finding is one rule hit. Identity returns the rule-specific identity fields
// used for cooldown keying.
type Finding interface {
	Identity() string
}

// CooldownStore is the expiring key store that suppresses duplicate alerts.
type CooldownStore interface {
	CooldownActive(ctx context.Context, key string) (bool, error)
	SetCooldown(ctx context.Context, key string, ttl time.Duration) error
}

// RulesSource yields the current rules snapshot (templates, cooldown TTL,
// batch threshold).
type RulesSource interface {
	Get() *config.RulesFile
}

// batchSampleSize is how many findings a summary message carries.
const batchSampleSize = 3

// summary replaces individual findings once a rule produces a large batch.
type summary struct {
	Count  int       `json:"count"`
	Rule   string    `json:"rule"`
	Sample []Finding `json:"sample"`
}

// Identity keys batch summaries on the rule alone, so a flood of findings
// produces at most one summary per cooldown window.
func (s summary) Identity() string {
	return s.Rule
}

// Dispatcher sends alerts through a channel adapter. Delivery is best-effort:
// failures are logged and dropped, never retried.
type Dispatcher struct {
	cooldowns CooldownStore
	channel   Channel
	rules     RulesSource
	logger    zerolog.Logger
	collector *metrics.Collector

	// sendDelay spaces out individual sends to avoid bursting the sink.
	sendDelay time.Duration
	now       func() time.Time
}

func NewDispatcher(cooldowns CooldownStore, channel Channel, rules RulesSource, logger zerolog.Logger, collector *metrics.Collector) *Dispatcher {
	return &Dispatcher{
		cooldowns: cooldowns,
		channel:   channel,
		rules:     rules,
		logger:    logger,
		collector: collector,
		sendDelay: 100 * time.Millisecond,
		now:       time.Now,
	}
}

// Notify dispatches a batch of findings for one rule. At or above the batch
// threshold the findings collapse into a single summary message tagged
// "<rule>_batch"; below it each finding becomes its own message.
func (d *Dispatcher) Notify(ctx context.Context, rule string, findings []Finding) {
	if len(findings) == 0 {
		return
	}

	cfg := d.rules.Get()

	if len(findings) >= cfg.BatchThreshold() {
		sample := findings
		if len(sample) > batchSampleSize {
			sample = sample[:batchSampleSize]
		}
		s := summary{
			Count:  len(findings),
			Rule:   rule,
			Sample: sample,
		}
		d.send(ctx, rule+"_batch", s, cfg)
		return
	}

	for i, f := range findings {
		if i > 0 {
			time.Sleep(d.sendDelay)
		}
		d.send(ctx, rule, f, cfg)
	}
}

func (d *Dispatcher) send(ctx context.Context, rule string, f Finding, cfg *config.RulesFile) {
	key := state.CooldownKey(rule, f.Identity())

	active, err := d.cooldowns.CooldownActive(ctx, key)
	if err != nil {
		d.logger.Warn().Err(err).Str("rule", rule).Msg("cooldown check failed, sending anyway")
	}
	if active {
		d.logger.Debug().Str("rule", rule).Str("key", key).Msg("alert in cooldown, skipping")
		d.collector.AlertsSuppressed.WithLabelValues(rule).Inc()
		return
	}

	text, fellBack := Render(cfg.Template(rule), rule, f, d.now())
	if fellBack {
		d.logger.Warn().Str("rule", rule).Msg("alert template render failed, using fallback message")
	}

	if err := d.channel.Send(ctx, text); err != nil {
		d.logger.Error().Err(err).Str("rule", rule).Msg("alert send failed")
		d.collector.AlertsFailed.WithLabelValues(rule).Inc()
		return
	}

	if err := d.cooldowns.SetCooldown(ctx, key, cfg.CooldownTTL()); err != nil {
		d.logger.Warn().Err(err).Str("rule", rule).Msg("setting alert cooldown failed")
	}

	d.collector.AlertsSent.WithLabelValues(rule).Inc()
	d.logger.Info().Str("rule", rule).Msg("alert sent")
}
