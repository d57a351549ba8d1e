// Package rules runs the abuse-detection rules over the usage log. Each rule
// reads its own trailing window, filters against the whitelists, and hands
// survivors to the alert dispatcher. A rule failure is isolated to its own
// scheduler job and never blocks the other rules.
package rules

import (
	"context"
	"time"

	"github.com/HanTheDev/usage-watchdog/internal/alert"
	"github.com/HanTheDev/usage-watchdog/internal/metrics"
	"github.com/HanTheDev/usage-watchdog/internal/models"
	"github.com/rs/zerolog"
)

// Rule names the four detection rules. The set is closed: adding a rule means
// adding a constant, a check method, and a scheduler job.
type Rule string

const (
	RuleBurst       Rule = "burst"
	RuleSharedToken Rule = "multi_user_token"
	RuleIPFanout    Rule = "ip_many_users"
	RuleBigRequest  Rule = "big_request"
)

// Query windows per rule.
const (
	burstQueryWindow  = 5 * time.Minute
	sharedTokenWindow = time.Hour
	ipFanoutWindow    = time.Hour
	bigRequestWindow  = 2 * time.Hour
)

// LogStore is the read-only query surface the rules need.
type LogStore interface {
	BurstCandidates(ctx context.Context, start, end time.Time, limit, windowSec int) ([]models.BurstFinding, error)
	SharedTokenCandidates(ctx context.Context, start, end time.Time, usersThreshold int) ([]models.SharedTokenFinding, error)
	IPFanoutCandidates(ctx context.Context, start, end time.Time, usersThreshold int) ([]models.IPFanoutFinding, error)
	TokenStats(ctx context.Context, start, end time.Time) (mean, stddev float64, err error)
	BigRequests(ctx context.Context, start, end time.Time, threshold float64) ([]models.BigRequestFinding, error)
}

// Notifier receives the surviving findings of one rule invocation.
type Notifier interface {
	Notify(ctx context.Context, rule string, findings []alert.Finding)
}

// Defaults are the env-level thresholds used when the rules file leaves a
// knob unset.
type Defaults struct {
	BurstWindowSec          int
	BurstLimitPerToken      int
	TokenMultiUserThreshold int
	IPUsersThreshold        int
	BigRequestSigma         float64
}

// Engine evaluates the detection rules.
type Engine struct {
	logs      LogStore
	rules     alert.RulesSource
	alerts    Notifier
	defaults  Defaults
	logger    zerolog.Logger
	collector *metrics.Collector
	now       func() time.Time
}

func NewEngine(logs LogStore, rules alert.RulesSource, alerts Notifier, defaults Defaults, logger zerolog.Logger, collector *metrics.Collector) *Engine {
	return &Engine{
		logs:      logs,
		rules:     rules,
		alerts:    alerts,
		defaults:  defaults,
		logger:    logger,
		collector: collector,
		now:       time.Now,
	}
}

// CheckBurst flags tokens that issued at least the limit of requests within
// the configured sub-window of the query window.
func (e *Engine) CheckBurst(ctx context.Context) error {
	cfg := e.rules.Get()
	rc := cfg.Rule(string(RuleBurst))
	if !rc.IsEnabled() {
		e.logger.Debug().Msg("burst rule disabled")
		return nil
	}

	windowSec := rc.WindowSec
	if windowSec <= 0 {
		windowSec = e.defaults.BurstWindowSec
	}
	limit := rc.LimitPerToken
	if limit <= 0 {
		limit = e.defaults.BurstLimitPerToken
	}

	end := e.now()
	start := end.Add(-burstQueryWindow)

	candidates, err := e.logs.BurstCandidates(ctx, start, end, limit, windowSec)
	if err != nil {
		return err
	}

	var findings []alert.Finding
	for _, c := range candidates {
		// The store already filters on count and span; re-check here so a
		// looser store implementation cannot widen the rule.
		if !IsBurst(c.RequestCount, c.FirstRequest, c.LastRequest, int64(limit), int64(windowSec)) {
			continue
		}
		if cfg.Whitelist.HasToken(c.TokenID) {
			continue
		}
		c.WindowSec = windowSec
		c.Threshold = limit
		findings = append(findings, c)
	}

	e.finish(ctx, RuleBurst, findings)
	return nil
}

// CheckSharedToken flags tokens used by more distinct accounts than the
// threshold within the trailing hour.
func (e *Engine) CheckSharedToken(ctx context.Context) error {
	cfg := e.rules.Get()
	rc := cfg.Rule(string(RuleSharedToken))
	if !rc.IsEnabled() {
		e.logger.Debug().Msg("multi_user_token rule disabled")
		return nil
	}

	threshold := rc.UsersThreshold
	if threshold <= 0 {
		threshold = e.defaults.TokenMultiUserThreshold
	}

	end := e.now()
	start := end.Add(-sharedTokenWindow)

	candidates, err := e.logs.SharedTokenCandidates(ctx, start, end, threshold)
	if err != nil {
		return err
	}

	var findings []alert.Finding
	for _, c := range candidates {
		if cfg.Whitelist.HasToken(c.TokenID) {
			continue
		}
		c.Threshold = threshold
		findings = append(findings, c)
	}

	e.finish(ctx, RuleSharedToken, findings)
	return nil
}

// CheckIPFanout flags source IPs with more distinct accounts than the
// threshold within the trailing hour.
func (e *Engine) CheckIPFanout(ctx context.Context) error {
	cfg := e.rules.Get()
	rc := cfg.Rule(string(RuleIPFanout))
	if !rc.IsEnabled() {
		e.logger.Debug().Msg("ip_many_users rule disabled")
		return nil
	}

	threshold := rc.UsersThreshold
	if threshold <= 0 {
		threshold = e.defaults.IPUsersThreshold
	}

	end := e.now()
	start := end.Add(-ipFanoutWindow)

	candidates, err := e.logs.IPFanoutCandidates(ctx, start, end, threshold)
	if err != nil {
		return err
	}

	var findings []alert.Finding
	for _, c := range candidates {
		if cfg.Whitelist.HasIP(c.IP) {
			continue
		}
		c.Threshold = threshold
		findings = append(findings, c)
	}

	e.finish(ctx, RuleIPFanout, findings)
	return nil
}

// CheckBigRequest flags requests whose token count exceeds
// mean + sigma*stddev over the trailing window. Mean and stddev are computed
// once per invocation over the whole window, not per group.
func (e *Engine) CheckBigRequest(ctx context.Context) error {
	cfg := e.rules.Get()
	rc := cfg.Rule(string(RuleBigRequest))
	if !rc.IsEnabled() {
		e.logger.Debug().Msg("big_request rule disabled")
		return nil
	}

	sigma := rc.Sigma
	if sigma <= 0 {
		sigma = e.defaults.BigRequestSigma
	}

	end := e.now()
	start := end.Add(-bigRequestWindow)

	mean, stddev, err := e.logs.TokenStats(ctx, start, end)
	if err != nil {
		return err
	}
	if stddev == 0 {
		// Uniform traffic has no outliers.
		e.finish(ctx, RuleBigRequest, nil)
		return nil
	}

	threshold := SigmaThreshold(mean, stddev, sigma)

	candidates, err := e.logs.BigRequests(ctx, start, end, threshold)
	if err != nil {
		return err
	}

	var findings []alert.Finding
	for _, c := range candidates {
		if cfg.Whitelist.HasToken(c.TokenID) {
			continue
		}
		if cfg.Whitelist.HasUser(c.Username) {
			continue
		}
		c.MeanTokens = mean
		c.StdTokens = stddev
		c.Threshold = threshold
		c.Sigma = sigma
		findings = append(findings, c)
	}

	e.finish(ctx, RuleBigRequest, findings)
	return nil
}

func (e *Engine) finish(ctx context.Context, rule Rule, findings []alert.Finding) {
	if len(findings) > 0 {
		e.logger.Warn().Str("rule", string(rule)).Int("findings", len(findings)).Msg("rule detected anomalies")
		e.collector.RuleFindings.WithLabelValues(string(rule)).Add(float64(len(findings)))
		e.alerts.Notify(ctx, string(rule), findings)
	}
	e.logger.Info().Str("rule", string(rule)).Int("findings", len(findings)).Msg("rule check completed")
}

// IsBurst reports whether a token's request pattern is a burst: at least
// limit requests whose first-to-last span fits inside windowSec seconds.
func IsBurst(requestCount, firstRequest, lastRequest, limit, windowSec int64) bool {
	return requestCount >= limit && lastRequest-firstRequest <= windowSec
}

// SigmaThreshold is the outlier cutoff for the big-request rule.
func SigmaThreshold(mean, stddev, sigma float64) float64 {
	return mean + sigma*stddev
}
