// Package decision generates trade proposals and per-position decisions from
// an ordered chain of language-model providers, validating every response
// against a strict contract before anything downstream may act on it.
package decision

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"tradepilot/pkg/alert"
	"tradepilot/pkg/events"
	"tradepilot/pkg/llm"
)

const defaultCallTimeout = 60 * time.Second

// callParams are the temperature/token budgets per call type.
type callParams struct {
	temperature float64
	maxTokens   int
}

var (
	decisionCall = callParams{temperature: 0.2, maxTokens: 2000}
	proposalCall = callParams{temperature: 0.5, maxTokens: 1500}
	analysisCall = callParams{temperature: 0.7, maxTokens: 500}
	healthCall   = callParams{temperature: 0, maxTokens: 8}
)

// Provider tries an ordered chain of chat backends: the first that delivers a
// parseable response wins; when every backend fails, callers get an empty
// result and an alert, never an abort.
type Provider struct {
	chain    []llm.ChatClient
	log      *events.Log
	notifier alert.Notifier
	timeout  time.Duration
}

// Option configures a Provider.
type Option func(*Provider)

// WithTimeout overrides the per-call cap.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewProvider constructs a Provider over the ordered backend chain.
func NewProvider(chain []llm.ChatClient, eventLog *events.Log, notifier alert.Notifier, opts ...Option) *Provider {
	if notifier == nil {
		notifier = alert.Noop{}
	}
	p := &Provider{
		chain:    chain,
		log:      eventLog,
		notifier: notifier,
		timeout:  defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// chatOne runs a single backend call under the per-call timeout.
func (p *Provider) chatOne(ctx context.Context, c llm.ChatClient, system, user string, cp callParams) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	temp := cp.temperature
	maxTokens := cp.maxTokens
	resp, err := c.Chat(callCtx, &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return "", err
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("decision: provider %s returned an empty completion", c.Name())
	}
	return text, nil
}

// Decisions returns exactly one decision per position, in input order. The
// backend chain is tried until one response decodes as a JSON array; element
// validation then degrades invalid entries individually. When every backend
// fails outright, the result is empty and a provider-failure alert fires.
func (p *Provider) Decisions(ctx context.Context, positions []PositionContext) []Decision {
	if len(positions) == 0 {
		return nil
	}
	symbols := make([]string, len(positions))
	for i := range positions {
		symbols[i] = positions[i].Position.Symbol
	}

	user := BuildDecisionPrompt(positions, p.symbolStats(), p.averagedSymbols())

	var lastText, lastProvider string
	for _, c := range p.chain {
		text, err := p.chatOne(ctx, c, decisionSystemPrompt, user, decisionCall)
		if err != nil {
			logx.WithContext(ctx).Errorf("decision: provider %s failed: %v", c.Name(), err)
			continue
		}
		lastText, lastProvider = text, c.Name()

		rows, ok := decodeArray(text)
		if !ok {
			logx.WithContext(ctx).Errorf("decision: provider %s response not a JSON array", c.Name())
			continue
		}
		if len(rows) != len(symbols) {
			logx.WithContext(ctx).Errorf("decision: provider %s returned %d elements for %d positions", c.Name(), len(rows), len(symbols))
		}
		return p.finishDecisions(decisionsFromRows(rows, symbols), c.Name())
	}

	if lastText == "" {
		p.notifier.Fire(alert.KindProviderFailure, "decisions: all providers failed")
		return []Decision{}
	}
	// Every backend answered, none parseably: degrade the whole set.
	return p.finishDecisions(parseDecisions(lastText, symbols), lastProvider)
}

// finishDecisions stamps provenance and fires one invalid-response alert per
// degraded element.
func (p *Provider) finishDecisions(decisions []Decision, provider string) []Decision {
	for i := range decisions {
		decisions[i].Provider = provider
		if decisions[i].IsDegraded() {
			p.notifier.Fire(alert.KindInvalidResponse,
				fmt.Sprintf("decision for %s degraded: %s", decisions[i].Symbol, decisions[i].Degraded))
		}
	}
	return decisions
}

// Proposals returns new-trade proposals ranked by confidence descending.
// Invalid elements are dropped silently; only proposals with confidence 60 or
// higher survive.
func (p *Provider) Proposals(ctx context.Context, markets []MarketContext, openSymbols []string) []Proposal {
	if len(markets) == 0 {
		return nil
	}
	user := BuildProposalPrompt(markets, openSymbols, p.symbolStats())

	for _, c := range p.chain {
		text, err := p.chatOne(ctx, c, proposalSystemPrompt, user, proposalCall)
		if err != nil {
			logx.WithContext(ctx).Errorf("decision: provider %s failed: %v", c.Name(), err)
			continue
		}
		proposals, ok := parseProposals(text)
		if !ok {
			logx.WithContext(ctx).Errorf("decision: provider %s proposal response unparsable", c.Name())
			continue
		}
		for i := range proposals {
			proposals[i].Provider = c.Name()
		}
		sort.SliceStable(proposals, func(i, j int) bool { return proposals[i].Confidence > proposals[j].Confidence })
		return proposals
	}

	p.notifier.Fire(alert.KindProviderFailure, "proposals: all providers failed")
	return []Proposal{}
}

// Analyze produces a free-text assessment of a single symbol.
func (p *Provider) Analyze(ctx context.Context, symbol string, market MarketContext) (string, error) {
	user := fmt.Sprintf("Symbol: %s\nLast price: %.6g\n24h change: %+.2f%%\n%s",
		symbol, market.Ticker.LastPrice, market.Ticker.Change24hPct, market.PriceHistory)

	var lastErr error
	for _, c := range p.chain {
		text, err := p.chatOne(ctx, c, analysisSystemPrompt, user, analysisCall)
		if err != nil {
			lastErr = err
			continue
		}
		return text, nil
	}
	p.notifier.Fire(alert.KindProviderFailure, "analysis: all providers failed")
	return "", fmt.Errorf("decision: analyze %s: %w", symbol, lastErr)
}

// Health is one backend's health-check result.
type Health struct {
	Provider string `json:"provider"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// HealthCheck pings every backend with a minimal completion.
func (p *Provider) HealthCheck(ctx context.Context) []Health {
	out := make([]Health, 0, len(p.chain))
	for _, c := range p.chain {
		h := Health{Provider: c.Name()}
		if _, err := p.chatOne(ctx, c, "Reply with the single word: ok", "ping", healthCall); err != nil {
			h.Error = err.Error()
		} else {
			h.OK = true
		}
		out = append(out, h)
	}
	return out
}

func (p *Provider) symbolStats() []events.SymbolStats {
	if p.log == nil {
		return nil
	}
	return p.log.SymbolStats(7)
}

func (p *Provider) averagedSymbols() []string {
	if p.log == nil {
		return nil
	}
	return p.log.AveragedSymbols(7)
}
