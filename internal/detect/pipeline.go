package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const defaultStrategyTimeout = 90 * time.Second

// Pipeline runs strategies in order and stops at the first confident,
// non-empty result.
type Pipeline struct {
	strategies    []Strategy
	timeout       time.Duration
	minConfidence Confidence
	logger        *slog.Logger
}

type PipelineOption func(*Pipeline)

// WithStrategyTimeout bounds each strategy attempt.
func WithStrategyTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMinConfidence skips strategies whose tier is below c.
func WithMinConfidence(c Confidence) PipelineOption {
	return func(p *Pipeline) { p.minConfidence = c }
}

func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

func NewPipeline(strategies []Strategy, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		strategies:    strategies,
		timeout:       defaultStrategyTimeout,
		minConfidence: ConfidenceLow,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Strategies returns the method names in pipeline order.
func (p *Pipeline) Strategies() []Method {
	out := make([]Method, len(p.strategies))
	for i, s := range p.strategies {
		out[i] = s.Name()
	}
	return out
}

// Narrow returns a pipeline restricted to the named strategies (pipeline
// order is kept) and, when minConfidence is non-empty, to that floor. Empty
// arguments keep the receiver's settings.
func (p *Pipeline) Narrow(names []string, minConfidence string) (*Pipeline, error) {
	out := *p
	if len(names) > 0 {
		want := make(map[Method]bool, len(names))
		for _, n := range names {
			m := Method(n)
			if !p.has(m) {
				return nil, fmt.Errorf("unknown or disabled strategy %q", n)
			}
			want[m] = true
		}
		out.strategies = nil
		for _, s := range p.strategies {
			if want[s.Name()] {
				out.strategies = append(out.strategies, s)
			}
		}
	}
	if minConfidence != "" {
		c, err := ParseConfidence(minConfidence)
		if err != nil {
			return nil, err
		}
		out.minConfidence = c
	}
	return &out, nil
}

func (p *Pipeline) has(m Method) bool {
	for _, s := range p.strategies {
		if s.Name() == m {
			return true
		}
	}
	return false
}

// Detect tries each strategy under its own timeout. Strategy errors,
// timeouts and quota denials fall through to the next strategy. When every
// eligible strategy was denied quota the error is ErrQuotaExhausted,
// otherwise an all-empty run returns ErrNoDetection.
func (p *Pipeline) Detect(ctx context.Context, t Target) (Result, error) {
	none := Result{Method: MethodNone, Confidence: ConfidenceNone}

	var eligible, denied int
	for _, s := range p.strategies {
		if err := ctx.Err(); err != nil {
			return none, err
		}
		if !ConfidenceOf(s.Name()).AtLeast(p.minConfidence) {
			continue
		}
		eligible++

		res, err := p.attempt(ctx, s, t)
		switch {
		case errors.Is(err, ErrQuotaExhausted):
			denied++
			p.logger.Debug("strategy skipped, quota exhausted", "lead_id", t.LeadID, "strategy", s.Name())
			continue
		case err != nil:
			p.logger.Debug("strategy failed", "lead_id", t.LeadID, "strategy", s.Name(), "error", err)
			continue
		case res.Empty():
			p.logger.Debug("strategy found nothing", "lead_id", t.LeadID, "strategy", s.Name())
			continue
		}

		res.Method = s.Name()
		res.Confidence = ConfidenceOf(s.Name())
		return res, nil
	}

	if err := ctx.Err(); err != nil {
		return none, err
	}
	if eligible > 0 && denied == eligible {
		return none, ErrQuotaExhausted
	}
	return none, ErrNoDetection
}

func (p *Pipeline) attempt(ctx context.Context, s Strategy, t Target) (Result, error) {
	sctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return s.Attempt(sctx, t)
}
