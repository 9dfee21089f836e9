package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStrategy struct {
	name    Method
	calls   int
	attempt func(ctx context.Context, t Target) (Result, error)
}

func (f *fakeStrategy) Name() Method { return f.name }

func (f *fakeStrategy) Attempt(ctx context.Context, t Target) (Result, error) {
	f.calls++
	if f.attempt == nil {
		return Result{}, nil
	}
	return f.attempt(ctx, t)
}

func found(carriers ...string) func(context.Context, Target) (Result, error) {
	return func(context.Context, Target) (Result, error) {
		return Result{Carriers: carriers}, nil
	}
}

func failing(err error) func(context.Context, Target) (Result, error) {
	return func(context.Context, Target) (Result, error) { return Result{}, err }
}

var shop = Target{LeadID: "l1", TenantID: "t1", Domain: "shop.example.com"}

func TestDetect_ShortCircuitsOnFirstResult(t *testing.T) {
	scrape := &fakeStrategy{name: MethodManagedScrape, attempt: found("PostNord")}
	browse := &fakeStrategy{name: MethodBrowser, attempt: found("DHL")}
	ask := &fakeStrategy{name: MethodLLM, attempt: found("Bring")}

	res, err := NewPipeline([]Strategy{scrape, browse, ask}).Detect(context.Background(), shop)
	require.NoError(t, err)
	assert.Equal(t, []string{"PostNord"}, res.Carriers)
	assert.Equal(t, MethodManagedScrape, res.Method)
	assert.Equal(t, ConfidenceHigh, res.Confidence)
	assert.Equal(t, 1, scrape.calls)
	assert.Zero(t, browse.calls)
	assert.Zero(t, ask.calls)
}

func TestDetect_FallsThroughEmptyAndErrors(t *testing.T) {
	scrape := &fakeStrategy{name: MethodManagedScrape, attempt: failing(errors.New("http 500"))}
	browse := &fakeStrategy{name: MethodBrowser}
	ask := &fakeStrategy{name: MethodLLM, attempt: found("Bring")}

	res, err := NewPipeline([]Strategy{scrape, browse, ask}).Detect(context.Background(), shop)
	require.NoError(t, err)
	assert.Equal(t, MethodLLM, res.Method)
	assert.Equal(t, ConfidenceLow, res.Confidence)
	assert.Equal(t, 1, browse.calls)
}

func TestDetect_TimeoutFallsThrough(t *testing.T) {
	slow := &fakeStrategy{name: MethodManagedScrape, attempt: func(ctx context.Context, _ Target) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}}
	browse := &fakeStrategy{name: MethodBrowser, attempt: found("Budbee")}

	p := NewPipeline([]Strategy{slow, browse}, WithStrategyTimeout(20*time.Millisecond))
	res, err := p.Detect(context.Background(), shop)
	require.NoError(t, err)
	assert.Equal(t, MethodBrowser, res.Method)
	assert.Equal(t, ConfidenceMedium, res.Confidence)
}

func TestDetect_AllEmpty(t *testing.T) {
	p := NewPipeline([]Strategy{
		&fakeStrategy{name: MethodManagedScrape},
		&fakeStrategy{name: MethodBrowser},
	})
	res, err := p.Detect(context.Background(), shop)
	assert.ErrorIs(t, err, ErrNoDetection)
	assert.Equal(t, MethodNone, res.Method)
	assert.Equal(t, ConfidenceNone, res.Confidence)
}

func TestDetect_AllQuotaExhausted(t *testing.T) {
	p := NewPipeline([]Strategy{
		&fakeStrategy{name: MethodManagedScrape, attempt: failing(ErrQuotaExhausted)},
		&fakeStrategy{name: MethodBrowser, attempt: failing(ErrQuotaExhausted)},
		&fakeStrategy{name: MethodLLM, attempt: failing(ErrQuotaExhausted)},
	})
	_, err := p.Detect(context.Background(), shop)
	require.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, "quota exhausted", err.Error())
}

func TestDetect_PartialQuotaIsNoDetection(t *testing.T) {
	p := NewPipeline([]Strategy{
		&fakeStrategy{name: MethodManagedScrape, attempt: failing(ErrQuotaExhausted)},
		&fakeStrategy{name: MethodBrowser},
	})
	_, err := p.Detect(context.Background(), shop)
	assert.ErrorIs(t, err, ErrNoDetection)
}

func TestDetect_MinConfidenceSkipsLowTiers(t *testing.T) {
	browse := &fakeStrategy{name: MethodBrowser}
	ask := &fakeStrategy{name: MethodLLM, attempt: found("Bring")}

	p := NewPipeline([]Strategy{browse, ask}, WithMinConfidence(ConfidenceMedium))
	_, err := p.Detect(context.Background(), shop)
	assert.ErrorIs(t, err, ErrNoDetection)
	assert.Zero(t, ask.calls)
}

func TestDetect_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	scrape := &fakeStrategy{name: MethodManagedScrape, attempt: found("DHL")}
	_, err := NewPipeline([]Strategy{scrape}).Detect(ctx, shop)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, scrape.calls)
}

func TestDetect_ResultStampedWithStrategy(t *testing.T) {
	// A strategy cannot claim a tier it does not own.
	liar := &fakeStrategy{name: MethodLLM, attempt: func(context.Context, Target) (Result, error) {
		return Result{Carriers: []string{"DHL"}, Method: MethodManagedScrape, Confidence: ConfidenceHigh}, nil
	}}
	res, err := NewPipeline([]Strategy{liar}).Detect(context.Background(), shop)
	require.NoError(t, err)
	assert.Equal(t, MethodLLM, res.Method)
	assert.Equal(t, ConfidenceLow, res.Confidence)
}

func TestNarrow(t *testing.T) {
	scrape := &fakeStrategy{name: MethodManagedScrape}
	ask := &fakeStrategy{name: MethodLLM, attempt: found("Bring")}
	p := NewPipeline([]Strategy{scrape, ask})

	only, err := p.Narrow([]string{"llm"}, "")
	require.NoError(t, err)
	assert.Equal(t, []Method{MethodLLM}, only.Strategies())
	assert.Equal(t, []Method{MethodManagedScrape, MethodLLM}, p.Strategies(), "receiver unchanged")

	_, err = p.Narrow([]string{"browser-automation"}, "")
	assert.Error(t, err)

	strict, err := p.Narrow(nil, "high")
	require.NoError(t, err)
	_, err = strict.Detect(context.Background(), shop)
	assert.ErrorIs(t, err, ErrNoDetection)
	assert.Zero(t, ask.calls)

	_, err = p.Narrow(nil, "extreme")
	assert.Error(t, err)
}

func TestTarget_BaseURL(t *testing.T) {
	assert.Equal(t, "https://shop.se", Target{Domain: "shop.se/"}.BaseURL())
	assert.Equal(t, "http://localhost:8080", Target{Domain: "http://localhost:8080"}.BaseURL())
}
