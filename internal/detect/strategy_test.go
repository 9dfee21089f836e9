package detect

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/prospector/internal/browser"
	"github.com/kalambet/prospector/internal/scraper"
)

// countingGate grants the first n acquisitions.
type countingGate struct {
	mu      sync.Mutex
	allow   int
	granted []string
}

func (g *countingGate) TryAcquire(service, scope string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.granted) >= g.allow {
		return false
	}
	g.granted = append(g.granted, service+"/"+scope)
	return true
}

type fakeFetcher struct {
	pages   map[string]string
	fetched []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, _ scraper.FetchOptions) (scraper.Page, error) {
	f.fetched = append(f.fetched, url)
	body, ok := f.pages[url]
	if !ok {
		return scraper.Page{}, &scraper.StatusError{StatusCode: 404}
	}
	return scraper.Page{URL: url, StatusCode: 200, ContentType: "text/html", Body: []byte(body)}, nil
}

func TestScrape_FirstPathWithCarriersWins(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{
		"https://shop.example.com/cart":     `<p>Betala med Klarna</p><button>Till kassan</button>`,
		"https://shop.example.com/shipping": `<h2>Frakt</h2><p>PostNord</p><p>DHL</p><p>Betala med Swish</p>`,
		"https://shop.example.com/":         `<p>Bring</p>`,
	}}
	s := NewScrapeStrategy(f, nil, nil, ScrapeOptions{Paths: []string{"/cart", "/shipping", "/"}})

	res, err := s.Attempt(context.Background(), shop)
	require.NoError(t, err)
	assert.Equal(t, []string{"PostNord", "DHL"}, res.Carriers)
	assert.Equal(t, []string{"Klarna", "Swish"}, res.PaymentProviders)
	require.NotNil(t, res.HasCheckout)
	assert.True(t, *res.HasCheckout)
	assert.Equal(t, MethodManagedScrape, res.Method)
	assert.Len(t, f.fetched, 2, "stops after the first path with carriers")
}

func TestScrape_FetchErrorsContinue(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{
		"https://shop.example.com/": `<h2>Shipping</h2><p>Budbee</p>`,
	}}
	s := NewScrapeStrategy(f, nil, nil, ScrapeOptions{Paths: []string{"/checkout", "/"}})

	res, err := s.Attempt(context.Background(), shop)
	require.NoError(t, err)
	assert.Equal(t, []string{"Budbee"}, res.Carriers)
}

func TestScrape_NothingFound(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{"https://shop.example.com/": `<p>About us</p>`}}
	res, err := NewScrapeStrategy(f, nil, nil, ScrapeOptions{Paths: []string{"/"}}).Attempt(context.Background(), shop)
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestScrape_QuotaDeniedBeforeFirstFetch(t *testing.T) {
	f := &fakeFetcher{}
	s := NewScrapeStrategy(f, &countingGate{allow: 0}, nil, ScrapeOptions{Paths: []string{"/", "/cart"}})

	_, err := s.Attempt(context.Background(), shop)
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Empty(t, f.fetched)
}

func TestScrape_QuotaDeniedMidwayStops(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{
		"https://shop.example.com/a": `<p>nothing</p>`,
		"https://shop.example.com/b": `<p>Frakt: DHL</p>`,
	}}
	gate := &countingGate{allow: 1}
	s := NewScrapeStrategy(f, gate, nil, ScrapeOptions{Paths: []string{"/a", "/b"}})

	res, err := s.Attempt(context.Background(), shop)
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Equal(t, []string{"https://shop.example.com/a"}, f.fetched)
	assert.Equal(t, []string{"scrape/t1"}, gate.granted)
}

type fakePage struct {
	texts     map[string]pageTexts
	current   string
	navigated []string
	filled    int
	closed    bool
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.navigated = append(p.navigated, url)
	if _, ok := p.texts[url]; !ok {
		return errors.New("net::ERR_NAME_NOT_RESOLVED")
	}
	p.current = url
	return nil
}

func (p *fakePage) FillCheckoutForm(context.Context) (int, error) {
	p.filled++
	return 3, nil
}

func (p *fakePage) Evaluate(_ context.Context, _ string, out any) error {
	b, err := json.Marshal(p.texts[p.current])
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (p *fakePage) Close() error {
	p.closed = true
	return nil
}

type fakeBrowser struct {
	page *fakePage
	err  error
}

func (b *fakeBrowser) NewPage(context.Context) (browser.Page, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.page, nil
}

func TestBrowser_SectionTextPreferred(t *testing.T) {
	page := &fakePage{texts: map[string]pageTexts{
		"https://shop.example.com/checkout": {
			Section: "Fraktsätt\nInstabox\nPostNord",
			Page:    "DHL partner since 1999\nFraktsätt\nInstabox\nPostNord\nKlarna\nTill kassan",
		},
	}}
	s := NewBrowserStrategy(&fakeBrowser{page: page}, nil, nil, BrowserOptions{
		Paths:    []string{"/checkout"},
		FillForm: true,
	})

	res, err := s.Attempt(context.Background(), shop)
	require.NoError(t, err)
	assert.Equal(t, []string{"Instabox", "PostNord"}, res.Carriers)
	assert.Equal(t, []string{"Klarna"}, res.PaymentProviders)
	assert.Equal(t, MethodBrowser, res.Method)
	assert.Equal(t, 1, page.filled)
	assert.True(t, page.closed)
}

func TestBrowser_FallsBackToPageText(t *testing.T) {
	page := &fakePage{texts: map[string]pageTexts{
		"https://shop.example.com/": {Page: "Leverans\nBring"},
	}}
	s := NewBrowserStrategy(&fakeBrowser{page: page}, nil, nil, BrowserOptions{Paths: []string{"/missing", "/"}})

	res, err := s.Attempt(context.Background(), shop)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bring"}, res.Carriers)
	assert.Len(t, page.navigated, 2)
	assert.Zero(t, page.filled)
}

func TestBrowser_QuotaDenied(t *testing.T) {
	page := &fakePage{}
	s := NewBrowserStrategy(&fakeBrowser{page: page}, &countingGate{}, nil, BrowserOptions{Paths: []string{"/"}})

	_, err := s.Attempt(context.Background(), shop)
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Empty(t, page.navigated)
}

func TestBrowser_QuotaBoundsNavigations(t *testing.T) {
	page := &fakePage{texts: map[string]pageTexts{
		"https://shop.example.com/a": {Page: "nothing"},
		"https://shop.example.com/b": {Page: "Frakt\nDHL"},
	}}
	s := NewBrowserStrategy(&fakeBrowser{page: page}, &countingGate{allow: 1}, nil, BrowserOptions{Paths: []string{"/a", "/b"}})

	res, err := s.Attempt(context.Background(), shop)
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Equal(t, []string{"https://shop.example.com/a"}, page.navigated)
}

func TestBrowser_OpenPageError(t *testing.T) {
	s := NewBrowserStrategy(&fakeBrowser{err: errors.New("chrome not found")}, nil, nil, BrowserOptions{})
	_, err := s.Attempt(context.Background(), shop)
	assert.ErrorContains(t, err, "chrome not found")
}

type fakeAsker struct {
	answer  string
	err     error
	prompts []string
}

func (a *fakeAsker) Ask(_ context.Context, prompt string) (string, error) {
	a.prompts = append(a.prompts, prompt)
	return a.answer, a.err
}

func TestLLM_ParsesFencedAnswer(t *testing.T) {
	a := &fakeAsker{answer: "Sure!\n```json\n{\"carriers\": [\"postnord\", \"DHL Express\", \"Acme Freight\", \"PostNord\"], \"payment_providers\": [\"klarna\"], \"has_checkout\": true}\n```"}
	s := NewLLMStrategy(a, nil, nil)

	res, err := s.Attempt(context.Background(), Target{LeadID: "l1", Domain: "shop.se", Name: "Shop AB"})
	require.NoError(t, err)
	assert.Equal(t, []string{"PostNord", "DHL", "Acme Freight"}, res.Carriers)
	assert.Equal(t, []string{"Klarna"}, res.PaymentProviders)
	require.NotNil(t, res.HasCheckout)
	assert.True(t, *res.HasCheckout)
	assert.Equal(t, ConfidenceLow, res.Confidence)

	require.Len(t, a.prompts, 1)
	assert.Contains(t, a.prompts[0], "https://shop.se")
	assert.True(t, strings.HasSuffix(a.prompts[0], "[Shop name]\nShop AB"))
}

func TestLLM_EmptyAnswer(t *testing.T) {
	res, err := NewLLMStrategy(&fakeAsker{answer: `{"carriers": []}`}, nil, nil).Attempt(context.Background(), shop)
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestLLM_Errors(t *testing.T) {
	_, err := NewLLMStrategy(&fakeAsker{answer: "I don't know"}, nil, nil).Attempt(context.Background(), shop)
	assert.Error(t, err)

	_, err = NewLLMStrategy(&fakeAsker{err: errors.New("503")}, nil, nil).Attempt(context.Background(), shop)
	assert.ErrorContains(t, err, "503")
}

func TestLLM_QuotaDenied(t *testing.T) {
	a := &fakeAsker{answer: `{"carriers": ["DHL"]}`}
	_, err := NewLLMStrategy(a, &countingGate{}, nil).Attempt(context.Background(), shop)
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Empty(t, a.prompts)
}
