package detect

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/prospector/internal/scraper"
)

// DefaultPaths are the shop paths probed, most promising first.
var DefaultPaths = []string{
	"/checkout", "/cart", "/kassa", "/varukorg",
	"/shipping", "/frakt", "/leverans",
	"/products", "/",
}

// Fetcher retrieves rendered pages. *scraper.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts scraper.FetchOptions) (scraper.Page, error)
}

// ScrapeOptions configure ScrapeStrategy. Zero values use defaults.
type ScrapeOptions struct {
	Paths   []string
	Wait    time.Duration
	Timeout time.Duration
	Logger  *slog.Logger
}

// ScrapeStrategy fetches candidate paths through the managed scraping API
// and runs the alias extraction on their text.
type ScrapeStrategy struct {
	fetcher   Fetcher
	gate      QuotaGate
	extractor *Extractor
	paths     []string
	wait      time.Duration
	timeout   time.Duration
	logger    *slog.Logger
}

func NewScrapeStrategy(f Fetcher, gate QuotaGate, ex *Extractor, opts ScrapeOptions) *ScrapeStrategy {
	if gate == nil {
		gate = openGate{}
	}
	if ex == nil {
		ex = defaultExtractor
	}
	if len(opts.Paths) == 0 {
		opts.Paths = DefaultPaths
	}
	if opts.Wait <= 0 {
		opts.Wait = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ScrapeStrategy{
		fetcher:   f,
		gate:      gate,
		extractor: ex,
		paths:     opts.Paths,
		wait:      opts.Wait,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
	}
}

func (s *ScrapeStrategy) Name() Method { return MethodManagedScrape }

// Attempt returns on the first path that yields carriers. Payment providers
// and the checkout flag accumulate across every path visited before that.
func (s *ScrapeStrategy) Attempt(ctx context.Context, t Target) (Result, error) {
	base := t.BaseURL()
	var (
		providers []string
		checkout  bool
		fetched   int
	)
	for _, path := range s.paths {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if !s.gate.TryAcquire(ServiceScrape, t.TenantID) {
			if fetched == 0 {
				return Result{}, ErrQuotaExhausted
			}
			break
		}

		url := base + path
		page, err := s.fetcher.Fetch(ctx, url, scraper.FetchOptions{Wait: s.wait, Timeout: s.timeout})
		if err != nil {
			s.logger.Debug("scrape fetch failed", "lead_id", t.LeadID, "url", url, "error", err)
			continue
		}
		fetched++

		text, err := pageText(page)
		if err != nil {
			s.logger.Debug("scrape page unreadable", "lead_id", t.LeadID, "url", url, "error", err)
			continue
		}

		providers = mergeOrdered(providers, s.extractor.PaymentProviders(text))
		checkout = checkout || s.extractor.Checkout(text)

		if carriers := s.extractor.Carriers(text); len(carriers) > 0 {
			return Result{
				Carriers:         carriers,
				PaymentProviders: providers,
				HasCheckout:      &checkout,
				Method:           MethodManagedScrape,
				Confidence:       ConfidenceHigh,
			}, nil
		}
	}
	return Result{}, nil
}

func pageText(p scraper.Page) (string, error) {
	if p.IsPDF() {
		return TextFromPDF(p.Body)
	}
	return TextFromHTML(bytes.NewReader(p.Body))
}
