package detect

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/prospector/internal/browser"
)

// Browser opens pages in a headless browser. *browser.Chrome satisfies it.
type Browser interface {
	NewPage(ctx context.Context) (browser.Page, error)
}

// pageTextScript returns the text of elements whose class, id or name looks
// shipping-related, plus the whole page text.
const pageTextScript = `(() => {
  const keys = ["shipping", "delivery", "frakt", "leverans", "carrier", "fraktsatt", "levering", "versand", "toimitus"];
  const seen = new Set();
  const parts = [];
  for (const el of document.querySelectorAll("[class],[id],[name]")) {
    const a = [el.className && el.className.baseVal === undefined ? el.className : "", el.id, el.getAttribute("name")]
      .filter(Boolean).join(" ").toLowerCase();
    if (!keys.some((k) => a.includes(k))) continue;
    let skip = false;
    for (let p = el.parentElement; p; p = p.parentElement) {
      if (seen.has(p)) { skip = true; break; }
    }
    if (skip) continue;
    seen.add(el);
    const text = (el.innerText || el.value || "").trim();
    if (text) parts.push(text);
  }
  return { section: parts.join("\n"), page: document.body ? document.body.innerText : "" };
})()`

type pageTexts struct {
	Section string `json:"section"`
	Page    string `json:"page"`
}

// BrowserOptions configure BrowserStrategy. Zero values use defaults.
type BrowserOptions struct {
	Paths    []string
	FillForm bool
	Logger   *slog.Logger
}

// BrowserStrategy renders candidate paths in a headless browser, optionally
// fills a synthetic checkout form, and extracts carriers from
// shipping-looking elements, falling back to the whole page text.
type BrowserStrategy struct {
	browser   Browser
	gate      QuotaGate
	extractor *Extractor
	paths     []string
	fillForm  bool
	logger    *slog.Logger
}

func NewBrowserStrategy(b Browser, gate QuotaGate, ex *Extractor, opts BrowserOptions) *BrowserStrategy {
	if gate == nil {
		gate = openGate{}
	}
	if ex == nil {
		ex = defaultExtractor
	}
	if len(opts.Paths) == 0 {
		opts.Paths = DefaultPaths
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &BrowserStrategy{
		browser:   b,
		gate:      gate,
		extractor: ex,
		paths:     opts.Paths,
		fillForm:  opts.FillForm,
		logger:    opts.Logger,
	}
}

func (s *BrowserStrategy) Name() Method { return MethodBrowser }

func (s *BrowserStrategy) Attempt(ctx context.Context, t Target) (Result, error) {
	if !s.gate.TryAcquire(ServiceBrowser, t.TenantID) {
		return Result{}, ErrQuotaExhausted
	}

	page, err := s.browser.NewPage(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("opening browser page: %w", err)
	}
	defer page.Close()

	base := t.BaseURL()
	var (
		providers []string
		checkout  bool
	)
	for i, path := range s.paths {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		// The first navigation was paid for before the page opened.
		if i > 0 && !s.gate.TryAcquire(ServiceBrowser, t.TenantID) {
			break
		}

		url := base + path
		if err := page.Navigate(ctx, url); err != nil {
			s.logger.Debug("browser navigation failed", "lead_id", t.LeadID, "url", url, "error", err)
			continue
		}
		if s.fillForm {
			if n, err := page.FillCheckoutForm(ctx); err != nil {
				s.logger.Debug("checkout form fill failed", "lead_id", t.LeadID, "url", url, "error", err)
			} else if n > 0 {
				s.logger.Debug("checkout form filled", "lead_id", t.LeadID, "url", url, "fields", n)
			}
		}

		var texts pageTexts
		if err := page.Evaluate(ctx, pageTextScript, &texts); err != nil {
			s.logger.Debug("reading page text failed", "lead_id", t.LeadID, "url", url, "error", err)
			continue
		}

		providers = mergeOrdered(providers, s.extractor.PaymentProviders(texts.Page))
		checkout = checkout || s.extractor.Checkout(texts.Page)

		carriers := s.extractor.Carriers(texts.Section)
		if len(carriers) == 0 {
			carriers = s.extractor.Carriers(texts.Page)
		}
		if len(carriers) > 0 {
			return Result{
				Carriers:         carriers,
				PaymentProviders: providers,
				HasCheckout:      &checkout,
				Method:           MethodBrowser,
				Confidence:       ConfidenceMedium,
			}, nil
		}
	}
	return Result{}, nil
}
