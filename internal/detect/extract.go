package detect

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultSectionWindow is how many lines after a section heading are searched.
const DefaultSectionWindow = 40

type alias struct {
	Canonical string
	Variants  []string // lowercase
}

// carrierAliases is in discovery order: the order used when no shipping
// section is found on the page.
var carrierAliases = []alias{
	{"PostNord", []string{"postnord", "post nord", "posten"}},
	{"DHL", []string{"dhl"}},
	{"Bring", []string{"bring"}},
	{"Budbee", []string{"budbee"}},
	{"Instabox", []string{"instabox"}},
	{"Schenker", []string{"db schenker", "schenker"}},
	{"Airmee", []string{"airmee"}},
	{"Early Bird", []string{"early bird", "earlybird"}},
	{"Best Transport", []string{"best transport", "bestransport"}},
	{"Helthjem", []string{"helthjem", "hel hjem"}},
	{"Porterbuddy", []string{"porterbuddy"}},
	{"Posti", []string{"posti"}},
	{"Matkahuolto", []string{"matkahuolto"}},
	{"GLS", []string{"gls"}},
	{"DPD", []string{"dpd"}},
	{"UPS", []string{"ups"}},
	{"FedEx", []string{"fedex", "fed ex"}},
	{"TNT", []string{"tnt"}},
}

var paymentAliases = []alias{
	{"Klarna", []string{"klarna"}},
	{"Swish", []string{"swish"}},
	{"Qliro", []string{"qliro"}},
	{"Walley", []string{"walley", "collector bank"}},
	{"Svea", []string{"svea"}},
	{"Resurs", []string{"resurs bank", "resurs"}},
	{"Trustly", []string{"trustly"}},
	{"Vipps", []string{"vipps"}},
	{"MobilePay", []string{"mobilepay", "mobile pay"}},
	{"Stripe", []string{"stripe"}},
	{"Adyen", []string{"adyen"}},
	{"Nets", []string{"nets easy", "nexi"}},
	{"PayPal", []string{"paypal", "pay pal"}},
	{"Apple Pay", []string{"apple pay", "applepay"}},
	{"Google Pay", []string{"google pay", "googlepay", "gpay"}},
	{"Mastercard", []string{"mastercard", "master card"}},
	{"American Express", []string{"american express", "amex"}},
}

var sectionKeywords = []string{
	"shipping", "delivery", "fraktalternativ", "frakt", "leveranssätt", "leverans",
	"levering", "toimitus", "versand", "leveringsmetode",
}

var checkoutMarkers = []string{
	"checkout", "kassa", "kassan", "varukorg", "add to cart", "add to basket",
	"lägg i varukorg", "köp nu", "handlekurv", "legg i handlekurven", "ostoskori",
	"shopping cart", "in den warenkorb",
}

// Extractor pulls canonical names out of page text.
type Extractor struct {
	// SectionWindow is the number of lines searched after the first line
	// holding a section keyword.
	SectionWindow int
}

// NewExtractor returns an extractor using window, or DefaultSectionWindow
// when window is not positive.
func NewExtractor(window int) *Extractor {
	if window <= 0 {
		window = DefaultSectionWindow
	}
	return &Extractor{SectionWindow: window}
}

// Carriers extracts carriers in two passes. When a line holds a section
// keyword, only the following window of lines is searched and carriers are
// ranked by first appearance there. Otherwise the whole document is searched
// and carriers come out in alias-table order.
func (e *Extractor) Carriers(text string) []string {
	lines := strings.Split(strings.ToLower(text), "\n")
	start := -1
	for i, line := range lines {
		if containsAny(line, sectionKeywords) {
			start = i
			break
		}
	}
	if start >= 0 {
		end := min(start+e.window(), len(lines))
		if found := byFirstAppearance(strings.Join(lines[start:end], "\n"), carrierAliases); len(found) > 0 {
			return found
		}
	}
	return byTableOrder(strings.Join(lines, "\n"), carrierAliases)
}

// PaymentProviders extracts payment providers ordered by first appearance.
func (e *Extractor) PaymentProviders(text string) []string {
	return byFirstAppearance(strings.ToLower(text), paymentAliases)
}

// Checkout reports whether the text carries cart or checkout markers.
func (e *Extractor) Checkout(text string) bool {
	return containsAny(strings.ToLower(text), checkoutMarkers)
}

func (e *Extractor) window() int {
	if e == nil || e.SectionWindow <= 0 {
		return DefaultSectionWindow
	}
	return e.SectionWindow
}

var defaultExtractor = NewExtractor(DefaultSectionWindow)

// ExtractCarriers runs Extractor.Carriers with the default window.
func ExtractCarriers(text string) []string { return defaultExtractor.Carriers(text) }

// ExtractPaymentProviders runs Extractor.PaymentProviders.
func ExtractPaymentProviders(text string) []string { return defaultExtractor.PaymentProviders(text) }

// DetectCheckout runs Extractor.Checkout.
func DetectCheckout(text string) bool { return defaultExtractor.Checkout(text) }

// CanonicalCarrier maps a free-form carrier name to its canonical form.
func CanonicalCarrier(name string) (string, bool) {
	return canonical(name, carrierAliases)
}

// CanonicalPaymentProvider maps a free-form provider name to its canonical form.
func CanonicalPaymentProvider(name string) (string, bool) {
	return canonical(name, paymentAliases)
}

func canonical(name string, table []alias) (string, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return "", false
	}
	for _, a := range table {
		if strings.ToLower(a.Canonical) == n {
			return a.Canonical, true
		}
		for _, v := range a.Variants {
			if wordIndex(n, v) >= 0 {
				return a.Canonical, true
			}
		}
	}
	return "", false
}

func byFirstAppearance(lower string, table []alias) []string {
	type hit struct {
		name string
		pos  int
	}
	var hits []hit
	for _, a := range table {
		pos := -1
		for _, v := range a.Variants {
			if i := wordIndex(lower, v); i >= 0 && (pos < 0 || i < pos) {
				pos = i
			}
		}
		if pos >= 0 {
			hits = append(hits, hit{a.Canonical, pos})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.name
	}
	return out
}

func byTableOrder(lower string, table []alias) []string {
	var out []string
	for _, a := range table {
		for _, v := range a.Variants {
			if wordIndex(lower, v) >= 0 {
				out = append(out, a.Canonical)
				break
			}
		}
	}
	return out
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// wordIndex finds needle in s where it is not glued to a letter or digit on
// either side, so "ups" does not match "groups".
func wordIndex(s, needle string) int {
	offset := 0
	for {
		i := strings.Index(s[offset:], needle)
		if i < 0 {
			return -1
		}
		i += offset
		end := i + len(needle)
		if boundaryBefore(s, i) && boundaryAfter(s, end) {
			return i
		}
		offset = i + 1
		if offset >= len(s) {
			return -1
		}
	}
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(r)
}

func boundaryAfter(s string, end int) bool {
	if end >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[end:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// mergeOrdered appends the names in add that base does not hold yet.
func mergeOrdered(base, add []string) []string {
	for _, a := range add {
		found := false
		for _, b := range base {
			if a == b {
				found = true
				break
			}
		}
		if !found {
			base = append(base, a)
		}
	}
	return base
}
