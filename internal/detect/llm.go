package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Asker answers a prompt with text. llm.Asker implementations satisfy it.
type Asker interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

const llmPromptTemplate = `Which shipping carriers does the online shop at %s offer at checkout?

Rules:
- List carriers in the order the shop presents them, most prominent first.
- Use the carriers' common brand names (for example PostNord, DHL, Bring, Budbee, Instabox).
- Also list accepted payment providers if you know them.
- Set has_checkout to true only if the site sells online with its own cart or checkout.
- If you do not know, return empty lists. Never guess.

Respond with this JSON object:
{"carriers": ["..."], "payment_providers": ["..."], "has_checkout": true}`

// BuildLLMPrompt renders the carrier question for a target.
func BuildLLMPrompt(t Target) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, llmPromptTemplate, t.BaseURL())
	if t.Name != "" {
		fmt.Fprintf(&sb, "\n\n[Shop name]\n%s", t.Name)
	}
	return sb.String()
}

type llmAnswer struct {
	Carriers         []string `json:"carriers"`
	PaymentProviders []string `json:"payment_providers"`
	HasCheckout      *bool    `json:"has_checkout"`
}

// LLMStrategy asks a language model. It is the last resort: one call, no
// retries, lowest confidence.
type LLMStrategy struct {
	asker  Asker
	gate   QuotaGate
	logger *slog.Logger
}

func NewLLMStrategy(a Asker, gate QuotaGate, logger *slog.Logger) *LLMStrategy {
	if gate == nil {
		gate = openGate{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMStrategy{asker: a, gate: gate, logger: logger}
}

func (s *LLMStrategy) Name() Method { return MethodLLM }

func (s *LLMStrategy) Attempt(ctx context.Context, t Target) (Result, error) {
	if !s.gate.TryAcquire(ServiceLLM, t.TenantID) {
		return Result{}, ErrQuotaExhausted
	}

	raw, err := s.asker.Ask(ctx, BuildLLMPrompt(t))
	if err != nil {
		return Result{}, fmt.Errorf("asking llm: %w", err)
	}

	ans, err := parseLLMAnswer(raw)
	if err != nil {
		s.logger.Warn("failed to parse llm answer", "lead_id", t.LeadID, "error", err, "response", raw)
		return Result{}, err
	}

	res := Result{
		Carriers:         canonicalList(ans.Carriers, CanonicalCarrier),
		PaymentProviders: canonicalList(ans.PaymentProviders, CanonicalPaymentProvider),
		HasCheckout:      ans.HasCheckout,
		Method:           MethodLLM,
		Confidence:       ConfidenceLow,
	}
	if res.Empty() {
		return Result{}, nil
	}
	return res, nil
}

// parseLLMAnswer tolerates code fences and prose around the JSON object.
func parseLLMAnswer(raw string) (llmAnswer, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return llmAnswer{}, fmt.Errorf("no json object in llm answer")
	}
	var ans llmAnswer
	if err := json.Unmarshal([]byte(raw[start:end+1]), &ans); err != nil {
		return llmAnswer{}, fmt.Errorf("decoding llm answer: %w", err)
	}
	return ans, nil
}

// canonicalList maps names through the alias table, keeping unknown names
// as given, and drops duplicates.
func canonicalList(names []string, canon func(string) (string, bool)) []string {
	var out []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if c, ok := canon(n); ok {
			n = c
		}
		out = mergeOrdered(out, []string{n})
	}
	return out
}
