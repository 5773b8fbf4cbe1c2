// ABOUTME: Automated responder that answers common client questions before an operator sees them.
// ABOUTME: Rules are evaluated in order with operator requests always checked first.

package bot

import (
	"context"
	"log/slog"
	"strings"
)

// Kind tags how a rule produces its answer.
type Kind int

const (
	// Static answers with fixed text.
	Static Kind = iota
	// Deferred answers with the result of a lookup against an external collaborator.
	Deferred
)

// LookupFunc produces the items for a deferred answer.
type LookupFunc func(ctx context.Context) ([]string, error)

// Response describes what a rule answers with.
type Response struct {
	Kind   Kind
	Text   string
	Lookup LookupFunc
}

// Rule matches a trigger phrase by substring containment, case as authored.
type Rule struct {
	Trigger  string
	Response Response
	// Escalate keeps normal routing toward an operator after answering.
	Escalate bool
}

// Answer is the body sent back to the client.
// Exactly one of Text or Items is meaningful, depending on the rule kind.
type Answer struct {
	Text  string
	Items []string
}

// IsList reports whether the answer is a list of items.
func (a Answer) IsList() bool {
	return a.Items != nil
}

// Result is the outcome of evaluating one message.
type Result struct {
	Absorbed bool
	Escalate bool
	Trigger  string
	Answer   Answer
}

// Catalog is the lookup collaborator behind the catalog triggers.
type Catalog interface {
	ListTitles(ctx context.Context) ([]string, error)
	ListGenres(ctx context.Context) ([]string, error)
}

// OperatorComing is the fixed answer to a request for a human.
const OperatorComing = "Operator is coming, please wait"

// Bot holds escalation rules and informational rules.
type Bot struct {
	escalation []Rule
	rules      []Rule
	logger     *slog.Logger
}

// New builds a Bot. Rules flagged Escalate are evaluated before all others,
// each group in declaration order.
func New(rules []Rule, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bot{logger: logger.With("component", "bot")}
	for _, r := range rules {
		if r.Escalate {
			b.escalation = append(b.escalation, r)
		} else {
			b.rules = append(b.rules, r)
		}
	}
	return b
}

// DefaultRules returns the support desk rule set.
func DefaultRules(catalog Catalog) []Rule {
	operator := Response{Kind: Static, Text: OperatorComing}
	rules := []Rule{
		{Trigger: "help me", Response: operator, Escalate: true},
		{Trigger: "Help me", Response: operator, Escalate: true},
		{Trigger: "operator", Response: operator, Escalate: true},
		{Trigger: "Operator", Response: operator, Escalate: true},
	}
	if catalog != nil {
		rules = append(rules,
			Rule{Trigger: "View the genre catalog", Response: Response{Kind: Deferred, Lookup: catalog.ListGenres}},
			Rule{Trigger: "View the game catalog", Response: Response{Kind: Deferred, Lookup: catalog.ListTitles}},
		)
	}
	rules = append(rules,
		Rule{Trigger: "Payment methods", Response: Response{Kind: Static,
			Text: "We accept bank cards and SBP payments. Saved cards can be reused at checkout."}},
		Rule{Trigger: "Delivery", Response: Response{Kind: Static,
			Text: "Game keys are delivered to your account immediately after payment is confirmed."}},
		Rule{Trigger: "Refund", Response: Response{Kind: Static,
			Text: "Refunds are available within 14 days for unactivated keys. Write \"operator\" to start one."}},
	)
	return rules
}

// Evaluate matches message against the rules. A failed deferred lookup is
// treated as no match so the message still reaches an operator.
func (b *Bot) Evaluate(ctx context.Context, message string) Result {
	for _, r := range b.escalation {
		if strings.Contains(message, r.Trigger) {
			return b.answer(ctx, r)
		}
	}
	for _, r := range b.rules {
		if strings.Contains(message, r.Trigger) {
			return b.answer(ctx, r)
		}
	}
	return Result{}
}

func (b *Bot) answer(ctx context.Context, r Rule) Result {
	res := Result{Absorbed: true, Escalate: r.Escalate, Trigger: r.Trigger}
	switch r.Response.Kind {
	case Deferred:
		if r.Response.Lookup == nil {
			b.logger.Warn("deferred rule without lookup", "trigger", r.Trigger)
			return Result{}
		}
		items, err := r.Response.Lookup(ctx)
		if err != nil {
			b.logger.Error("bot lookup failed", "trigger", r.Trigger, "error", err)
			return Result{}
		}
		if items == nil {
			items = []string{}
		}
		res.Answer = Answer{Items: items}
	default:
		res.Answer = Answer{Text: r.Response.Text}
	}
	return res
}
