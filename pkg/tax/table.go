package tax

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Rule is one jurisdiction entry in the rate table. Country is required;
// State and PostalPrefix narrow the match.
type Rule struct {
	Country      string  `yaml:"country"`
	State        string  `yaml:"state,omitempty"`
	PostalPrefix string  `yaml:"postal_prefix,omitempty"`
	RatePercent  float64 `yaml:"rate"`
	Name         string  `yaml:"name,omitempty"`
}

// specificity orders rules: postal prefix beats state beats country.
func (r Rule) specificity() int {
	score := 1
	if r.State != "" {
		score = 2
	}
	if r.PostalPrefix != "" {
		score = 3
	}
	return score
}

type tableFile struct {
	DefaultRate float64 `yaml:"default_rate"`
	Rates       []Rule  `yaml:"rates"`
}

// Table holds the loaded rate table. Safe for concurrent use; Reload swaps
// the rule set atomically.
type Table struct {
	mu          sync.RWMutex
	path        string
	rules       []Rule
	defaultRate float64
}

// LoadTable reads and parses the rate table from path.
func LoadTable(path string) (*Table, error) {
	t := &Table{path: path}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload re-reads the table from disk. On parse failure the previous rules
// are kept and the error is returned.
func (t *Table) Reload() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("failed to read tax table: %w", err)
	}

	var parsed tableFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse tax table: %w", err)
	}

	for i, rule := range parsed.Rates {
		if rule.Country == "" {
			return fmt.Errorf("tax table rule %d: country is required", i)
		}
		if rule.RatePercent < 0 {
			return fmt.Errorf("tax table rule %d: rate must not be negative", i)
		}
	}

	t.mu.Lock()
	t.rules = parsed.Rates
	t.defaultRate = parsed.DefaultRate
	t.mu.Unlock()

	return nil
}

// Lookup returns the rate (in percent) for a location. The most specific
// matching rule wins; ties go to the rule listed first. Falls back to the
// table default when nothing matches.
func (t *Table) Lookup(country, state, postalCode string) (float64, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	country = strings.ToUpper(country)
	state = strings.ToUpper(state)

	var best *Rule
	for i := range t.rules {
		rule := &t.rules[i]
		if !strings.EqualFold(rule.Country, country) {
			continue
		}
		if rule.State != "" && !strings.EqualFold(rule.State, state) {
			continue
		}
		if rule.PostalPrefix != "" && !strings.HasPrefix(postalCode, rule.PostalPrefix) {
			continue
		}
		if best == nil || rule.specificity() > best.specificity() {
			best = rule
		}
	}

	if best == nil {
		return t.defaultRate, ""
	}
	return best.RatePercent, best.Name
}

// RuleCount returns the number of loaded rules.
func (t *Table) RuleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rules)
}

// Compute returns the tax in cents on a subtotal, rounded half-up. Exempt
// callers should not call Compute; a zero rate returns zero.
func Compute(subtotalCents int64, ratePercent float64) int64 {
	if subtotalCents <= 0 || ratePercent <= 0 {
		return 0
	}

	subtotal := decimal.NewFromInt(subtotalCents)
	rate := decimal.NewFromFloat(ratePercent).Div(decimal.NewFromInt(100))

	// Round(0) rounds half away from zero; amounts here are non-negative so
	// this is half-up.
	return subtotal.Mul(rate).Round(0).IntPart()
}
