// Package legal evaluates consumer debt situations against the embedded
// FDCPA/FCRA/CROA rule catalog and state statute-of-limitations table. The
// deterministic checks always run; an optional Advisor contributes
// best-effort findings on top and is never allowed to fail a check.
package legal

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"redress/internal/domain"
)

// DBVersion identifies the embedded rule catalog revision and is stamped on
// every citation this package emits.
const DBVersion = "v1.0"

// defaultLimitationYears applies when the state/debt-type pair has no entry.
const defaultLimitationYears = 6

//go:embed data/rules.yml data/limitations.yml
var dataFS embed.FS

type Rule struct {
	Code     string `yaml:"code" json:"code"`
	Type     string `yaml:"type" json:"type"`
	Text     string `yaml:"text" json:"text"`
	Statute  string `yaml:"statute" json:"statute"`
	Title    string `yaml:"title" json:"title"`
	Severity string `yaml:"severity" json:"severity"`
}

type limitationRow struct {
	State    string `yaml:"state"`
	DebtType string `yaml:"debt_type"`
	Years    int    `yaml:"years"`
}

// RuleSet is the parsed reference data. It is immutable after load and safe
// for concurrent use.
type RuleSet struct {
	rules   map[string]Rule
	ordered []string
	years   map[string]int
}

func LoadRuleSet() (*RuleSet, error) {
	raw, err := dataFS.ReadFile("data/rules.yml")
	if err != nil {
		return nil, fmt.Errorf("legal: read rules: %w", err)
	}
	var rules []Rule
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("legal: parse rules: %w", err)
	}

	raw, err = dataFS.ReadFile("data/limitations.yml")
	if err != nil {
		return nil, fmt.Errorf("legal: read limitations: %w", err)
	}
	var rows []limitationRow
	if err := yaml.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("legal: parse limitations: %w", err)
	}

	rs := &RuleSet{
		rules: make(map[string]Rule, len(rules)),
		years: make(map[string]int, len(rows)),
	}
	for _, r := range rules {
		if _, dup := rs.rules[r.Code]; dup {
			return nil, fmt.Errorf("legal: duplicate rule code %s", r.Code)
		}
		rs.rules[r.Code] = r
		rs.ordered = append(rs.ordered, r.Code)
	}
	for _, row := range rows {
		rs.years[limitationKey(row.State, row.DebtType)] = row.Years
	}
	return rs, nil
}

func limitationKey(state, debtType string) string {
	return strings.ToUpper(state) + "|" + strings.ToLower(debtType)
}

// Rule returns the catalog entry for a code.
func (rs *RuleSet) Rule(code string) (Rule, bool) {
	r, ok := rs.rules[code]
	return r, ok
}

// RulesOfType returns catalog entries matching any of the given rule types,
// in catalog order.
func (rs *RuleSet) RulesOfType(types ...string) []Rule {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []Rule
	for _, code := range rs.ordered {
		if r := rs.rules[code]; want[r.Type] {
			out = append(out, r)
		}
	}
	return out
}

// Citation renders a catalog rule as a citation.
func (rs *RuleSet) Citation(code string) (domain.LegalCitation, bool) {
	r, ok := rs.rules[code]
	if !ok {
		return domain.LegalCitation{}, false
	}
	return domain.LegalCitation{
		ID:          r.Code,
		Title:       r.Title,
		TextSnippet: r.Text,
		DBVersion:   DBVersion,
	}, true
}

// LimitationYears resolves the statute-of-limitations window for a state and
// debt type. Unknown pairs fall back to the 6-year default rather than
// erroring.
func (rs *RuleSet) LimitationYears(state, debtType string) int {
	if years, ok := rs.years[limitationKey(state, debtType)]; ok {
		return years
	}
	return defaultLimitationYears
}

// Input is one legal check request.
type Input struct {
	ActionType  string
	State       string
	AccountDate string
	Context     map[string]any
	TraceID     string
}

// Result carries the flags and citations from one check. MustEscalate is a
// business outcome, not a failure.
type Result struct {
	OK            bool
	Flags         []domain.LegalFlag
	Citations     []domain.LegalCitation
	MustEscalate  bool
	ProvenanceRef string
}

// Finding is what an Advisor contributes to a check.
type Finding struct {
	Issues       []string
	MustEscalate bool
}

// Advisor is an optional free-text analysis capability layered over the
// deterministic rules. Implementations may call external models; failures
// are swallowed by the evaluator.
type Advisor interface {
	Analyze(ctx context.Context, in Input, rules []Rule) (Finding, error)
}

// escalationTerms are collection-abuse phrases that demand human review
// whenever they appear in the free-text context of a check.
var escalationTerms = []string{"threat", "harass", "lawsuit", "garnish", "arrest", "jail"}

// KeywordAdvisor is the built-in Advisor: a deterministic scan of the check
// context for collection-abuse language. It fills the advisor seam where a
// hosted model is not available.
type KeywordAdvisor struct {
	Terms []string
}

func NewKeywordAdvisor() *KeywordAdvisor {
	return &KeywordAdvisor{Terms: escalationTerms}
}

func (a *KeywordAdvisor) Analyze(ctx context.Context, in Input, rules []Rule) (Finding, error) {
	text := strings.ToLower(contextText(in.Context))
	var finding Finding
	for _, term := range a.Terms {
		if strings.Contains(text, term) {
			finding.Issues = append(finding.Issues, fmt.Sprintf("context mentions %q, a possible collection abuse indicator", term))
			finding.MustEscalate = true
		}
	}
	return finding, nil
}

func contextText(context map[string]any) string {
	var b strings.Builder
	for _, v := range context {
		if s, ok := v.(string); ok {
			b.WriteString(s)
			b.WriteByte(' ')
		}
	}
	return b.String()
}

// Evaluator runs legal checks against a RuleSet with an injectable clock.
type Evaluator struct {
	Rules   *RuleSet
	Advisor Advisor
	Now     func() time.Time
}

func NewEvaluator(rules *RuleSet) *Evaluator {
	return &Evaluator{Rules: rules, Now: time.Now}
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Check runs the deterministic rules for the action type, merges in advisor
// findings when an advisor is configured, and decides escalation. Any flag
// of high severity forces escalation and flips OK to false.
func (e *Evaluator) Check(ctx context.Context, in Input) Result {
	res := Result{
		OK:            true,
		ProvenanceRef: "legal_ai_" + in.TraceID,
	}

	if e.Advisor != nil {
		relevant := e.Rules.RulesOfType("debt_collection", "credit_reporting")
		if finding, err := e.Advisor.Analyze(ctx, in, relevant); err == nil {
			for _, issue := range finding.Issues {
				res.Flags = append(res.Flags, domain.LegalFlag{
					Code:        "AI_IDENTIFIED",
					Explanation: issue,
					Severity:    domain.SeverityMedium,
					CitationID:  "AI_ANALYSIS",
				})
			}
			res.MustEscalate = finding.MustEscalate
		}
	}

	switch in.ActionType {
	case "statute_check":
		if flag, citation, ok := e.checkLimitations(in); ok {
			res.Flags = append(res.Flags, flag)
			res.Citations = append(res.Citations, citation)
		}
	case "debt_validation":
		if creditor, _ := in.Context["creditor_name"].(string); creditor == "" {
			res.Flags = append(res.Flags, domain.LegalFlag{
				Code:        "FDCPA_VALIDATION_REQUIRED",
				Explanation: "Under FDCPA § 809, you have the right to request debt validation.",
				Severity:    domain.SeverityLow,
				CitationID:  "FDCPA_809",
			})
			if citation, ok := e.Rules.Citation("FDCPA_809"); ok {
				res.Citations = append(res.Citations, citation)
			}
		}
	case "credit_dispute":
		res.Flags = append(res.Flags, domain.LegalFlag{
			Code:        "FCRA_DISPUTE_RIGHT",
			Explanation: "Under FCRA § 611, you have the right to dispute inaccurate information.",
			Severity:    domain.SeverityLow,
			CitationID:  "FCRA_611",
		})
		if citation, ok := e.Rules.Citation("FCRA_611"); ok {
			res.Citations = append(res.Citations, citation)
		}
	}

	for _, flag := range res.Flags {
		if flag.Severity == domain.SeverityHigh {
			res.MustEscalate = true
			res.OK = false
			break
		}
	}
	return res
}

// checkLimitations emits the time-barred flag when the account date plus the
// state window is behind "now". Missing or unparseable dates produce no flag.
func (e *Evaluator) checkLimitations(in Input) (domain.LegalFlag, domain.LegalCitation, bool) {
	accountDate := in.AccountDate
	if accountDate == "" {
		accountDate, _ = in.Context["account_date"].(string)
	}
	if accountDate == "" {
		return domain.LegalFlag{}, domain.LegalCitation{}, false
	}
	opened, err := parseDate(accountDate)
	if err != nil {
		return domain.LegalFlag{}, domain.LegalCitation{}, false
	}

	debtType, _ := in.Context["debt_type"].(string)
	if debtType == "" {
		debtType = "credit_card"
	}
	years := e.Rules.LimitationYears(in.State, debtType)

	boundary := opened.AddDate(0, 0, years*365)
	if !e.now().After(boundary) {
		return domain.LegalFlag{}, domain.LegalCitation{}, false
	}

	flag := domain.LegalFlag{
		Code:        "SOL_EXPIRED",
		Explanation: fmt.Sprintf("This debt is past the %d-year statute of limitations in %s.", years, in.State),
		Severity:    domain.SeverityLow,
		CitationID:  "SOL_STATE",
	}
	citation := domain.LegalCitation{
		ID:          "SOL_STATE",
		Title:       fmt.Sprintf("%s Statute of Limitations for %s", in.State, debtType),
		TextSnippet: fmt.Sprintf("The statute of limitations for %s debts in %s is %d years.", debtType, in.State, years),
		DBVersion:   DBVersion,
	}
	return flag, citation, true
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
