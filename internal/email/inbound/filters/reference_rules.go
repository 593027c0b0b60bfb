package filters

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ReferenceRule extracts a ticket id from partner mail that does not use
// the built-in subject tokens. The first capture group must be the id.
type ReferenceRule struct {
	Name          string
	Pattern       *regexp.Regexp
	SearchSubject bool
	SearchBody    bool
}

// LoadReferenceRules loads rules from a YAML file. A missing file yields no rules.
func LoadReferenceRules(path string) ([]ReferenceRule, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cfg referenceRuleConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse reference rules: %w", err)
	}
	rules, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, errors.New("reference rule config has no valid entries")
	}
	return rules, nil
}

type referenceRuleConfig struct {
	Rules []referenceRuleEntry `yaml:"rules"`
}

type referenceRuleEntry struct {
	Name          string `yaml:"name"`
	Pattern       string `yaml:"pattern"`
	SearchSubject bool   `yaml:"search_subject"`
	SearchBody    bool   `yaml:"search_body"`
}

func (cfg referenceRuleConfig) compile() ([]ReferenceRule, error) {
	rules := make([]ReferenceRule, 0, len(cfg.Rules))
	for _, entry := range cfg.Rules {
		pattern := strings.TrimSpace(entry.Pattern)
		if pattern == "" || (!entry.SearchSubject && !entry.SearchBody) {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("reference rule %q: %w", entry.Name, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("reference rule %q: pattern needs a capture group", entry.Name)
		}
		rules = append(rules, ReferenceRule{
			Name:          strings.TrimSpace(entry.Name),
			Pattern:       re,
			SearchSubject: entry.SearchSubject,
			SearchBody:    entry.SearchBody,
		})
	}
	return rules, nil
}

// ReferenceRuleFilter applies configured rules when no built-in token matched.
type ReferenceRuleFilter struct {
	logger *zap.Logger
	rules  []ReferenceRule
}

// NewReferenceRuleFilter returns nil when rules is empty so it can be passed
// straight to NewChain.
func NewReferenceRuleFilter(rules []ReferenceRule, logger *zap.Logger) Filter {
	if len(rules) == 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &ReferenceRuleFilter{logger: logger, rules: make([]ReferenceRule, len(rules))}
	copy(f.rules, rules)
	return f
}

// ID implements Filter.
func (f *ReferenceRuleFilter) ID() string { return "reference_rules" }

// Apply implements Filter.
func (f *ReferenceRuleFilter) Apply(_ context.Context, m *MessageContext) error {
	if m == nil || m.Envelope == nil || hasReference(m) {
		return nil
	}
	for _, rule := range f.rules {
		var id int64
		if rule.SearchSubject {
			id = extractRule(rule, m.Envelope.Subject)
		}
		if id == 0 && rule.SearchBody {
			id = extractRule(rule, m.Envelope.Body)
		}
		if id == 0 {
			continue
		}
		m.Annotate(AnnotationTicketReference, id)
		m.Annotate(AnnotationReferenceSource, f.ID()+":"+rule.Name)
		f.logger.Debug("ticket reference from rule",
			zap.String("rule", rule.Name),
			zap.Int64("ticket_id", id))
		return nil
	}
	return nil
}

func extractRule(rule ReferenceRule, input string) int64 {
	if rule.Pattern == nil || strings.TrimSpace(input) == "" {
		return 0
	}
	match := rule.Pattern.FindStringSubmatch(input)
	if len(match) < 2 {
		return 0
	}
	id, err := strconv.ParseInt(strings.Trim(strings.TrimSpace(match[1]), "<>[]()\"'"), 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}
