package cache

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// MutationKind identifies a mutation that triggers an invalidation cascade.
type MutationKind string

const (
	MutationBookCreated        MutationKind = "book.created"
	MutationBookUpdated        MutationKind = "book.updated"
	MutationBookPublishToggled MutationKind = "book.publish_toggled"
	MutationBookDeleted        MutationKind = "book.deleted"
	MutationTopicCreated       MutationKind = "topic.created"
	MutationTopicUpdated       MutationKind = "topic.updated"
	MutationTopicDeleted       MutationKind = "topic.deleted"
	MutationRosterChanged      MutationKind = "school.roster_changed"
)

// MutationContext carries the identifiers a mutation exposes to the rules
// (bookId, topicId, schoolId). Values are rendered into key patterns and are
// visible to CEL guards under the `ctx` variable.
type MutationContext map[string]any

// RuleConfig is one declarative invalidation rule as it appears in the rules
// file. Param values are Go templates (with sprig functions) rendered against
// the mutation context; When is an optional CEL guard that must yield a bool.
type RuleConfig struct {
	Trigger string        `koanf:"trigger" json:"trigger"`
	When    string        `koanf:"when" json:"when"`
	Purge   []PurgeConfig `koanf:"purge" json:"purge"`
}

// PurgeConfig names one key or key prefix a rule removes. With Prefix set and
// no params the whole family is purged; with params the purge covers every key
// whose leading sorted parameters match.
type PurgeConfig struct {
	Entity string            `koanf:"entity" json:"entity"`
	Params map[string]string `koanf:"params" json:"params"`
	Prefix bool              `koanf:"prefix" json:"prefix"`
}

// DefaultRules returns the built-in cascade table. A rules file extends or
// replaces these; most deployments run them unchanged.
func DefaultRules() []RuleConfig {
	bookPurges := []PurgeConfig{
		{Entity: string(EntityBookDetail), Params: map[string]string{"bookId": "{{ .bookId }}"}},
		{Entity: string(EntityBookList), Prefix: true},
	}
	topicPurges := []PurgeConfig{
		{Entity: string(EntityBookDetail), Params: map[string]string{"bookId": "{{ .bookId }}"}},
		{Entity: string(EntityTopicDetail), Params: map[string]string{"bookId": "{{ .bookId }}", "topicId": "{{ .topicId }}"}},
		{Entity: string(EntityBookList), Prefix: true},
	}
	return []RuleConfig{
		{Trigger: string(MutationBookCreated), Purge: bookPurges},
		{Trigger: string(MutationBookUpdated), Purge: bookPurges},
		{Trigger: string(MutationBookPublishToggled), Purge: bookPurges},
		{Trigger: string(MutationBookDeleted), Purge: []PurgeConfig{
			{Entity: string(EntityBookDetail), Params: map[string]string{"bookId": "{{ .bookId }}"}},
			{Entity: string(EntityBookList), Prefix: true},
			{Entity: string(EntityTopicDetail), Params: map[string]string{"bookId": "{{ .bookId }}"}, Prefix: true},
		}},
		{Trigger: string(MutationTopicCreated), Purge: topicPurges},
		{Trigger: string(MutationTopicUpdated), Purge: topicPurges},
		{Trigger: string(MutationTopicDeleted), Purge: topicPurges},
		{Trigger: string(MutationRosterChanged), Purge: []PurgeConfig{
			{Entity: string(EntityClassesBySchool), Params: map[string]string{"schoolId": "{{ .schoolId }}"}},
		}},
	}
}

type compiledPurge struct {
	entity EntityType
	params map[string]*template.Template
	prefix bool
}

type compiledRule struct {
	trigger MutationKind
	guard   cel.Program
	source  string
	purges  []compiledPurge
}

// ruleCompiler turns RuleConfigs into executable rules. The CEL environment
// and template function map are built once and reused across reloads.
type ruleCompiler struct {
	env   *cel.Env
	funcs template.FuncMap
}

func newRuleCompiler() (*ruleCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("cache: rule guard environment: %w", err)
	}
	funcs := sprig.TxtFuncMap()
	// Rules render cache keys, not documents; the environment and filesystem
	// helpers have no business in a key pattern.
	for _, name := range []string{"env", "expandenv", "readDir", "mustReadDir", "readFile", "mustReadFile", "glob"} {
		delete(funcs, name)
	}
	return &ruleCompiler{env: env, funcs: funcs}, nil
}

func (rc *ruleCompiler) compile(known map[EntityType]struct{}, configs []RuleConfig) ([]compiledRule, error) {
	rules := make([]compiledRule, 0, len(configs))
	for i, cfg := range configs {
		trigger := MutationKind(strings.TrimSpace(cfg.Trigger))
		if trigger == "" {
			return nil, fmt.Errorf("cache: rule %d: trigger required", i)
		}
		if len(cfg.Purge) == 0 {
			return nil, fmt.Errorf("cache: rule %q: at least one purge required", trigger)
		}
		rule := compiledRule{trigger: trigger, source: cfg.When}
		if when := strings.TrimSpace(cfg.When); when != "" {
			prog, err := rc.compileGuard(when)
			if err != nil {
				return nil, fmt.Errorf("cache: rule %q: %w", trigger, err)
			}
			rule.guard = prog
		}
		for _, purge := range cfg.Purge {
			entity := EntityType(strings.TrimSpace(purge.Entity))
			if _, ok := known[entity]; !ok {
				return nil, fmt.Errorf("cache: rule %q: unknown entity %q", trigger, purge.Entity)
			}
			if !purge.Prefix && len(purge.Params) == 0 {
				return nil, fmt.Errorf("cache: rule %q: exact purge of %q needs params", trigger, purge.Entity)
			}
			compiled := compiledPurge{entity: entity, prefix: purge.Prefix}
			if len(purge.Params) > 0 {
				compiled.params = make(map[string]*template.Template, len(purge.Params))
				for name, pattern := range purge.Params {
					tmpl, err := template.New(name).Funcs(rc.funcs).Option("missingkey=error").Parse(pattern)
					if err != nil {
						return nil, fmt.Errorf("cache: rule %q: param %s: %w", trigger, name, err)
					}
					compiled.params[name] = tmpl
				}
			}
			rule.purges = append(rule.purges, compiled)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (rc *ruleCompiler) compileGuard(expression string) (cel.Program, error) {
	ast, issues := rc.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("guard %q: %w", expression, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("guard %q: must yield a boolean", expression)
	}
	prog, err := rc.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("guard %q: %w", expression, err)
	}
	return prog, nil
}

// evalGuard runs the rule's CEL condition against the mutation context.
func (r compiledRule) evalGuard(mctx MutationContext) (bool, error) {
	if r.guard == nil {
		return true, nil
	}
	val, _, err := r.guard.Eval(map[string]any{"ctx": map[string]any(mctx)})
	if err != nil {
		return false, fmt.Errorf("cache: rule %q guard: %w", r.trigger, err)
	}
	if b, ok := val.(types.Bool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("cache: rule %q guard %q yielded non-bool %T", r.trigger, r.source, val)
}

// renderParams produces the concrete scope parameters for one purge target.
func (p compiledPurge) renderParams(mctx MutationContext) (Params, error) {
	if len(p.params) == 0 {
		return nil, nil
	}
	params := make(Params, len(p.params))
	var buf bytes.Buffer
	for name, tmpl := range p.params {
		buf.Reset()
		if err := tmpl.Execute(&buf, map[string]any(mctx)); err != nil {
			return nil, fmt.Errorf("cache: render param %s: %w", name, err)
		}
		params[name] = buf.String()
	}
	return params, nil
}
