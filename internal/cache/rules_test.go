package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func knownEntities() map[EntityType]struct{} {
	known := make(map[EntityType]struct{})
	for _, entity := range EntityTypes() {
		known[entity] = struct{}{}
	}
	return known
}

func TestDefaultRulesCompile(t *testing.T) {
	compiler, err := newRuleCompiler()
	require.NoError(t, err)

	rules, err := compiler.compile(knownEntities(), DefaultRules())
	require.NoError(t, err)
	require.Len(t, rules, 8)
}

func TestCompileRejectsUnknownEntity(t *testing.T) {
	compiler, err := newRuleCompiler()
	require.NoError(t, err)

	_, err = compiler.compile(knownEntities(), []RuleConfig{{
		Trigger: "book.updated",
		Purge:   []PurgeConfig{{Entity: "Nonsense", Prefix: true}},
	}})
	require.ErrorContains(t, err, "unknown entity")
}

func TestCompileRejectsExactPurgeWithoutParams(t *testing.T) {
	compiler, err := newRuleCompiler()
	require.NoError(t, err)

	_, err = compiler.compile(knownEntities(), []RuleConfig{{
		Trigger: "book.updated",
		Purge:   []PurgeConfig{{Entity: string(EntityBookDetail)}},
	}})
	require.ErrorContains(t, err, "needs params")
}

func TestCompileRejectsNonBoolGuard(t *testing.T) {
	compiler, err := newRuleCompiler()
	require.NoError(t, err)

	_, err = compiler.compile(knownEntities(), []RuleConfig{{
		Trigger: "book.updated",
		When:    `"yes"`,
		Purge:   []PurgeConfig{{Entity: string(EntityBookList), Prefix: true}},
	}})
	require.ErrorContains(t, err, "must yield a boolean")
}

func TestGuardEvaluatesMutationContext(t *testing.T) {
	compiler, err := newRuleCompiler()
	require.NoError(t, err)

	rules, err := compiler.compile(knownEntities(), []RuleConfig{{
		Trigger: "book.publish_toggled",
		When:    `ctx.published == true`,
		Purge:   []PurgeConfig{{Entity: string(EntityBookList), Prefix: true}},
	}})
	require.NoError(t, err)

	match, err := rules[0].evalGuard(MutationContext{"published": true})
	require.NoError(t, err)
	require.True(t, match)

	match, err = rules[0].evalGuard(MutationContext{"published": false})
	require.NoError(t, err)
	require.False(t, match)
}

func TestRenderParamsUsesSprigFunctions(t *testing.T) {
	compiler, err := newRuleCompiler()
	require.NoError(t, err)

	rules, err := compiler.compile(knownEntities(), []RuleConfig{{
		Trigger: "book.updated",
		Purge: []PurgeConfig{{
			Entity: string(EntityBookDetail),
			Params: map[string]string{"bookId": `{{ .bookId | toString | trim }}`},
		}},
	}})
	require.NoError(t, err)

	params, err := rules[0].purges[0].renderParams(MutationContext{"bookId": " 5 "})
	require.NoError(t, err)
	require.Equal(t, Params{"bookId": "5"}, params)
}

func TestRenderParamsFailsOnMissingContext(t *testing.T) {
	compiler, err := newRuleCompiler()
	require.NoError(t, err)

	rules, err := compiler.compile(knownEntities(), DefaultRules())
	require.NoError(t, err)

	_, err = rules[0].purges[0].renderParams(MutationContext{})
	require.Error(t, err)
}

func TestCompilerDropsFilesystemTemplateFunctions(t *testing.T) {
	compiler, err := newRuleCompiler()
	require.NoError(t, err)

	_, err = compiler.compile(knownEntities(), []RuleConfig{{
		Trigger: "book.updated",
		Purge: []PurgeConfig{{
			Entity: string(EntityBookDetail),
			Params: map[string]string{"bookId": `{{ env "HOME" }}`},
		}},
	}})
	require.ErrorContains(t, err, "function")
}
