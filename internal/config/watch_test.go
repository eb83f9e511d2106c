package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/campusops/entitycache/internal/cache"
)

type ruleRecorder struct {
	mu    sync.Mutex
	loads [][]cache.RuleConfig
	errs  []error
}

func (r *ruleRecorder) onChange(rules []cache.RuleConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads = append(r.loads, rules)
}

func (r *ruleRecorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *ruleRecorder) loadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loads)
}

func (r *ruleRecorder) lastLoad() []cache.RuleConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.loads) == 0 {
		return nil
	}
	return r.loads[len(r.loads)-1]
}

func (r *ruleRecorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func writeRules(t *testing.T, path, trigger string) {
	t.Helper()
	contents := "replace: true\nrules:\n  - trigger: " + trigger + "\n    purge:\n      - entity: BookList\n        prefix: true\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
}

func TestWatchRulesDeliversInitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, "book.updated")

	rec := &ruleRecorder{}
	watcher, err := WatchRules(context.Background(), path, rec.onChange, rec.onError)
	require.NoError(t, err)
	defer watcher.Stop()

	require.Equal(t, 1, rec.loadCount())
	require.Equal(t, "book.updated", rec.lastLoad()[0].Trigger)
}

func TestWatchRulesReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, "book.updated")

	rec := &ruleRecorder{}
	watcher, err := WatchRules(context.Background(), path, rec.onChange, rec.onError)
	require.NoError(t, err)
	defer watcher.Stop()

	writeRules(t, path, "book.deleted")
	require.Eventually(t, func() bool {
		last := rec.lastLoad()
		return len(last) == 1 && last[0].Trigger == "book.deleted"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchRulesSurvivesBrokenIntermediateState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, "book.updated")

	rec := &ruleRecorder{}
	watcher, err := WatchRules(context.Background(), path, rec.onChange, rec.onError)
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("rules: ["), 0o600))
	require.Eventually(t, func() bool {
		return rec.errorCount() > 0
	}, 2*time.Second, 10*time.Millisecond)
	before := rec.loadCount()

	writeRules(t, path, "topic.created")
	require.Eventually(t, func() bool {
		last := rec.lastLoad()
		return rec.loadCount() > before && len(last) == 1 && last[0].Trigger == "topic.created"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchRulesFailsFastOnBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: ["), 0o600))

	rec := &ruleRecorder{}
	_, err := WatchRules(context.Background(), path, rec.onChange, rec.onError)
	require.Error(t, err)
	require.Zero(t, rec.loadCount())
}

func TestWatchRulesRequiresCallbackAndPath(t *testing.T) {
	rec := &ruleRecorder{}
	_, err := WatchRules(context.Background(), "", rec.onChange, rec.onError)
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, "book.updated")
	_, err = WatchRules(context.Background(), path, nil, rec.onError)
	require.Error(t, err)
}
