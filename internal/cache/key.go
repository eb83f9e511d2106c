package cache

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// EntityType names one cacheable entity family. The literal value is embedded
// in every cache key, so renaming a constant invalidates all persisted entries
// for that family on the next deploy.
type EntityType string

const (
	EntitySchoolList         EntityType = "SchoolList"
	EntityClassesBySchool    EntityType = "ClassesBySchool"
	EntityBookList           EntityType = "BookList"
	EntityBookDetail         EntityType = "BookDetail"
	EntityTopicDetail        EntityType = "TopicDetail"
	EntityDashboardAggregate EntityType = "DashboardAggregate"
)

// EntityTypes lists every known family in a stable order.
func EntityTypes() []EntityType {
	return []EntityType{
		EntitySchoolList,
		EntityClassesBySchool,
		EntityBookList,
		EntityBookDetail,
		EntityTopicDetail,
		EntityDashboardAggregate,
	}
}

// Params holds the scope parameters of one cacheable request. Values must be
// primitives; nil values are treated as absent.
type Params map[string]any

// ErrKeyParam reports a scope parameter that would produce an ambiguous or
// non-deterministic cache key. Callers should treat it as a programming error
// rather than retrying.
var ErrKeyParam = errors.New("cache: invalid key parameter")

const (
	keySeparator   = ":"
	paramSeparator = ","
	paramAssign    = "="
)

// Builder derives canonical cache keys. Two logically identical requests must
// always yield the same key, so parameter names are sorted and values are
// restricted to primitives with a single textual form.
type Builder struct {
	namespace string
}

// NewBuilder constructs a key builder for the given namespace. The namespace
// prefixes every key so unrelated applications can share one durable tier.
func NewBuilder(namespace string) *Builder {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = "entitycache"
	}
	return &Builder{namespace: namespace}
}

// Namespace returns the configured key namespace.
func (b *Builder) Namespace() string { return b.namespace }

// Build produces the canonical key for an entity type plus scope parameters.
// Format: <namespace>:<EntityType>[:name=value[,name=value...]] with parameter
// names sorted lexicographically and nil-valued parameters omitted.
func (b *Builder) Build(entity EntityType, params Params) (string, error) {
	if entity == "" {
		return "", fmt.Errorf("%w: empty entity type", ErrKeyParam)
	}
	suffix, err := canonicalParams(params)
	if err != nil {
		return "", err
	}
	key := b.namespace + keySeparator + string(entity)
	if suffix != "" {
		key += keySeparator + suffix
	}
	return key, nil
}

// FamilyPrefix returns the prefix shared by every key of one entity family,
// suitable for DeleteByPrefix.
func (b *Builder) FamilyPrefix(entity EntityType) string {
	return b.namespace + keySeparator + string(entity)
}

// ScopedPrefix returns a prefix matching every key of a family whose leading
// sorted parameters equal the given ones. The trailing parameter separator
// keeps scopedPrefix("bookId=5") from matching bookId=55. The scoping
// parameters must sort ahead of the family's remaining parameters.
func (b *Builder) ScopedPrefix(entity EntityType, params Params) (string, error) {
	suffix, err := canonicalParams(params)
	if err != nil {
		return "", err
	}
	if suffix == "" {
		return b.FamilyPrefix(entity), nil
	}
	return b.FamilyPrefix(entity) + keySeparator + suffix + paramSeparator, nil
}

// ClearPrefix covers every key the builder can produce, regardless of family.
func (b *Builder) ClearPrefix() string {
	return b.namespace + keySeparator
}

func canonicalParams(params Params) (string, error) {
	if len(params) == 0 {
		return "", nil
	}
	names := make([]string, 0, len(params))
	for name, value := range params {
		if value == nil {
			continue
		}
		if strings.TrimSpace(name) == "" || containsSeparator(name) {
			return "", fmt.Errorf("%w: name %q", ErrKeyParam, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		text, err := paramText(params[name])
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrKeyParam, name, err)
		}
		parts = append(parts, name+paramAssign+text)
	}
	return strings.Join(parts, paramSeparator), nil
}

// paramText renders a primitive parameter value. Anything without a single
// deterministic textual form (maps, slices, structs, pointers) is rejected so
// key collisions cannot hide behind serialization order.
func paramText(value any) (string, error) {
	switch v := value.(type) {
	case string:
		if containsSeparator(v) {
			return "", fmt.Errorf("string %q contains a key separator", v)
		}
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported type %T", value)
	}
}

func containsSeparator(s string) bool {
	return strings.ContainsAny(s, keySeparator+paramSeparator+paramAssign)
}
