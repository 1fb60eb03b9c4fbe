package schema

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// A Registry is an explicit, ahead-of-time schema registry: a process-scoped
// mapping from canonical PascalCase type names to Specs, populated by explicit
// registration calls at process start. All lookups after registration are
// read-only and safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]*Spec
	byType   map[reflect.Type]*Spec
	aliases  map[string]string
	children map[string][]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]*Spec),
		byType:   make(map[reflect.Type]*Spec),
		aliases:  make(map[string]string),
		children: make(map[string][]string),
	}
}

// Default is the process-wide registry.
var Default = NewRegistry()

// Register builds a Spec for the prototype's type and adds it to the registry.
// Nested field types (data, key, record, enum) must be registered first.
func (r *Registry) Register(proto any, opts ...Option) (*Spec, error) {
	reg := &registration{kind: KindData}
	for _, opt := range opts {
		opt(reg)
	}

	rt, err := structTypeOf(proto)
	if err != nil {
		return nil, err
	}

	name := reg.name
	if name == "" {
		name = rt.Name()
	}

	spec := &Spec{
		Name:     name,
		Kind:     reg.kind,
		Abstract: reg.abstract,
		rtype:    rt,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkNameFree(name); err != nil {
		return nil, err
	}
	for _, alias := range reg.aliases {
		if err := r.checkNameFree(alias); err != nil {
			return nil, err
		}
	}

	if reg.parent != nil {
		parentSpec, err := r.specOfLocked(reg.parent)
		if err != nil {
			return nil, fmt.Errorf("parent of %s: %w", name, err)
		}
		if parentSpec.Kind != reg.kind {
			return nil, fmt.Errorf(
				"%w: parent %s has kind %s, expected %s",
				ErrSchemaViolation, parentSpec.Name, parentSpec.Kind, reg.kind,
			)
		}
		spec.Parent = parentSpec.Name
	}

	if reg.kind == KindRecord {
		keySpec, err := r.specOfLocked(reg.keyProto)
		if err != nil {
			return nil, fmt.Errorf("key type of %s: %w", name, err)
		}
		if keySpec.Kind != KindKey {
			return nil, fmt.Errorf(
				"%w: type %s bound as key of %s is registered as %s, not key",
				ErrSchemaViolation, keySpec.Name, name, keySpec.Kind,
			)
		}
		spec.KeyType = keySpec.Name
	}

	spec.Fields, err = r.buildFields(rt)
	if err != nil {
		return nil, fmt.Errorf("fields of %s: %w", name, err)
	}

	r.byName[name] = spec
	r.byType[rt] = spec
	for _, alias := range reg.aliases {
		r.aliases[alias] = name
	}
	if spec.Parent != "" {
		r.children[spec.Parent] = append(r.children[spec.Parent], name)
	}
	return spec, nil
}

// MustRegister is like Register but panics on error. Intended for use in
// package init functions.
func (r *Registry) MustRegister(proto any, opts ...Option) *Spec {
	spec, err := r.Register(proto, opts...)
	if err != nil {
		panic(err)
	}
	return spec
}

// RegisterEnum registers an integer-based enum type with its member names in
// value order, starting at zero. Member names must be PascalCase, matching
// their wire representation.
func (r *Registry) RegisterEnum(proto any, names ...string) (*Spec, error) {
	rt := reflect.TypeOf(proto)
	if rt == nil || !isIntKind(rt.Kind()) {
		return nil, fmt.Errorf("%w: enum prototype must be an integer-based named type", ErrSchemaViolation)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: enum %s has no member names", ErrSchemaViolation, rt.Name())
	}

	spec := &Spec{
		Name:      rt.Name(),
		Kind:      KindEnum,
		EnumNames: names,
		rtype:     rt,
		enumVals:  make(map[string]int64, len(names)),
	}
	for i, n := range names {
		if n != "" {
			spec.enumVals[n] = int64(i)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkNameFree(spec.Name); err != nil {
		return nil, err
	}
	r.byName[spec.Name] = spec
	r.byType[rt] = spec
	return spec, nil
}

// MustRegisterEnum is like RegisterEnum but panics on error.
func (r *Registry) MustRegisterEnum(proto any, names ...string) *Spec {
	spec, err := r.RegisterEnum(proto, names...)
	if err != nil {
		panic(err)
	}
	return spec
}

// Lookup returns the spec for the given canonical type name or alias.
func (r *Registry) Lookup(name string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(name)
}

// SpecOf returns the spec for the dynamic type of the given value, which may
// be a pointer to the registered struct type.
func (r *Registry) SpecOf(v any) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.specOfLocked(v)
}

// Descendants returns the type names of the given type and all its registered
// descendants, abstract or concrete, in alphabetical order.
func (r *Registry) Descendants(name string) ([]string, error) {
	return r.descendants(name, false)
}

// ConcreteDescendants returns the type names of the given type and all its
// registered descendants, excluding abstract types, in alphabetical order.
func (r *Registry) ConcreteDescendants(name string) ([]string, error) {
	return r.descendants(name, true)
}

func (r *Registry) descendants(name string, concreteOnly bool) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	root, err := r.lookupLocked(name)
	if err != nil {
		return nil, err
	}

	var result []string
	queue := []string{root.Name}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		spec := r.byName[current]
		if !concreteOnly || !spec.Abstract {
			result = append(result, current)
		}
		queue = append(queue, r.children[current]...)
	}
	sort.Strings(result)
	return result, nil
}

// CommonBase returns the name of the lowest common ancestor of the given
// type names.
func (r *Registry) CommonBase(names []string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		return "", fmt.Errorf("%w: no type names given", ErrSchemaViolation)
	}

	common, err := r.ancestryLocked(names[0])
	if err != nil {
		return "", err
	}
	for _, name := range names[1:] {
		chain, err := r.ancestryLocked(name)
		if err != nil {
			return "", err
		}
		inChain := make(map[string]bool, len(chain))
		for _, n := range chain {
			inChain[n] = true
		}
		filtered := common[:0]
		for _, n := range common {
			if inChain[n] {
				filtered = append(filtered, n)
			}
		}
		common = filtered
	}
	if len(common) == 0 {
		return "", fmt.Errorf("%w: types %s have no common base", ErrSchemaViolation, strings.Join(names, ", "))
	}
	// The chain is ordered self to root, so the first shared entry is the
	// lowest common ancestor.
	return common[0], nil
}

// TableFor returns the table name for a key or record spec: the root name of
// the key-type hierarchy with the Key suffix removed.
func (r *Registry) TableFor(spec *Spec) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keySpec := spec
	if spec.Kind == KindRecord {
		var err error
		keySpec, err = r.lookupLocked(spec.KeyType)
		if err != nil {
			return "", err
		}
	}
	if keySpec.Kind != KindKey {
		return "", fmt.Errorf("%w: type %s is not a key or record type", ErrSchemaViolation, spec.Name)
	}
	for keySpec.Parent != "" {
		keySpec = r.byName[keySpec.Parent]
	}
	return strings.TrimSuffix(keySpec.Name, "Key"), nil
}

// RecordSpecs returns all registered record specs in name order. Backends
// with physical schemas use it to lay out table columns.
func (r *Registry) RecordSpecs() []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name, spec := range r.byName {
		if spec.Kind == KindRecord {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	specs := make([]*Spec, len(names))
	for i, name := range names {
		specs[i] = r.byName[name]
	}
	return specs
}

// Reset removes all registered types. Intended for tests only.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[string]*Spec)
	r.byType = make(map[reflect.Type]*Spec)
	r.aliases = make(map[string]string)
	r.children = make(map[string][]string)
}

func (r *Registry) checkNameFree(name string) error {
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	if _, ok := r.aliases[name]; ok {
		return fmt.Errorf("%w: %s (as alias)", ErrAlreadyExists, name)
	}
	return nil
}

func (r *Registry) lookupLocked(name string) (*Spec, error) {
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	spec, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return spec, nil
}

func (r *Registry) specOfLocked(v any) (*Spec, error) {
	rt, err := structTypeOf(v)
	if err != nil {
		rt = reflect.TypeOf(v)
	}
	spec, ok := r.byType[rt]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, rt.String())
	}
	return spec, nil
}

func (r *Registry) ancestryLocked(name string) ([]string, error) {
	spec, err := r.lookupLocked(name)
	if err != nil {
		return nil, err
	}
	var chain []string
	for {
		chain = append(chain, spec.Name)
		if spec.Parent == "" {
			return chain, nil
		}
		spec = r.byName[spec.Parent]
	}
}

func structTypeOf(proto any) (reflect.Type, error) {
	rt := reflect.TypeOf(proto)
	if rt == nil {
		return nil, fmt.Errorf("%w: prototype is nil", ErrSchemaViolation)
	}
	if rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	if rt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: prototype %s is not a struct", ErrSchemaViolation, rt.String())
	}
	return rt, nil
}

func isIntKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	default:
		return false
	}
}
