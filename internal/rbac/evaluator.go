package rbac

import "sort"

// Evaluator answers permission queries for one role set against one matrix
// snapshot. The zero value denies everything.
type Evaluator struct {
	roles   RoleSet
	top     bool
	granted map[PermissionKey]struct{}
}

// NewEvaluator filters grants down to the rows owned by roles.
func NewEvaluator(roles RoleSet, grants []Assignment) Evaluator {
	ev := Evaluator{
		roles:   roles,
		top:     roles.Has(RoleAdmin),
		granted: make(map[PermissionKey]struct{}),
	}
	for _, g := range grants {
		if !roles.Has(g.Role) {
			continue
		}
		ev.granted[g.Permission] = struct{}{}
	}
	return ev
}

// Roles returns the role set the evaluator was built for.
func (e Evaluator) Roles() RoleSet { return e.roles }

// Can reports whether the principal holds key. The top-admin role passes
// every check regardless of the matrix.
func (e Evaluator) Can(key PermissionKey) bool {
	if e.roles.Empty() {
		return false
	}
	if e.top {
		return true
	}
	_, ok := e.granted[key]
	return ok
}

// CanAny reports whether at least one key is granted. Empty input is false.
func (e Evaluator) CanAny(keys ...PermissionKey) bool {
	for _, k := range keys {
		if e.Can(k) {
			return true
		}
	}
	return false
}

// CanAll reports whether every key is granted. Empty input is true.
func (e Evaluator) CanAll(keys ...PermissionKey) bool {
	for _, k := range keys {
		if !e.Can(k) {
			return false
		}
	}
	return true
}

// Granted lists the effective catalog keys, sorted.
func (e Evaluator) Granted() []PermissionKey {
	if e.roles.Empty() {
		return nil
	}
	if e.top {
		return AllPermissionKeys()
	}
	out := make([]PermissionKey, 0, len(e.granted))
	for k := range e.granted {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
