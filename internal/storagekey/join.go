package storagekey

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/devrev/replstore/internal/errors"
)

// MaxJoinComponents bounds the number of keys embedded in a JoinKey.
const MaxJoinComponents = 9

// JoinKey is a composite key embedding up to MaxJoinComponents child keys.
// Components are held in a fixed array so JoinKey stays comparable.
type JoinKey struct {
	components [MaxJoinComponents]StorageKey
	n          int
}

// NewJoinKey builds a JoinKey from 1..MaxJoinComponents non-nil keys. A
// component whose serialized form has unbalanced braces is rejected, since
// it could not be parsed back out of the join.
func NewJoinKey(components ...StorageKey) (JoinKey, error) {
	if len(components) == 0 || len(components) > MaxJoinComponents {
		return JoinKey{}, errors.InvalidArgument(
			fmt.Sprintf("join key needs between 1 and %d components, got %d", MaxJoinComponents, len(components)), nil)
	}
	var k JoinKey
	for i, c := range components {
		if c == nil {
			return JoinKey{}, errors.InvalidArgument(fmt.Sprintf("join component %d is nil", i), nil)
		}
		if !balancedBraces(c.String()) {
			return JoinKey{}, errors.InvalidArgument(
				fmt.Sprintf("join component %d (%s) has unbalanced braces", i, c), nil)
		}
		k.components[i] = c
	}
	k.n = len(components)
	return k, nil
}

// Components returns a copy of the embedded keys, in order.
func (k JoinKey) Components() []StorageKey {
	out := make([]StorageKey, k.n)
	copy(out, k.components[:k.n])
	return out
}

// Len returns the number of embedded keys.
func (k JoinKey) Len() int { return k.n }

func (k JoinKey) Protocol() Protocol { return ProtocolJoin }

func (k JoinKey) KeyString() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(k.n))
	b.WriteByte('/')
	for _, c := range k.components[:k.n] {
		b.WriteByte('{')
		b.WriteString(c.String())
		b.WriteByte('}')
	}
	return b.String()
}

func (k JoinKey) String() string { return format(k.Protocol(), k.KeyString()) }

// ChildKeyWithComponent derives the child key of every component.
func (k JoinKey) ChildKeyWithComponent(component string) StorageKey {
	child := JoinKey{n: k.n}
	for i, c := range k.components[:k.n] {
		child.components[i] = c.ChildKeyWithComponent(component)
	}
	return child
}

func balancedBraces(s string) bool {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			if depth == 0 {
				return false
			}
			depth--
		}
	}
	return depth == 0
}

// splitBraceGroups extracts the top-level {...} groups of s. Anything outside
// a group, or unbalanced braces, is an error.
func splitBraceGroups(s string) ([]string, error) {
	var groups []string
	depth, start := 0, -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case '}':
			if depth == 0 {
				return nil, fmt.Errorf("unexpected '}' at offset %d", i)
			}
			depth--
			if depth == 0 {
				groups = append(groups, s[start:i])
			}
		default:
			if depth == 0 {
				return nil, fmt.Errorf("unexpected %q outside a component at offset %d", s[i], i)
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced braces")
	}
	return groups, nil
}

// joinParser returns a parse function that resolves children through r.
func joinParser(r *Registry) ParseFunc {
	return func(body string) (StorageKey, error) {
		raw := format(ProtocolJoin, body)
		countStr, rest, ok := strings.Cut(body, "/")
		if !ok {
			return nil, errors.InvalidKeyFormat(raw, "expected <N>/{key1}...{keyN}")
		}
		n, err := strconv.Atoi(countStr)
		if err != nil || len(countStr) != 1 || n < 1 || n > MaxJoinComponents {
			return nil, errors.InvalidKeyFormat(raw, fmt.Sprintf("component count must be a single digit 1..%d", MaxJoinComponents))
		}
		groups, err := splitBraceGroups(rest)
		if err != nil {
			return nil, errors.InvalidKeyFormat(raw, err.Error())
		}
		if len(groups) != n {
			return nil, errors.InvalidKeyFormat(raw, fmt.Sprintf("declared %d components, found %d", n, len(groups)))
		}
		components := make([]StorageKey, 0, n)
		for _, g := range groups {
			child, err := r.Parse(g)
			if err != nil {
				return nil, errors.NewStoreError(errors.ErrCodeInvalidKeyFormat,
					fmt.Sprintf("invalid storage key '%s': bad component", raw), err).WithDetail("key", raw)
			}
			components = append(components, child)
		}
		k, err := NewJoinKey(components...)
		if err != nil {
			return nil, err
		}
		return k, nil
	}
}
