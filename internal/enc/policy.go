// Package enc covers the per-collection encryption contract: policy
// enforcement, AES-GCM ciphers over a file keyring, and resumable key
// rotation checkpointed per collection.
package enc

import (
	"fmt"
	"sort"

	"github.com/carebridge/carestore/internal/kv"
)

// Policy declares what a collection expects of encryption.
type Policy string

const (
	PolicyRequired  Policy = "required"
	PolicyOptional  Policy = "optional"
	PolicyForbidden Policy = "forbidden"
)

// Violation is the strict-mode enforcement failure: a collection whose
// registered state contradicts its declared policy.
type Violation struct {
	Collection        string
	Expected          Policy
	ActuallyEncrypted bool
}

func (v *Violation) Error() string {
	return fmt.Sprintf("enc: collection %s declared %s but encrypted=%t",
		v.Collection, v.Expected, v.ActuallyEncrypted)
}

// Summary is the lenient-mode aggregate.
type Summary struct {
	CompliantCount      int
	ViolationCount      int
	ViolatedCollections []string
	IsHealthy           bool
}

// Enforcer compares declared policies against the collections actually
// registered as encrypted at runtime.
type Enforcer struct {
	store    *kv.Store
	policies map[string]Policy
}

// NewEnforcer builds an enforcer over the store's live registration state.
func NewEnforcer(store *kv.Store, policies map[string]Policy) *Enforcer {
	return &Enforcer{store: store, policies: policies}
}

// Policies returns the declared policy map.
func (e *Enforcer) Policies() map[string]Policy {
	return e.policies
}

func (e *Enforcer) violation(collection string) *Violation {
	policy := e.policies[collection]
	encrypted := e.store.IsEncrypted(collection)
	switch {
	case policy == PolicyRequired && !encrypted:
		return &Violation{Collection: collection, Expected: policy, ActuallyEncrypted: false}
	case policy == PolicyForbidden && encrypted:
		return &Violation{Collection: collection, Expected: policy, ActuallyEncrypted: true}
	}
	return nil
}

// Check runs lenient enforcement over every declared collection.
func (e *Enforcer) Check() Summary {
	s := Summary{}
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v := e.violation(name); v != nil {
			s.ViolationCount++
			s.ViolatedCollections = append(s.ViolatedCollections, name)
			continue
		}
		s.CompliantCount++
	}
	s.IsHealthy = s.ViolationCount == 0
	return s
}

// CheckCollection runs lenient enforcement for one collection.
func (e *Enforcer) CheckCollection(collection string) bool {
	return e.violation(collection) == nil
}

// Enforce runs strict enforcement and returns the first violation as a typed
// error.
func (e *Enforcer) Enforce() error {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v := e.violation(name); v != nil {
			return v
		}
	}
	return nil
}

// EnforceCollection runs strict enforcement for one collection.
func (e *Enforcer) EnforceCollection(collection string) error {
	if v := e.violation(collection); v != nil {
		return v
	}
	return nil
}
