// Package model holds the shared value types of the push daemon: the
// identifiers and cache-key types that every other package builds on.
// Keeping them here, dependency-free, avoids import cycles between
// registry, connection, router, and mapping.
package model

import "fmt"

// UserId is an opaque, non-empty identifier issued by the host application.
type UserId string

// StorageId names a storage backend mount in the host application.
type StorageId uint64

// FileId names a single file within a storage backend.
type FileId uint64

// GroupId is an opaque, non-empty group identifier.
type GroupId string

// Capability is a per-connection opt-in wire-protocol feature flag, set by
// a `listen <feature>` command.
type Capability uint

const (
	// CapabilityFileId enables notify_file_id delivery; without it file
	// events coalesce into plain notify_file frames.
	CapabilityFileId Capability = iota
)

// CapabilitySet is the capability flags set a Connection carries, per §4.1
// ("a capability flags set (e.g. emit-file-ids)"). It is a bitset so a
// connection's whole flag state fits in one word and can be updated with a
// single atomic compare-and-swap.
type CapabilitySet uint32

// Has reports whether c is set.
func (s CapabilitySet) Has(c Capability) bool { return s&(1<<c) != 0 }

// With returns a copy of s with c set.
func (s CapabilitySet) With(c Capability) CapabilitySet { return s | (1 << c) }

// Without returns a copy of s with c cleared.
func (s CapabilitySet) Without(c Capability) CapabilitySet { return s &^ (1 << c) }

// CacheKeyKind discriminates the three mapping cache key shapes of the
// mapping store.
type CacheKeyKind int

const (
	KindUsersByStorage CacheKeyKind = iota
	KindGroupMembers
	KindGroupsForUser
)

// CacheKey identifies one mapping cache entry. Exactly one of the Storage,
// Group, or User fields is meaningful, selected by Kind.
type CacheKey struct {
	Kind    CacheKeyKind
	Storage StorageId
	Group   GroupId
	User    UserId
}

func (k CacheKey) String() string {
	switch k.Kind {
	case KindUsersByStorage:
		return fmt.Sprintf("users_by_storage(%d)", k.Storage)
	case KindGroupMembers:
		return fmt.Sprintf("group_members(%s)", k.Group)
	case KindGroupsForUser:
		return fmt.Sprintf("groups_for_user(%s)", k.User)
	default:
		return "unknown_cache_key"
	}
}

// UserSet is a set of UserId used as the mapping store's result value.
type UserSet map[UserId]struct{}

// NewUserSet builds a UserSet from a slice, deduplicating.
func NewUserSet(users ...UserId) UserSet {
	s := make(UserSet, len(users))
	for _, u := range users {
		s[u] = struct{}{}
	}
	return s
}

func (s UserSet) Add(u UserId) {
	s[u] = struct{}{}
}

func (s UserSet) Contains(u UserId) bool {
	_, ok := s[u]
	return ok
}

func (s UserSet) Slice() []UserId {
	out := make([]UserId, 0, len(s))
	for u := range s {
		out = append(out, u)
	}
	return out
}
