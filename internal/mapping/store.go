// Package mapping resolves the host application's relational schema
// (mounts, filecache, group membership) into the sets of users a given
// storage path or group affects, behind a single-flighted,
// TTL-bounded cache.
package mapping

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/notifypush/server/internal/errs"
	"github.com/notifypush/server/internal/model"
)

// QueryCounter is incremented once per database round-trip, feeding the
// mapping_query_count metric.
type QueryCounter interface {
	AddMappingQuery()
}

// MountAccess is one row of a storage's mount table: a user with access
// rooted at a particular path within that storage.
type MountAccess struct {
	User model.UserId
	Root string
}

// Store answers the mapping store's read-only queries against the host
// application's database, each behind its own single-flighted cache.
type Store struct {
	pool    *pgxpool.Pool
	prefix  string
	metrics QueryCounter
	log     *zap.Logger

	mounts   *ttlCache[model.StorageId, []MountAccess]
	groups   *ttlCache[model.GroupId, model.UserSet]
	userGrps *ttlCache[model.UserId, map[model.GroupId]struct{}]
}

// New builds a Store over an already-connected pool. prefix is the host
// application's table prefix (commonly "oc_").
func New(pool *pgxpool.Pool, prefix string, metrics QueryCounter, log *zap.Logger) *Store {
	return &Store{
		pool:     pool,
		prefix:   prefix,
		metrics:  metrics,
		log:      log,
		mounts:   newTTLCache[model.StorageId, []MountAccess](),
		groups:   newTTLCache[model.GroupId, model.UserSet](),
		userGrps: newTTLCache[model.UserId, map[model.GroupId]struct{}](),
	}
}

// Connect opens a pgx pool against dsn and wraps it in a Store.
func Connect(ctx context.Context, dsn, prefix string, metrics QueryCounter, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.New(errs.KindDatabase, "mapping.connect", err)
	}
	return New(pool, prefix, metrics, log), nil
}

func (s *Store) table(name string) string { return s.prefix + name }

// UsersForStorageCount returns the number of distinct users with any mount
// on storage, ignoring path, for GET /test/mapping/<storage_id>.
func (s *Store) UsersForStorageCount(ctx context.Context, storage model.StorageId) int {
	key := model.CacheKey{Kind: model.KindUsersByStorage, Storage: storage}
	mounts, err := s.mounts.get(ctx, storage, key.String(), func(ctx context.Context) ([]MountAccess, error) {
		return s.loadMounts(ctx, storage)
	})
	if err != nil {
		s.log.Warn("mapping: users_for_storage_count degraded to empty", zap.Uint64("storage", uint64(storage)), zap.Error(err))
		return 0
	}
	seen := model.NewUserSet()
	for _, m := range mounts {
		seen.Add(m.User)
	}
	return len(seen)
}

// UsersForStorage resolves every user with a mount whose mount point is an
// ancestor of path, within the given storage. On database failure it
// degrades to an empty set, per §4.8 — the router treats that as
// best-effort no-delivery rather than a fatal error.
func (s *Store) UsersForStorage(ctx context.Context, storage model.StorageId, path string) model.UserSet {
	key := model.CacheKey{Kind: model.KindUsersByStorage, Storage: storage}
	mounts, err := s.mounts.get(ctx, storage, key.String(), func(ctx context.Context) ([]MountAccess, error) {
		return s.loadMounts(ctx, storage)
	})
	if err != nil {
		s.log.Warn("mapping: users_for_storage degraded to empty", zap.Uint64("storage", uint64(storage)), zap.Error(err))
		return model.NewUserSet()
	}

	out := model.NewUserSet()
	for _, m := range mounts {
		if strings.HasPrefix(path, m.Root) {
			out.Add(m.User)
		}
	}
	return out
}

func (s *Store) loadMounts(ctx context.Context, storage model.StorageId) ([]MountAccess, error) {
	s.log.Debug("mapping: querying mounts", zap.Uint64("storage", uint64(storage)))
	q := fmt.Sprintf(
		`SELECT user_id, path FROM %s INNER JOIN %s ON root_id = fileid WHERE storage_id = $1`,
		s.table("mounts"), s.table("filecache"),
	)
	rows, err := s.pool.Query(ctx, q, int64(storage))
	if err != nil {
		return nil, errs.New(errs.KindDatabase, "mapping.loadMounts", err)
	}
	defer rows.Close()
	s.metrics.AddMappingQuery()

	var out []MountAccess
	for rows.Next() {
		var m MountAccess
		var user string
		if err := rows.Scan(&user, &m.Root); err != nil {
			return nil, errs.New(errs.KindDatabase, "mapping.loadMounts.scan", err)
		}
		m.User = model.UserId(user)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.KindDatabase, "mapping.loadMounts.rows", err)
	}
	return out, nil
}

// GroupMembers resolves the users belonging to group.
func (s *Store) GroupMembers(ctx context.Context, group model.GroupId) model.UserSet {
	key := model.CacheKey{Kind: model.KindGroupMembers, Group: group}
	set, err := s.groups.get(ctx, group, key.String(), func(ctx context.Context) (model.UserSet, error) {
		return s.loadGroupMembers(ctx, group)
	})
	if err != nil {
		s.log.Warn("mapping: group_members degraded to empty", zap.String("group", string(group)), zap.Error(err))
		return model.NewUserSet()
	}
	return set
}

func (s *Store) loadGroupMembers(ctx context.Context, group model.GroupId) (model.UserSet, error) {
	q := fmt.Sprintf(`SELECT uid FROM %s WHERE gid = $1`, s.table("group_user"))
	rows, err := s.pool.Query(ctx, q, string(group))
	if err != nil {
		return nil, errs.New(errs.KindDatabase, "mapping.loadGroupMembers", err)
	}
	defer rows.Close()
	s.metrics.AddMappingQuery()

	out := model.NewUserSet()
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, errs.New(errs.KindDatabase, "mapping.loadGroupMembers.scan", err)
		}
		out.Add(model.UserId(uid))
	}
	return out, rows.Err()
}

// GroupsForUser resolves the groups user belongs to.
func (s *Store) GroupsForUser(ctx context.Context, user model.UserId) map[model.GroupId]struct{} {
	key := model.CacheKey{Kind: model.KindGroupsForUser, User: user}
	set, err := s.userGrps.get(ctx, user, key.String(), func(ctx context.Context) (map[model.GroupId]struct{}, error) {
		return s.loadGroupsForUser(ctx, user)
	})
	if err != nil {
		s.log.Warn("mapping: groups_for_user degraded to empty", zap.String("user", string(user)), zap.Error(err))
		return map[model.GroupId]struct{}{}
	}
	return set
}

func (s *Store) loadGroupsForUser(ctx context.Context, user model.UserId) (map[model.GroupId]struct{}, error) {
	q := fmt.Sprintf(`SELECT gid FROM %s WHERE uid = $1`, s.table("group_user"))
	rows, err := s.pool.Query(ctx, q, string(user))
	if err != nil {
		return nil, errs.New(errs.KindDatabase, "mapping.loadGroupsForUser", err)
	}
	defer rows.Close()
	s.metrics.AddMappingQuery()

	out := make(map[model.GroupId]struct{})
	for rows.Next() {
		var gid string
		if err := rows.Scan(&gid); err != nil {
			return nil, errs.New(errs.KindDatabase, "mapping.loadGroupsForUser.scan", err)
		}
		out[model.GroupId(gid)] = struct{}{}
	}
	return out, rows.Err()
}

// InvalidateGroup drops the cached GroupMembers(group) entry, per §4.4's
// group-membership invalidation rule.
func (s *Store) InvalidateGroup(group model.GroupId) {
	s.groups.invalidate(group)
}

// InvalidateUserGroups drops the cached GroupsForUser(user) entry.
func (s *Store) InvalidateUserGroups(user model.UserId) {
	s.userGrps.invalidate(user)
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }
