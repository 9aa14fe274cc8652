package auth

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
)

// Resolver answers permission queries against the live role/permission
// tables. There is deliberately no cache: a role change takes effect on the
// very next request, which an admin console of this size can afford.
//
// The public surface fails closed. Any store error, a missing user or an
// inactive user all resolve to "no permissions"; a permission gate must
// never fail open.
type Resolver struct {
	db *sql.DB
}

// NewResolver constructs a Resolver over the shared connection pool.
func NewResolver(db *sql.DB) (*Resolver, error) {
	if db == nil {
		return nil, errors.New("auth: resolver requires a database")
	}
	return &Resolver{db: db}, nil
}

// ResolveUserPermissions returns the union of permission names granted by
// every role assigned to the user. Missing or inactive users resolve to an
// empty set, as do internal errors.
func (r *Resolver) ResolveUserPermissions(ctx context.Context, userID int64) []string {
	set, err := r.resolve(ctx, userID)
	if err != nil || len(set) == 0 {
		return nil
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckPermission reports whether the user holds the named permission,
// either literally or through a "resource.*" wildcard on the same resource.
func (r *Resolver) CheckPermission(ctx context.Context, userID int64, name string) bool {
	set, err := r.resolve(ctx, userID)
	if err != nil {
		return false
	}
	return matchPermission(set, name)
}

// CheckMultiplePermissions evaluates every requested name against a single
// resolved set. The result always contains an entry per requested name; an
// unauthenticated or unknown user gets false for all of them.
func (r *Resolver) CheckMultiplePermissions(ctx context.Context, userID int64, names []string) map[string]bool {
	result := make(map[string]bool, len(names))
	set, err := r.resolve(ctx, userID)
	if err != nil {
		set = nil
	}
	for _, name := range names {
		result[name] = matchPermission(set, name)
	}
	return result
}

// resolve loads the effective permission set, raising errors naturally; the
// exported methods convert them into the safe empty answer.
func (r *Resolver) resolve(ctx context.Context, userID int64) (map[string]struct{}, error) {
	if userID <= 0 {
		return nil, nil
	}
	var isActive bool
	err := r.db.QueryRowContext(ctx,
		`select is_active from users where id = $1`, userID,
	).Scan(&isActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !isActive {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		select distinct p.name
		from user_roles ur
		join role_permissions rp on rp.role_id = ur.role_id
		join permissions p on p.id = rp.permission_id
		where ur.user_id = $1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		set[name] = struct{}{}
	}
	return set, rows.Err()
}

// matchPermission applies the wildcard rule: "x.y" is satisfied by "x.y"
// itself or by "x.*", where the resource is everything before the first dot.
func matchPermission(set map[string]struct{}, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" || len(set) == 0 {
		return false
	}
	if _, ok := set[name]; ok {
		return true
	}
	resource, _, found := strings.Cut(name, ".")
	if !found || resource == "" {
		return false
	}
	_, ok := set[resource+".*"]
	return ok
}
