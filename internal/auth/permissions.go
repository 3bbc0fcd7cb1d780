package auth

import (
	"context"
	"sort"
)

// ResolveGrants maps a user to the permission codes and menu entries its
// role/duty assignment is entitled to. A user with no assignment resolves
// to empty grants, not an error. The permission list is deduplicated and
// stably sorted so callers can rely on deterministic output.
func (s *Service) ResolveGrants(ctx context.Context, tenantID, userID string) (Grants, error) {
	perms := s.store.Permissions(ctx)

	codes, err := perms.PermissionsForUser(ctx, tenantID, userID)
	if err != nil {
		return Grants{}, err
	}
	seen := make(map[string]struct{}, len(codes))
	deduped := make([]string, 0, len(codes))
	for _, code := range codes {
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		deduped = append(deduped, code)
	}
	sort.Strings(deduped)

	menus, err := perms.MenusForUser(ctx, tenantID, userID)
	if err != nil {
		return Grants{}, err
	}
	sort.SliceStable(menus, func(i, j int) bool {
		if menus[i].SortOrder != menus[j].SortOrder {
			return menus[i].SortOrder < menus[j].SortOrder
		}
		return menus[i].Code < menus[j].Code
	})

	return Grants{Permissions: deduped, Menus: menus}, nil
}
