package auth

import "context"

// HasRole reports whether the caller holds any of roles. "admin" satisfies
// every role check.
func HasRole(ctx context.Context, roles ...string) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == "admin" {
			return true
		}
		for _, required := range roles {
			if has == required {
				return true
			}
		}
	}
	return false
}
