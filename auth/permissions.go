package auth

import "strings"

// BasePermissionCheck is the role/permission-set membership rule shared by
// leaf providers: admins may do anything, everyone else needs the
// permission listed.
func BasePermissionCheck(user *User, permission string) bool {
	if user == nil {
		return false
	}
	return user.IsAdmin() || user.HasPermission(permission)
}

// StripBearer removes an optional case-insensitive "Bearer " prefix and
// surrounding whitespace from a credential.
func StripBearer(credential string) string {
	c := strings.TrimSpace(credential)
	if len(c) >= 7 && strings.EqualFold(c[:7], "bearer ") {
		c = strings.TrimSpace(c[7:])
	}
	return c
}

// ToolArgPrefix prefixes tool arguments when exposed as policy attributes.
const ToolArgPrefix = "arg_"

// ToolAttributes flattens tool arguments into arg_<name> attributes.
func ToolAttributes(tool string, args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[ToolArgPrefix+k] = v
	}
	out["tool"] = tool
	return out
}
