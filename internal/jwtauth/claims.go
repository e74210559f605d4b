package jwtauth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the projection of a validated token used by outer layers.
type Claims struct {
	Subject     string
	Username    string
	Email       string
	Roles       []string
	Permissions []string
	ExpiresAt   *int64
	Issuer      string
	Audience    []string
	Raw         map[string]any
}

func projectClaims(mc jwt.MapClaims) *Claims {
	c := &Claims{Raw: map[string]any(mc)}
	c.Subject, _ = mc.GetSubject()
	c.Issuer, _ = mc.GetIssuer()
	if aud, err := mc.GetAudience(); err == nil {
		c.Audience = []string(aud)
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		v := exp.Unix()
		c.ExpiresAt = &v
	}
	c.Username = firstString(mc, "username", "preferred_username", "login")
	if c.Username == "" {
		c.Username = c.Subject
	}
	c.Email = firstString(mc, "email")

	// "role" holds the primary role and goes first; "roles" extends it.
	if role := firstString(mc, "role"); role != "" {
		c.Roles = append(c.Roles, role)
	}
	for _, r := range stringList(mc["roles"]) {
		if !contains(c.Roles, r) {
			c.Roles = append(c.Roles, r)
		}
	}

	if perms := stringList(mc["permissions"]); len(perms) > 0 {
		c.Permissions = perms
	} else if scope := firstString(mc, "scope", "scp"); scope != "" {
		c.Permissions = strings.Fields(scope)
	} else {
		c.Permissions = stringList(mc["scp"])
	}
	return c
}

func firstString(mc jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if s, ok := mc[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func stringList(v any) []string {
	switch vv := v.(type) {
	case string:
		if vv == "" {
			return nil
		}
		return []string{vv}
	case []string:
		return append([]string(nil), vv...)
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
