package domain

import (
	"strings"
)

// Identity is who is asking. Exactly one of the tenant pair or the client pair is set.
type Identity struct {
	TenantID  string
	UserID    string
	ClientIP  string
	UserAgent string
}

// TenantIdentity returns an authenticated identity.
func TenantIdentity(tenantID, userID string) Identity {
	return Identity{TenantID: tenantID, UserID: userID}
}

// PublicIdentity returns an anonymous identity keyed by client address.
func PublicIdentity(ip, userAgent string) Identity {
	return Identity{ClientIP: ip, UserAgent: userAgent}
}

func (id Identity) Authenticated() bool { return id.TenantID != "" }

// Valid reports whether exactly one ownership pair is populated.
func (id Identity) Valid() bool {
	if id.TenantID != "" {
		return id.ClientIP == ""
	}
	return id.ClientIP != ""
}

// Subject is the quota key for this identity.
func (id Identity) Subject() string {
	if id.Authenticated() {
		return id.TenantID
	}
	return id.ClientIP
}

// Folder is the directory name used under inputs/ and outputs/.
func (id Identity) Folder() string {
	if id.Authenticated() {
		return id.TenantID
	}
	f := strings.NewReplacer(".", "_", ":", "_").Replace(id.ClientIP)
	if f == "" {
		return "anonymous"
	}
	return f
}

// Owns reports whether the identity may see a row owned by (tenantID, clientIP).
func (id Identity) Owns(tenantID, clientIP string) bool {
	if id.Authenticated() {
		return tenantID != "" && tenantID == id.TenantID
	}
	return tenantID == "" && clientIP != "" && clientIP == id.ClientIP
}
