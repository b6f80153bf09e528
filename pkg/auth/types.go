package auth

import "time"

// Scope represents an API key scope
type Scope string

const (
	ScopeCustomersRead      Scope = "customers:read"
	ScopeCustomersWrite     Scope = "customers:write"
	ScopeCatalogRead        Scope = "catalog:read"
	ScopeCatalogWrite       Scope = "catalog:write"
	ScopeSubscriptionsRead  Scope = "subscriptions:read"
	ScopeSubscriptionsWrite Scope = "subscriptions:write"
	ScopeUsageWrite         Scope = "usage:write"
	ScopeUsageRead          Scope = "usage:read"
	ScopeInvoicesRead       Scope = "invoices:read"
	ScopeInvoicesWrite      Scope = "invoices:write"
	ScopeCheckoutWrite      Scope = "checkout:write"
	ScopeWebhooksManage     Scope = "webhooks:manage"
	ScopeAuditRead          Scope = "audit:read"
	ScopeAll                Scope = "*"
)

var knownScopes = map[Scope]bool{
	ScopeCustomersRead:      true,
	ScopeCustomersWrite:     true,
	ScopeCatalogRead:        true,
	ScopeCatalogWrite:       true,
	ScopeSubscriptionsRead:  true,
	ScopeSubscriptionsWrite: true,
	ScopeUsageWrite:         true,
	ScopeUsageRead:          true,
	ScopeInvoicesRead:       true,
	ScopeInvoicesWrite:      true,
	ScopeCheckoutWrite:      true,
	ScopeWebhooksManage:     true,
	ScopeAuditRead:          true,
	ScopeAll:                true,
}

// Valid reports whether the scope is a known value.
func (s Scope) Valid() bool {
	return knownScopes[s]
}

// APIKey represents a stored API key. The plaintext key is never persisted.
type APIKey struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	Scopes     []Scope    `json:"scopes"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// AuthContext holds the authenticated key for a request
type AuthContext struct {
	Key    *APIKey
	Scopes []Scope
}

// HasScope checks if the context has a specific scope. The wildcard scope
// grants everything.
func (ac *AuthContext) HasScope(scope Scope) bool {
	for _, s := range ac.Scopes {
		if s == ScopeAll || s == scope {
			return true
		}
	}
	return false
}
