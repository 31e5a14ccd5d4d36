package tenant

import "time"

// DefaultLanguage is used when a tenant does not set a language code.
const DefaultLanguage = "es"

// Tenant is a business that owns a tool catalog and an assistant
// configuration.
type Tenant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	APIKeyHash   string    `json:"-"`
	KeyPrefix    string    `json:"key_prefix"`
	SystemPrompt string    `json:"system_prompt"`
	Model        string    `json:"model"`
	LanguageCode string    `json:"language_code"`
	RateLimit    int       `json:"rate_limit"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Language returns the tenant's language code, or DefaultLanguage.
func (t *Tenant) Language() string {
	if t.LanguageCode == "" {
		return DefaultLanguage
	}
	return t.LanguageCode
}

// CreateTenantInput holds the fields required to create a tenant.
type CreateTenantInput struct {
	Name         string `json:"name"`
	APIKeyHash   string `json:"-"`
	KeyPrefix    string `json:"-"`
	SystemPrompt string `json:"system_prompt"`
	Model        string `json:"model"`
	LanguageCode string `json:"language_code"`
	RateLimit    int    `json:"rate_limit"`
}

// UpdateTenantInput holds optional fields for a partial tenant update.
type UpdateTenantInput struct {
	Name         *string `json:"name,omitempty"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
	Model        *string `json:"model,omitempty"`
	LanguageCode *string `json:"language_code,omitempty"`
	RateLimit    *int    `json:"rate_limit,omitempty"`
}

// ListParams controls cursor-based pagination for listing tenants.
type ListParams struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}
