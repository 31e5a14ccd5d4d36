package catalog

import (
	"fmt"
	"strings"
	"time"
)

// ArgType is the declared type of a tool argument. Only the four primitive
// kinds below can be expressed in a function-calling schema.
type ArgType string

const (
	ArgString  ArgType = "string"
	ArgInteger ArgType = "integer"
	ArgNumber  ArgType = "number"
	ArgBoolean ArgType = "boolean"
)

// Supported reports whether t is one of the primitive kinds.
func (t ArgType) Supported() bool {
	switch t {
	case ArgString, ArgInteger, ArgNumber, ArgBoolean:
		return true
	}
	return false
}

// ParseArgType normalizes s and returns the matching ArgType, or an error
// naming the rejected type.
func ParseArgType(s string) (ArgType, error) {
	t := ArgType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Supported() {
		return t, fmt.Errorf("%w: %q", ErrUnsupportedArgType, s)
	}
	return t, nil
}

// ArgLocation is where an argument is placed in the outbound request.
type ArgLocation string

const (
	LocationPath  ArgLocation = "path"
	LocationQuery ArgLocation = "query"
	LocationBody  ArgLocation = "body"
)

// Valid reports whether l is a known location.
func (l ArgLocation) Valid() bool {
	return l == LocationPath || l == LocationQuery || l == LocationBody
}

// Auth types supported by an APIConnection.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthHeader = "header"
)

// AuthConfig describes how outbound calls authenticate. Secret values are
// never stored; only the names of the environment variables holding them.
type AuthConfig struct {
	Type       string `json:"type"`
	TokenEnv   string `json:"token_env,omitempty"`
	HeaderName string `json:"name,omitempty"`
	ValueEnv   string `json:"value_env,omitempty"`
}

// APIConnection is a tenant's downstream API: base URL plus auth descriptor.
type APIConnection struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Name      string     `json:"name"`
	BaseURL   string     `json:"api_base_url"`
	Auth      AuthConfig `json:"auth"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ToolArg is a single declared argument of a Tool.
type ToolArg struct {
	ID          string      `json:"id,omitempty"`
	ToolID      string      `json:"tool_id,omitempty"`
	Name        string      `json:"name"`
	Type        ArgType     `json:"type"`
	Location    ArgLocation `json:"location"`
	Required    bool        `json:"required"`
	Description string      `json:"description"`
	Example     string      `json:"example,omitempty"`
	EnumVals    []string    `json:"enum_vals,omitempty"`
}

// Tool is a tenant-scoped callable HTTP action.
type Tool struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	APIConnectionID  string    `json:"api_connection_id"`
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	Method           string    `json:"method"`
	EndpointTemplate string    `json:"endpoint_template"`
	Enabled          bool      `json:"enabled"`
	Version          int       `json:"version"`
	Args             []ToolArg `json:"args"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Arg returns the declared argument with the given name.
func (t *Tool) Arg(name string) (ToolArg, bool) {
	for _, a := range t.Args {
		if a.Name == name {
			return a, true
		}
	}
	return ToolArg{}, false
}

// Snapshot is everything needed to warm a session for one tenant: its
// enabled tools and the connection they call.
type Snapshot struct {
	Connection *APIConnection
	Tools      []*Tool
}

// CreateConnectionInput holds the fields required to create a connection.
type CreateConnectionInput struct {
	Name    string     `json:"name"`
	BaseURL string     `json:"api_base_url"`
	Auth    AuthConfig `json:"auth"`
}

// UpdateConnectionInput holds optional connection fields; only non-nil fields are applied.
type UpdateConnectionInput struct {
	Name    *string     `json:"name"`
	BaseURL *string     `json:"api_base_url"`
	Auth    *AuthConfig `json:"auth"`
}

// CreateToolInput holds the fields required to create a new tool.
type CreateToolInput struct {
	APIConnectionID  string    `json:"api_connection_id"`
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	Method           string    `json:"method"`
	EndpointTemplate string    `json:"endpoint_template"`
	Enabled          *bool     `json:"enabled"`
	Args             []ToolArg `json:"args"`
}

// UpdateToolInput holds the fields that can be updated on a tool.
// All fields are optional; only non-nil fields are applied. A non-nil Args
// replaces the whole argument list.
type UpdateToolInput struct {
	APIConnectionID  *string    `json:"api_connection_id"`
	Name             *string    `json:"name"`
	Description      *string    `json:"description"`
	Method           *string    `json:"method"`
	EndpointTemplate *string    `json:"endpoint_template"`
	Enabled          *bool      `json:"enabled"`
	Args             *[]ToolArg `json:"args"`
}

// ToolListParams controls listing and pagination of tools.
type ToolListParams struct {
	Cursor      string `json:"cursor"`
	Limit       int    `json:"limit"`
	Query       string `json:"query"`
	EnabledOnly bool   `json:"enabled_only"`
}
