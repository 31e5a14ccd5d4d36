package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Validation errors returned by the Service layer.
var (
	ErrNameRequired       = errors.New("name is required")
	ErrNameInvalid        = errors.New("name must start with a letter or underscore and contain only letters, digits, '_', '.' or '-' (max 64)")
	ErrMethodInvalid      = errors.New("method must be one of: GET, POST, PUT, PATCH, DELETE")
	ErrEndpointInvalid    = errors.New("endpoint_template must be a relative path without scheme or host")
	ErrConnectionRequired = errors.New("api_connection_id is required")
	ErrUnsupportedArgType = errors.New("unsupported argument type (allowed: string, integer, number, boolean)")
	ErrArgNameRequired    = errors.New("argument name is required")
	ErrArgLocationInvalid = errors.New("argument location must be one of: path, query, body")
	ErrDuplicateArg       = errors.New("duplicate argument name")
	ErrPathArgMissing     = errors.New("endpoint placeholder has no matching path argument")
	ErrPathArgUnused      = errors.New("path argument does not appear in endpoint_template")
	ErrBaseURLInvalid     = errors.New("api_base_url must be an absolute http or https URL")
	ErrAuthTypeInvalid    = errors.New("auth.type must be one of: none, bearer, header")
	ErrAuthFieldsMissing  = errors.New("auth is missing required fields for its type")
)

// Path filling errors returned by FillPath.
var (
	ErrMissingPathValue = errors.New("missing value for path placeholder")
	ErrUnsafePathValue  = errors.New("unsafe value for path placeholder")
)

var validationErrors = []error{
	ErrNameRequired, ErrNameInvalid, ErrMethodInvalid, ErrEndpointInvalid,
	ErrConnectionRequired, ErrUnsupportedArgType, ErrArgNameRequired,
	ErrArgLocationInvalid, ErrDuplicateArg, ErrPathArgMissing, ErrPathArgUnused,
	ErrBaseURLInvalid, ErrAuthTypeInvalid, ErrAuthFieldsMissing,
}

// IsValidation reports whether err is one of the catalog validation errors.
func IsValidation(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.-]{0,63}$`)

var validMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
}

// Service provides validated business logic over the catalog Store.
type Service struct {
	store *Store
}

// NewService creates a new Service wrapping the given Store.
func NewService(store *Store) *Service {
	return &Service{store: store}
}

// CreateConnection validates and creates an API connection for a tenant.
func (s *Service) CreateConnection(ctx context.Context, tenantID string, input CreateConnectionInput) (*APIConnection, error) {
	input.BaseURL = strings.TrimRight(strings.TrimSpace(input.BaseURL), "/")
	if input.Auth.Type == "" {
		input.Auth.Type = AuthNone
	}
	if strings.TrimSpace(input.Name) == "" {
		return nil, ErrNameRequired
	}
	if err := validateBaseURL(input.BaseURL); err != nil {
		return nil, err
	}
	if err := validateAuth(input.Auth); err != nil {
		return nil, err
	}
	return s.store.CreateConnection(ctx, tenantID, input)
}

// GetConnection retrieves a tenant's connection by ID.
func (s *Service) GetConnection(ctx context.Context, tenantID, id string) (*APIConnection, error) {
	return s.store.GetConnection(ctx, tenantID, id)
}

// ListConnections returns all of a tenant's connections.
func (s *Service) ListConnections(ctx context.Context, tenantID string) ([]*APIConnection, error) {
	return s.store.ListConnections(ctx, tenantID)
}

// UpdateConnection validates and applies a partial connection update.
func (s *Service) UpdateConnection(ctx context.Context, tenantID, id string, input UpdateConnectionInput) (*APIConnection, error) {
	if input.Name != nil && strings.TrimSpace(*input.Name) == "" {
		return nil, ErrNameRequired
	}
	if input.BaseURL != nil {
		trimmed := strings.TrimRight(strings.TrimSpace(*input.BaseURL), "/")
		if err := validateBaseURL(trimmed); err != nil {
			return nil, err
		}
		input.BaseURL = &trimmed
	}
	if input.Auth != nil {
		if err := validateAuth(*input.Auth); err != nil {
			return nil, err
		}
	}
	return s.store.UpdateConnection(ctx, tenantID, id, input)
}

// DeleteConnection removes a connection. Tools referencing it block deletion
// at the database level.
func (s *Service) DeleteConnection(ctx context.Context, tenantID, id string) error {
	return s.store.DeleteConnection(ctx, tenantID, id)
}

// CreateTool validates the input and creates the tool with its arguments.
func (s *Service) CreateTool(ctx context.Context, tenantID string, input CreateToolInput) (*Tool, error) {
	input.Method = strings.ToUpper(strings.TrimSpace(input.Method))
	args, err := normalizeArgs(input.Args)
	if err != nil {
		return nil, err
	}
	input.Args = args
	if err := validateCreate(input); err != nil {
		return nil, err
	}
	if _, err := s.store.GetConnection(ctx, tenantID, input.APIConnectionID); err != nil {
		return nil, fmt.Errorf("resolving api connection: %w", err)
	}
	return s.store.CreateTool(ctx, tenantID, input)
}

// GetTool retrieves a tenant's tool by ID.
func (s *Service) GetTool(ctx context.Context, tenantID, id string) (*Tool, error) {
	return s.store.GetTool(ctx, tenantID, id)
}

// ListTools returns a paginated list of a tenant's tools.
func (s *Service) ListTools(ctx context.Context, tenantID string, params ToolListParams) ([]*Tool, string, error) {
	return s.store.ListTools(ctx, tenantID, params)
}

// UpdateTool validates the input and applies the update. When the template or
// the argument list changes, the placeholder invariant is rechecked against
// the merged result.
func (s *Service) UpdateTool(ctx context.Context, tenantID, id string, input UpdateToolInput) (*Tool, error) {
	if input.Method != nil {
		m := strings.ToUpper(strings.TrimSpace(*input.Method))
		input.Method = &m
	}
	if input.Args != nil {
		args, err := normalizeArgs(*input.Args)
		if err != nil {
			return nil, err
		}
		input.Args = &args
	}
	if err := validateUpdate(input); err != nil {
		return nil, err
	}
	if input.EndpointTemplate != nil || input.Args != nil {
		existing, err := s.store.GetTool(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		tmpl := existing.EndpointTemplate
		if input.EndpointTemplate != nil {
			tmpl = *input.EndpointTemplate
		}
		args := existing.Args
		if input.Args != nil {
			args = *input.Args
		}
		if err := validatePlaceholders(tmpl, args); err != nil {
			return nil, err
		}
	}
	if input.APIConnectionID != nil {
		if _, err := s.store.GetConnection(ctx, tenantID, *input.APIConnectionID); err != nil {
			return nil, fmt.Errorf("resolving api connection: %w", err)
		}
	}
	return s.store.UpdateTool(ctx, tenantID, id, input)
}

// DisableTool marks a tool as disabled. Tools are not physically deleted.
func (s *Service) DisableTool(ctx context.Context, tenantID, id string) error {
	return s.store.DisableTool(ctx, tenantID, id)
}

// Snapshot returns the tenant's enabled tools and their connection.
func (s *Service) Snapshot(ctx context.Context, tenantID string) (*Snapshot, error) {
	return s.store.Snapshot(ctx, tenantID)
}

// normalizeArgs parses declared types and defaults locations. Unsupported
// types are rejected here so they never reach the schema builder.
func normalizeArgs(args []ToolArg) ([]ToolArg, error) {
	out := make([]ToolArg, 0, len(args))
	seen := map[string]bool{}
	for _, a := range args {
		a.Name = strings.TrimSpace(a.Name)
		if a.Name == "" {
			return nil, ErrArgNameRequired
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateArg, a.Name)
		}
		seen[a.Name] = true

		t, err := ParseArgType(string(a.Type))
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", a.Name, err)
		}
		a.Type = t

		if a.Location == "" {
			a.Location = LocationPath
		}
		a.Location = ArgLocation(strings.ToLower(string(a.Location)))
		if !a.Location.Valid() {
			return nil, fmt.Errorf("argument %q: %w", a.Name, ErrArgLocationInvalid)
		}
		out = append(out, a)
	}
	return out, nil
}

// validateCreate checks that all required fields are present and valid.
func validateCreate(input CreateToolInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return ErrNameRequired
	}
	if !toolNamePattern.MatchString(input.Name) {
		return ErrNameInvalid
	}
	if strings.TrimSpace(input.APIConnectionID) == "" {
		return ErrConnectionRequired
	}
	if !validMethods[input.Method] {
		return ErrMethodInvalid
	}
	if err := validateEndpointTemplate(input.EndpointTemplate); err != nil {
		return err
	}
	return validatePlaceholders(input.EndpointTemplate, input.Args)
}

// validateUpdate checks that any provided fields are valid.
func validateUpdate(input UpdateToolInput) error {
	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return ErrNameRequired
		}
		if !toolNamePattern.MatchString(*input.Name) {
			return ErrNameInvalid
		}
	}
	if input.APIConnectionID != nil && strings.TrimSpace(*input.APIConnectionID) == "" {
		return ErrConnectionRequired
	}
	if input.Method != nil && !validMethods[*input.Method] {
		return ErrMethodInvalid
	}
	if input.EndpointTemplate != nil {
		if err := validateEndpointTemplate(*input.EndpointTemplate); err != nil {
			return err
		}
	}
	return nil
}

// validateEndpointTemplate rejects templates that carry a scheme, a host or
// a query string; the host always comes from the connection's base URL.
func validateEndpointTemplate(tmpl string) error {
	tmpl = strings.TrimSpace(tmpl)
	if tmpl == "" {
		return ErrEndpointInvalid
	}
	if strings.Contains(tmpl, "://") || strings.HasPrefix(tmpl, "//") || strings.ContainsAny(tmpl, "?#\\@") {
		return ErrEndpointInvalid
	}
	probe := placeholderPattern.ReplaceAllString(tmpl, "x")
	u, err := url.Parse(probe)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return ErrEndpointInvalid
	}
	return nil
}

// validatePlaceholders enforces that every {name} in the template has a
// path-located argument and every path argument is used by the template.
func validatePlaceholders(tmpl string, args []ToolArg) error {
	pathArgs := map[string]bool{}
	for _, a := range args {
		if a.Location == LocationPath {
			pathArgs[a.Name] = true
		}
	}
	used := map[string]bool{}
	for _, name := range Placeholders(tmpl) {
		if !pathArgs[name] {
			return fmt.Errorf("%w: %q", ErrPathArgMissing, name)
		}
		used[name] = true
	}
	for name := range pathArgs {
		if !used[name] {
			return fmt.Errorf("%w: %q", ErrPathArgUnused, name)
		}
	}
	return nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrBaseURLInvalid
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return ErrBaseURLInvalid
	}
	return nil
}

func validateAuth(a AuthConfig) error {
	switch a.Type {
	case AuthNone:
		return nil
	case AuthBearer:
		if strings.TrimSpace(a.TokenEnv) == "" {
			return ErrAuthFieldsMissing
		}
	case AuthHeader:
		if strings.TrimSpace(a.HeaderName) == "" || strings.TrimSpace(a.ValueEnv) == "" {
			return ErrAuthFieldsMissing
		}
	default:
		return ErrAuthTypeInvalid
	}
	return nil
}
