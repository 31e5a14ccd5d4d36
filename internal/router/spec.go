package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alecgard/voxdesk/internal/catalog"
)

var (
	ErrNoConnection      = errors.New("tenant has no api connection with enabled tools")
	ErrMixedConnections  = errors.New("tools reference more than one api connection")
	ErrForeignTool       = errors.New("tool belongs to another tenant")
	ErrDuplicateToolName = errors.New("duplicate tool name")
)

// Spec is everything the Router needs to execute calls for one tenant:
// a single base URL and auth descriptor shared by all of its tools.
type Spec struct {
	TenantID string
	BaseURL  string
	Auth     catalog.AuthConfig
	Tools    map[string]*catalog.Tool
}

// NewSpec assembles a Spec from a connection and the tools that call it.
func NewSpec(tenantID string, conn *catalog.APIConnection, tools []*catalog.Tool) (*Spec, error) {
	if conn == nil {
		return nil, ErrNoConnection
	}
	spec := &Spec{
		TenantID: tenantID,
		BaseURL:  strings.TrimRight(conn.BaseURL, "/"),
		Auth:     conn.Auth,
		Tools:    make(map[string]*catalog.Tool, len(tools)),
	}
	for _, t := range tools {
		if t.TenantID != "" && t.TenantID != tenantID {
			return nil, fmt.Errorf("%w: %q", ErrForeignTool, t.Name)
		}
		if t.APIConnectionID != "" && t.APIConnectionID != conn.ID {
			return nil, fmt.Errorf("%w: %q", ErrMixedConnections, t.Name)
		}
		if _, dup := spec.Tools[t.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateToolName, t.Name)
		}
		spec.Tools[t.Name] = t
	}
	return spec, nil
}
