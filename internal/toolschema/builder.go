// Package toolschema turns tenant tool definitions into function-calling
// declarations an LLM can consume.
package toolschema

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/alecgard/voxdesk/internal/catalog"
)

// Property is one argument in a declaration's parameter object.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Enum        []string `json:"enum,omitempty"`
}

// Parameters is the JSON-schema object describing a tool's arguments.
type Parameters struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required"`
}

// Declaration is the function-calling schema for a single tool.
type Declaration struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  Parameters `json:"parameters"`
}

// Diagnostic records an argument that was left out of a declaration.
type Diagnostic struct {
	Tool    string `json:"tool"`
	Arg     string `json:"arg"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Result is the output of Build.
type Result struct {
	Declarations []Declaration `json:"declarations"`
	Diagnostics  []Diagnostic  `json:"diagnostics,omitempty"`
}

// contextHints are name fragments that mark a tool as operating on the
// tenant's own company records.
var contextHints = []string{"company", "worker", "appointment"}

// Build converts tools into declarations. It never fails: arguments whose
// type has no schema equivalent are dropped and reported as diagnostics.
// Every included argument is listed as required regardless of its stored
// required flag.
func Build(tenantID string, tools []*catalog.Tool, logger *slog.Logger) Result {
	if logger == nil {
		logger = slog.Default()
	}

	res := Result{Declarations: make([]Declaration, 0, len(tools))}
	for _, t := range tools {
		decl := Declaration{
			Name:        t.Name,
			Description: describeTool(t, tenantID),
			Parameters: Parameters{
				Type:       "object",
				Properties: map[string]Property{},
				Required:   []string{},
			},
		}

		for _, a := range t.Args {
			if !a.Type.Supported() {
				logger.Warn("skipping tool argument with unsupported type",
					"tenant_id", tenantID, "tool", t.Name, "arg", a.Name, "type", string(a.Type))
				res.Diagnostics = append(res.Diagnostics, Diagnostic{
					Tool:    t.Name,
					Arg:     a.Name,
					Type:    string(a.Type),
					Message: "unsupported type; argument omitted from schema",
				})
				continue
			}
			prop := Property{
				Type:        string(a.Type),
				Description: describeArg(a),
			}
			if a.Type == catalog.ArgString && len(a.EnumVals) > 0 {
				prop.Enum = append([]string(nil), a.EnumVals...)
			}
			decl.Parameters.Properties[a.Name] = prop
			decl.Parameters.Required = append(decl.Parameters.Required, a.Name)
		}

		res.Declarations = append(res.Declarations, decl)
	}
	return res
}

func describeTool(t *catalog.Tool, tenantID string) string {
	desc := fmt.Sprintf("%s (Endpoint: %s %s)", t.Description, t.Method, t.EndpointTemplate)
	if tenantID == "" {
		return desc
	}
	lower := strings.ToLower(t.Name)
	for _, hint := range contextHints {
		if strings.Contains(lower, hint) {
			return desc + fmt.Sprintf(" [Automatically uses company_id: %s]", tenantID)
		}
	}
	return desc
}

func describeArg(a catalog.ToolArg) string {
	desc := a.Description
	if a.Example != "" {
		desc += " Example: " + a.Example
	}
	if len(a.EnumVals) > 0 {
		desc += " Allowed: " + strings.Join(a.EnumVals, ", ")
	}
	return strings.TrimSpace(desc)
}
