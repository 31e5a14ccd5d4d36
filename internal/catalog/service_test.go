package catalog

import (
	"context"
	"errors"
	"testing"
)

func strPtr(s string) *string { return &s }

func validInput() CreateToolInput {
	return CreateToolInput{
		APIConnectionID:  "conn-1",
		Name:             "get_worker",
		Description:      "Fetch a worker",
		Method:           "GET",
		EndpointTemplate: "/workers/{worker_id}",
		Args: []ToolArg{
			{Name: "worker_id", Type: ArgString, Location: LocationPath},
			{Name: "day", Type: ArgString, Location: LocationQuery},
		},
	}
}

func TestValidateCreate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CreateToolInput)
		wantErr error
	}{
		{name: "valid input", mutate: func(*CreateToolInput) {}},
		{name: "empty name", mutate: func(in *CreateToolInput) { in.Name = "" }, wantErr: ErrNameRequired},
		{name: "whitespace-only name", mutate: func(in *CreateToolInput) { in.Name = "   " }, wantErr: ErrNameRequired},
		{name: "name with spaces", mutate: func(in *CreateToolInput) { in.Name = "get worker" }, wantErr: ErrNameInvalid},
		{name: "missing connection", mutate: func(in *CreateToolInput) { in.APIConnectionID = "" }, wantErr: ErrConnectionRequired},
		{name: "bad method", mutate: func(in *CreateToolInput) { in.Method = "TRACE" }, wantErr: ErrMethodInvalid},
		{name: "absolute endpoint", mutate: func(in *CreateToolInput) { in.EndpointTemplate = "https://evil.com/{worker_id}" }, wantErr: ErrEndpointInvalid},
		{name: "protocol-relative endpoint", mutate: func(in *CreateToolInput) { in.EndpointTemplate = "//evil.com/{worker_id}" }, wantErr: ErrEndpointInvalid},
		{name: "endpoint with query", mutate: func(in *CreateToolInput) { in.EndpointTemplate = "/workers/{worker_id}?x=1" }, wantErr: ErrEndpointInvalid},
		{name: "empty endpoint", mutate: func(in *CreateToolInput) { in.EndpointTemplate = "" }, wantErr: ErrEndpointInvalid},
		{
			name:    "placeholder without path arg",
			mutate:  func(in *CreateToolInput) { in.EndpointTemplate = "/workers/{worker_id}/shifts/{shift_id}" },
			wantErr: ErrPathArgMissing,
		},
		{
			name: "placeholder backed by query arg",
			mutate: func(in *CreateToolInput) {
				in.Args[0].Location = LocationQuery
			},
			wantErr: ErrPathArgMissing,
		},
		{
			name: "unused path arg",
			mutate: func(in *CreateToolInput) {
				in.Args = append(in.Args, ToolArg{Name: "extra", Type: ArgString, Location: LocationPath})
			},
			wantErr: ErrPathArgUnused,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := validInput()
			tt.mutate(&input)
			err := validateCreate(input)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("validateCreate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateUpdate(t *testing.T) {
	tests := []struct {
		name    string
		input   UpdateToolInput
		wantErr error
	}{
		{name: "empty update is valid", input: UpdateToolInput{}},
		{name: "valid name update", input: UpdateToolInput{Name: strPtr("new_name")}},
		{name: "empty name update", input: UpdateToolInput{Name: strPtr("")}, wantErr: ErrNameRequired},
		{name: "bad method update", input: UpdateToolInput{Method: strPtr("CONNECT")}, wantErr: ErrMethodInvalid},
		{name: "absolute endpoint update", input: UpdateToolInput{EndpointTemplate: strPtr("http://x/y")}, wantErr: ErrEndpointInvalid},
		{name: "valid endpoint update", input: UpdateToolInput{EndpointTemplate: strPtr("/v2/items")}},
		{name: "blank connection", input: UpdateToolInput{APIConnectionID: strPtr(" ")}, wantErr: ErrConnectionRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateUpdate(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("validateUpdate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeArgs(t *testing.T) {
	t.Run("defaults location to path and lowercases type", func(t *testing.T) {
		got, err := normalizeArgs([]ToolArg{{Name: " id ", Type: "Integer"}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got[0].Name != "id" || got[0].Type != ArgInteger || got[0].Location != LocationPath {
			t.Errorf("normalized arg = %+v", got[0])
		}
	})

	tests := []struct {
		name    string
		args    []ToolArg
		wantErr error
	}{
		{name: "object type rejected", args: []ToolArg{{Name: "filters", Type: "object"}}, wantErr: ErrUnsupportedArgType},
		{name: "array type rejected", args: []ToolArg{{Name: "ids", Type: "array"}}, wantErr: ErrUnsupportedArgType},
		{name: "missing name", args: []ToolArg{{Type: ArgString}}, wantErr: ErrArgNameRequired},
		{name: "duplicate name", args: []ToolArg{{Name: "a", Type: ArgString}, {Name: "a", Type: ArgNumber}}, wantErr: ErrDuplicateArg},
		{name: "bad location", args: []ToolArg{{Name: "a", Type: ArgString, Location: "header"}}, wantErr: ErrArgLocationInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := normalizeArgs(tt.args)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("normalizeArgs() error = %v, wantErr = %v", err, tt.wantErr)
			}
			if !IsValidation(err) {
				t.Errorf("IsValidation(%v) = false", err)
			}
		})
	}
}

func TestServiceCreateToolValidation(t *testing.T) {
	svc := NewService(nil) // store is nil; validation runs before store call

	input := validInput()
	input.Args = append(input.Args, ToolArg{Name: "filters", Type: "object", Location: LocationBody})
	if _, err := svc.CreateTool(context.Background(), "tenant-1", input); !errors.Is(err, ErrUnsupportedArgType) {
		t.Errorf("CreateTool() error = %v, want ErrUnsupportedArgType", err)
	}

	input = validInput()
	input.Method = "fetch"
	if _, err := svc.CreateTool(context.Background(), "tenant-1", input); !errors.Is(err, ErrMethodInvalid) {
		t.Errorf("CreateTool() error = %v, want ErrMethodInvalid", err)
	}
}

func TestServiceCreateConnectionValidation(t *testing.T) {
	svc := NewService(nil)

	tests := []struct {
		name    string
		input   CreateConnectionInput
		wantErr error
	}{
		{name: "empty name", input: CreateConnectionInput{BaseURL: "https://api.example.com"}, wantErr: ErrNameRequired},
		{name: "relative base url", input: CreateConnectionInput{Name: "c", BaseURL: "api.example.com"}, wantErr: ErrBaseURLInvalid},
		{name: "ftp base url", input: CreateConnectionInput{Name: "c", BaseURL: "ftp://api.example.com"}, wantErr: ErrBaseURLInvalid},
		{name: "userinfo base url", input: CreateConnectionInput{Name: "c", BaseURL: "https://u:p@api.example.com"}, wantErr: ErrBaseURLInvalid},
		{
			name:    "bearer without token env",
			input:   CreateConnectionInput{Name: "c", BaseURL: "https://api.example.com", Auth: AuthConfig{Type: AuthBearer}},
			wantErr: ErrAuthFieldsMissing,
		},
		{
			name:    "header without value env",
			input:   CreateConnectionInput{Name: "c", BaseURL: "https://api.example.com", Auth: AuthConfig{Type: AuthHeader, HeaderName: "X-Key"}},
			wantErr: ErrAuthFieldsMissing,
		},
		{
			name:    "unknown auth type",
			input:   CreateConnectionInput{Name: "c", BaseURL: "https://api.example.com", Auth: AuthConfig{Type: "oauth2"}},
			wantErr: ErrAuthTypeInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateConnection(context.Background(), "tenant-1", tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CreateConnection() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestArgTypeSupported(t *testing.T) {
	for _, s := range []string{"string", "integer", "number", "boolean", " STRING "} {
		if _, err := ParseArgType(s); err != nil {
			t.Errorf("ParseArgType(%q) error = %v", s, err)
		}
	}
	for _, s := range []string{"object", "array", "", "float"} {
		if _, err := ParseArgType(s); !errors.Is(err, ErrUnsupportedArgType) {
			t.Errorf("ParseArgType(%q) error = %v, want ErrUnsupportedArgType", s, err)
		}
	}
}
