package catalog

import (
	"errors"
	"testing"
)

func TestPlaceholders(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		want []string
	}{
		{name: "single", tmpl: "/workers/{worker_id}", want: []string{"worker_id"}},
		{name: "multiple unique", tmpl: "/companies/{company_id}/workers/{worker_id}", want: []string{"company_id", "worker_id"}},
		{name: "duplicate", tmpl: "/{id}/{id}", want: []string{"id"}},
		{name: "none", tmpl: "/availability", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Placeholders(tt.tmpl)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFillPath(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    string
		values  map[string]string
		want    string
		wantErr error
	}{
		{
			name:   "simple replacement",
			tmpl:   "/appointments/{appointment_id}",
			values: map[string]string{"appointment_id": "42"},
			want:   "/appointments/42",
		},
		{
			name:   "multiple placeholders",
			tmpl:   "/companies/{company_id}/workers/{worker_id}",
			values: map[string]string{"company_id": "c1", "worker_id": "w9"},
			want:   "/companies/c1/workers/w9",
		},
		{
			name:   "spaces are escaped",
			tmpl:   "/days/{day}",
			values: map[string]string{"day": "next monday"},
			want:   "/days/next%20monday",
		},
		{
			name:   "no placeholders ignores extra values",
			tmpl:   "/availability",
			values: map[string]string{"day": "Monday"},
			want:   "/availability",
		},
		{
			name:    "missing value",
			tmpl:    "/workers/{worker_id}",
			values:  map[string]string{},
			wantErr: ErrMissingPathValue,
		},
		{
			name:    "slash injection",
			tmpl:    "/days/{day}",
			values:  map[string]string{"day": "evil.com/x"},
			wantErr: ErrUnsafePathValue,
		},
		{
			name:    "scheme injection",
			tmpl:    "/{target}",
			values:  map[string]string{"target": "http:evil.com"},
			wantErr: ErrUnsafePathValue,
		},
		{
			name:    "dot segment",
			tmpl:    "/files/{name}",
			values:  map[string]string{"name": ".."},
			wantErr: ErrUnsafePathValue,
		},
		{
			name:    "pre-encoded slash",
			tmpl:    "/files/{name}",
			values:  map[string]string{"name": "a%2Fb"},
			wantErr: ErrUnsafePathValue,
		},
		{
			name:    "userinfo",
			tmpl:    "/{name}",
			values:  map[string]string{"name": "user@evil.com"},
			wantErr: ErrUnsafePathValue,
		},
		{
			name:    "query smuggling",
			tmpl:    "/items/{id}",
			values:  map[string]string{"id": "1?admin=true"},
			wantErr: ErrUnsafePathValue,
		},
		{
			name:    "empty value",
			tmpl:    "/items/{id}",
			values:  map[string]string{"id": ""},
			wantErr: ErrUnsafePathValue,
		},
		{
			name:    "control character",
			tmpl:    "/items/{id}",
			values:  map[string]string{"id": "1\r\nHost: evil"},
			wantErr: ErrUnsafePathValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FillPath(tt.tmpl, tt.values)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("FillPath() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
