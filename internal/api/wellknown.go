package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/voxdesk.json.
const wellKnownManifest = `{
  "name": "Voxdesk",
  "description": "Multi-tenant voice and chat assistant backend with tool calling and credit metering",
  "version": "0.1.0",
  "api_base": "/api/v1",
  "auth": {
    "type": "bearer",
    "header": "Authorization"
  },
  "endpoints": {
    "tools": "/api/v1/tools",
    "tools_schema": "/api/v1/tools/schema",
    "sessions": "/api/v1/sessions",
    "session_stream": "/api/v1/sessions/{id}/ws",
    "credits": "/api/v1/credits/{userID}",
    "usage": "/api/v1/usage"
  },
  "health": "/health"
}`

// WellKnownHandler returns the static Voxdesk well-known manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
