// Package api carries the registry's OpenAPI document.
package api

import _ "embed"

// OpenAPISpec is served at GET /openapi.yaml.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
