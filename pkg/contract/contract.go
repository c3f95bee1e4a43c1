// Package contract loads OpenAPI 3.x documents into the endpoint
// descriptors the validation engine exercises.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Methods lists the HTTP methods an OpenAPI path item may declare, in the
// order endpoints are emitted.
var Methods = []string{"GET", "PUT", "POST", "DELETE", "OPTIONS", "HEAD", "PATCH", "TRACE"}

// ErrVersionMismatch is returned by CheckVersion when the contract version
// does not satisfy the constraint.
var ErrVersionMismatch = errors.New("contract version does not satisfy constraint")

// Contract is a loaded API contract.
type Contract struct {
	Title     string     `json:"title"`
	Version   string     `json:"version"`
	Servers   []string   `json:"servers,omitempty"`
	Endpoints []Endpoint `json:"endpoints"`
}

// Endpoint is one (path template, method) pair with its schema bindings.
type Endpoint struct {
	Path          string                  `json:"path"`
	Method        string                  `json:"method"`
	OperationID   string                  `json:"operation_id,omitempty"`
	Summary       string                  `json:"summary,omitempty"`
	Parameters    []Parameter             `json:"parameters,omitempty"`
	RequestSchema map[string]any          `json:"request_schema,omitempty"`
	Responses     map[string]ResponseSpec `json:"responses"`
}

// Parameter is a declared operation parameter.
type Parameter struct {
	Name     string         `json:"name"`
	In       string         `json:"in"` // path, query, header, cookie
	Required bool           `json:"required"`
	Schema   map[string]any `json:"schema,omitempty"`
	Example  any            `json:"example,omitempty"`
}

// ResponseSpec is the expected shape of one response.
type ResponseSpec struct {
	Description string                `json:"description,omitempty"`
	Schema      map[string]any        `json:"schema,omitempty"`
	Headers     map[string]HeaderSpec `json:"headers,omitempty"`
}

// HeaderSpec is an expected response header.
type HeaderSpec struct {
	Required bool           `json:"required"`
	Schema   map[string]any `json:"schema,omitempty"`
}

// Key identifies the endpoint, e.g. "GET /users/{id}".
func (e Endpoint) Key() string {
	return e.Method + " " + e.Path
}

var placeholder = regexp.MustCompile(`\{([^{}]+)\}`)

// PathParams returns the placeholder names in the path template, in order.
func PathParams(template string) []string {
	matches := placeholder.FindAllStringSubmatch(template, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// Placeholders returns the {name} tokens left in a path.
func Placeholders(path string) []string {
	return placeholder.FindAllString(path, -1)
}

// Find returns the endpoint with exactly this path template and method.
// The method comparison is case-insensitive.
func (c *Contract) Find(path, method string) (*Endpoint, bool) {
	method = strings.ToUpper(method)
	for i := range c.Endpoints {
		if c.Endpoints[i].Path == path && c.Endpoints[i].Method == method {
			return &c.Endpoints[i], true
		}
	}
	return nil, false
}

// CheckVersion verifies the contract version satisfies a semver
// constraint such as "^1.2" or ">= 2.0, < 3". An empty constraint passes.
func (c *Contract) CheckVersion(constraint string) error {
	if strings.TrimSpace(constraint) == "" {
		return nil
	}
	cons, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("parse version constraint %q: %w", constraint, err)
	}
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return fmt.Errorf("parse contract version %q: %w", c.Version, err)
	}
	if ok, errs := cons.Validate(v); !ok {
		return fmt.Errorf("%w: %s %s: %w", ErrVersionMismatch, c.Version, constraint, errors.Join(errs...))
	}
	return nil
}
