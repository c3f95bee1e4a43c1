package validation

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/specjet-api/specjet-sub000/pkg/contract"
)

// ParamDiscoverer supplies values for parameters the caller left out.
type ParamDiscoverer interface {
	Discover(ctx context.Context, ep *contract.Endpoint, param contract.Parameter) (string, bool)
}

// ExampleDiscoverer takes values from the contract: the parameter example,
// then the schema example, default or first enum member.
type ExampleDiscoverer struct{}

func (ExampleDiscoverer) Discover(_ context.Context, _ *contract.Endpoint, p contract.Parameter) (string, bool) {
	if p.Example != nil {
		return fmt.Sprint(p.Example), true
	}
	if p.Schema == nil {
		return "", false
	}
	for _, key := range []string{"example", "default"} {
		if v, ok := p.Schema[key]; ok && v != nil {
			return fmt.Sprint(v), true
		}
	}
	if enum, ok := p.Schema["enum"].([]any); ok && len(enum) > 0 && enum[0] != nil {
		return fmt.Sprint(enum[0]), true
	}
	return "", false
}

// resolvePath substitutes every {name} placeholder. Values are NFC
// normalized and path-escaped. It returns the placeholders it could not
// fill.
func resolvePath(ctx context.Context, ep *contract.Endpoint, given map[string]string, d ParamDiscoverer) (string, []string) {
	path := ep.Path
	var unresolved []string
	for _, name := range contract.PathParams(ep.Path) {
		token := "{" + name + "}"
		value, ok := given[name]
		if !ok && d != nil {
			value, ok = d.Discover(ctx, ep, pathParam(ep, name))
		}
		if !ok {
			unresolved = append(unresolved, token)
			continue
		}
		path = strings.ReplaceAll(path, token, url.PathEscape(norm.NFC.String(value)))
	}
	return path, unresolved
}

func pathParam(ep *contract.Endpoint, name string) contract.Parameter {
	for _, p := range ep.Parameters {
		if p.In == "path" && p.Name == name {
			return p
		}
	}
	return contract.Parameter{Name: name, In: "path", Required: true}
}

// fillQuery adds discovered values for required query parameters the
// caller did not supply.
func fillQuery(ctx context.Context, ep *contract.Endpoint, given url.Values, d ParamDiscoverer) url.Values {
	out := url.Values{}
	for k, v := range given {
		out[k] = append([]string(nil), v...)
	}
	if d == nil {
		return out
	}
	for _, p := range ep.Parameters {
		if p.In != "query" || !p.Required || out.Has(p.Name) {
			continue
		}
		if v, ok := d.Discover(ctx, ep, p); ok {
			out.Set(p.Name, norm.NFC.String(v))
		}
	}
	return out
}
