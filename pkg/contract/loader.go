package contract

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxRefDepth bounds $ref expansion. Deeper references resolve to an empty
// schema, which accepts any value.
const maxRefDepth = 10

// Load reads and parses an OpenAPI document from disk.
func Load(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load contract %q: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load contract %q: %w", path, err)
	}
	return c, nil
}

// Parse decodes an OpenAPI 3.x document in YAML or JSON form.
func Parse(data []byte) (*Contract, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse contract: %w", err)
	}
	doc, ok := stringKeys(raw).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parse contract: document is not a mapping")
	}
	if v := scalarString(doc["openapi"]); v != "" && v != "3" && !strings.HasPrefix(v, "3.") {
		return nil, fmt.Errorf("parse contract: unsupported openapi version %q", v)
	}

	r := &resolver{root: doc}
	c := &Contract{}
	if info, ok := doc["info"].(map[string]any); ok {
		c.Title, _ = info["title"].(string)
		c.Version = scalarString(info["version"])
	}
	if servers, ok := doc["servers"].([]any); ok {
		for _, s := range servers {
			if m, ok := s.(map[string]any); ok {
				if u, _ := m["url"].(string); u != "" {
					c.Servers = append(c.Servers, u)
				}
			}
		}
	}

	paths, _ := doc["paths"].(map[string]any)
	templates := make([]string, 0, len(paths))
	for p := range paths {
		templates = append(templates, p)
	}
	sort.Strings(templates)

	for _, template := range templates {
		item, ok := r.resolve(paths[template], 0).(map[string]any)
		if !ok {
			continue
		}
		shared := r.parameters(item["parameters"])
		for _, method := range Methods {
			op, ok := item[strings.ToLower(method)].(map[string]any)
			if !ok {
				continue
			}
			ep, err := r.endpoint(template, method, op, shared)
			if err != nil {
				return nil, fmt.Errorf("parse %s %s: %w", method, template, err)
			}
			c.Endpoints = append(c.Endpoints, ep)
		}
	}
	return c, nil
}

type resolver struct {
	root map[string]any
}

func (r *resolver) endpoint(template, method string, op map[string]any, shared []Parameter) (Endpoint, error) {
	ep := Endpoint{
		Path:      template,
		Method:    method,
		Responses: map[string]ResponseSpec{},
	}
	ep.OperationID, _ = op["operationId"].(string)
	ep.Summary, _ = op["summary"].(string)
	ep.Parameters = mergeParameters(shared, r.parameters(op["parameters"]))

	if body, ok := r.resolve(op["requestBody"], 0).(map[string]any); ok {
		ep.RequestSchema = mediaSchema(body["content"])
	}

	responses, ok := op["responses"].(map[string]any)
	if !ok {
		return ep, fmt.Errorf("operation declares no responses")
	}
	for code, rawResp := range responses {
		resp, ok := r.resolve(rawResp, 0).(map[string]any)
		if !ok {
			continue
		}
		spec := ResponseSpec{Schema: mediaSchema(resp["content"])}
		spec.Description, _ = resp["description"].(string)
		if headers, ok := resp["headers"].(map[string]any); ok {
			spec.Headers = make(map[string]HeaderSpec, len(headers))
			for name, rawHeader := range headers {
				h, _ := r.resolve(rawHeader, 0).(map[string]any)
				required, _ := h["required"].(bool)
				schema, _ := h["schema"].(map[string]any)
				spec.Headers[name] = HeaderSpec{Required: required, Schema: schema}
			}
		}
		ep.Responses[code] = spec
	}
	return ep, nil
}

func (r *resolver) parameters(raw any) []Parameter {
	list, _ := raw.([]any)
	params := make([]Parameter, 0, len(list))
	for _, item := range list {
		m, ok := r.resolve(item, 0).(map[string]any)
		if !ok {
			continue
		}
		p := Parameter{Example: m["example"]}
		p.Name, _ = m["name"].(string)
		p.In, _ = m["in"].(string)
		p.Required, _ = m["required"].(bool)
		p.Schema, _ = m["schema"].(map[string]any)
		if p.Example == nil && p.Schema != nil {
			p.Example = p.Schema["example"]
		}
		if p.In == "path" {
			p.Required = true
		}
		params = append(params, p)
	}
	return params
}

// mergeParameters applies operation parameters over path-level ones,
// matching on name and location.
func mergeParameters(shared, own []Parameter) []Parameter {
	if len(shared) == 0 {
		return own
	}
	out := make([]Parameter, 0, len(shared)+len(own))
	for _, s := range shared {
		overridden := false
		for _, o := range own {
			if o.Name == s.Name && o.In == s.In {
				overridden = true
				break
			}
		}
		if !overridden {
			out = append(out, s)
		}
	}
	return append(out, own...)
}

// mediaSchema picks application/json, then any +json type, then the first
// media type in lexical order.
func mediaSchema(raw any) map[string]any {
	content, ok := raw.(map[string]any)
	if !ok || len(content) == 0 {
		return nil
	}
	pick := func(media any) map[string]any {
		m, _ := media.(map[string]any)
		s, _ := m["schema"].(map[string]any)
		return s
	}
	if media, ok := content["application/json"]; ok {
		return pick(media)
	}
	types := make([]string, 0, len(content))
	for t := range content {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		if strings.HasSuffix(t, "+json") {
			return pick(content[t])
		}
	}
	return pick(content[types[0]])
}

// resolve returns a copy of node with local $refs expanded.
func (r *resolver) resolve(node any, depth int) any {
	switch n := node.(type) {
	case map[string]any:
		if ref, ok := n["$ref"].(string); ok {
			if depth >= maxRefDepth {
				return map[string]any{}
			}
			target, err := r.lookup(ref)
			if err != nil {
				// Left in place; schema compilation reports it.
				return n
			}
			resolved, ok := r.resolve(target, depth+1).(map[string]any)
			if !ok {
				return n
			}
			for k, v := range n {
				if k != "$ref" {
					resolved[k] = r.resolve(v, depth)
				}
			}
			return resolved
		}
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[k] = r.resolve(v, depth)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, v := range n {
			out[i] = r.resolve(v, depth)
		}
		return out
	default:
		return node
	}
}

func (r *resolver) lookup(ref string) (any, error) {
	if !strings.HasPrefix(ref, "#/") {
		return nil, fmt.Errorf("unsupported non-local $ref %q", ref)
	}
	var cur any = r.root
	for _, raw := range strings.Split(ref[2:], "/") {
		seg := strings.ReplaceAll(strings.ReplaceAll(raw, "~1", "/"), "~0", "~")
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unresolvable $ref %q", ref)
		}
		if cur, ok = m[seg]; !ok {
			return nil, fmt.Errorf("unresolvable $ref %q", ref)
		}
	}
	return cur, nil
}

// stringKeys converts the map[any]any values yaml.v3 produces for
// non-string keys (e.g. unquoted status codes) into map[string]any.
func stringKeys(node any) any {
	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			n[k] = stringKeys(v)
		}
		return n
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[scalarString(k)] = stringKeys(v)
		}
		return out
	case []any:
		for i, v := range n {
			n[i] = stringKeys(v)
		}
		return n
	default:
		return node
	}
}

func scalarString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}
