package schema

import (
	"encoding/json"
	"math"
	"sync"

	"github.com/go-openapi/strfmt"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var registerOnce sync.Once

// strfmtFormats are OpenAPI string formats validated by the strfmt default
// registry. Formats jsonschema already knows keep its implementation.
var strfmtFormats = []string{
	"byte",
	"password",
	"bsonobjectid",
	"creditcard",
	"hexcolor",
	"rgbcolor",
	"isbn",
	"isbn10",
	"isbn13",
	"mac",
	"ssn",
	"cidr",
	"ulid",
	"uuid3",
	"uuid4",
	"uuid5",
}

// registerFormats adds the OpenAPI formats to the global jsonschema format
// table. It runs once per process, before any compilation.
func registerFormats() {
	registerOnce.Do(func() {
		for _, name := range strfmtFormats {
			if _, exists := jsonschema.Formats[name]; exists {
				continue
			}
			if !strfmt.Default.ContainsName(name) {
				continue
			}
			jsonschema.Formats[name] = strfmtValidator(name)
		}

		setIfAbsent("binary", func(any) bool { return true })
		setIfAbsent("int32", integerWithin(math.MinInt32, math.MaxInt32))
		setIfAbsent("int64", integerWithin(math.MinInt64, math.MaxInt64))
		setIfAbsent("float", isNumber)
		setIfAbsent("double", isNumber)
	})
}

func setIfAbsent(name string, fn func(any) bool) {
	if _, exists := jsonschema.Formats[name]; !exists {
		jsonschema.Formats[name] = fn
	}
}

// strfmtValidator checks strings only; other types pass, as format
// assertions do not apply to them.
func strfmtValidator(name string) func(any) bool {
	return func(v any) bool {
		s, ok := v.(string)
		if !ok {
			return true
		}
		return strfmt.Default.Validates(name, s)
	}
}

func integerWithin(lo, hi int64) func(any) bool {
	return func(v any) bool {
		n, ok := v.(json.Number)
		if !ok {
			return true
		}
		i, err := n.Int64()
		if err != nil {
			return false
		}
		return i >= lo && i <= hi
	}
}

func isNumber(v any) bool {
	n, ok := v.(json.Number)
	if !ok {
		return true
	}
	_, err := n.Float64()
	return err == nil
}
