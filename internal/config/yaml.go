package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// envRef matches ${NAME} and ${NAME:-default}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// toStrictJSON decodes a .json/.yaml/.yml document, expands ${NAME}
// references in string values and re-encodes it as JSON so the strict decoder
// (DisallowUnknownFields) can be used for both formats.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func toStrictJSON(path string, data []byte, lookup func(string) (string, bool)) ([]byte, string, error) {
	format := formatOf(path)

	var v any
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, format, fmt.Errorf("yaml unmarshal: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, format, fmt.Errorf("json unmarshal: %w", err)
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, format, errors.New("invalid config: trailing data")
		}
	}

	missing := map[string]struct{}{}
	v = normalizeValue(v, lookup, missing)
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for k := range missing {
			names = append(names, k)
		}
		sort.Strings(names)
		return nil, format, fmt.Errorf("unset environment variables: %s", strings.Join(names, ", "))
	}

	j, err := json.Marshal(v)
	if err != nil {
		return nil, format, fmt.Errorf("%s->json marshal: %w", format, err)
	}
	return j, format, nil
}

// normalizeValue makes every map key a string (YAML allows any scalar) and
// expands environment references in string values.
func normalizeValue(in any, lookup func(string) (string, bool), missing map[string]struct{}) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeValue(v, lookup, missing)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeValue(v, lookup, missing)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeValue(x[i], lookup, missing)
		}
		return x
	case string:
		return expandEnv(x, lookup, missing)
	default:
		return in
	}
}

func expandEnv(s string, lookup func(string) (string, bool), missing map[string]struct{}) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		sub := envRef.FindStringSubmatch(ref)
		if v, ok := lookup(sub[1]); ok && v != "" {
			return v
		}
		if sub[2] != "" {
			return sub[3]
		}
		missing[sub[1]] = struct{}{}
		return ""
	})
}

func lookupEnv(name string) (string, bool) { return os.LookupEnv(name) }
