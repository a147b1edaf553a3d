package tools

import (
	"fmt"
	"time"
)

// Input mapping accessors. Tool inputs arrive as decoded JSON, so numbers
// are float64 and flags may be bools or strings.

func stringField(input map[string]interface{}, key string) (string, error) {
	v, ok := input[key]
	if !ok {
		return "", fmt.Errorf("missing required input %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("input %q must be a string", key)
	}
	return s, nil
}

func optionalString(input map[string]interface{}, key, fallback string) string {
	if v, ok := input[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

func optionalBool(input map[string]interface{}, key string, fallback bool) bool {
	if v, ok := input[key]; ok {
		switch b := v.(type) {
		case bool:
			return b
		case string:
			return b == "true" || b == "1" || b == "yes"
		}
	}
	return fallback
}

func optionalInt(input map[string]interface{}, key string, fallback int) int {
	if v, ok := input[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		case int64:
			return int(n)
		}
	}
	return fallback
}

func optionalSeconds(input map[string]interface{}, key string, fallback time.Duration) time.Duration {
	if n := optionalInt(input, key, -1); n >= 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func stringList(input map[string]interface{}, key string) ([]string, error) {
	v, ok := input[key]
	if !ok {
		return nil, fmt.Errorf("missing required input %q", key)
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("input %q must be a list of strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("input %q must be a list of strings", key)
}
