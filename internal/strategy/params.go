package strategy

import (
	"fmt"
	"strconv"
)

// Params carries string-valued strategy parameters as they appear in the YAML
// config or on the command line.
type Params map[string]string

// Get returns the value of key, or def when it is unset.
func (p Params) Get(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Int returns key parsed as an integer, or def when it is unset.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidStrategyConfig, key, v)
	}
	return n, nil
}

// With returns a copy of p with key set to value.
func (p Params) With(key, value string) Params {
	out := make(Params, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out[key] = value
	return out
}
