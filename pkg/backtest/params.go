package backtest

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
)

// ============================================================================
// PARAMETER DEFINITION
// ============================================================================

// Parameter represents a tunable strategy parameter and its bounds
type Parameter struct {
	Name   string    `json:"name" yaml:"name"`
	Type   ParamType `json:"type" yaml:"type"`                         // int, float, bool, string
	Min    float64   `json:"min,omitempty" yaml:"min,omitempty"`       // For numeric types
	Max    float64   `json:"max,omitempty" yaml:"max,omitempty"`       // For numeric types
	Step   float64   `json:"step,omitempty" yaml:"step,omitempty"`     // Grid resolution
	Values []string  `json:"values,omitempty" yaml:"values,omitempty"` // For string/categorical types
}

// ParamType defines the type of parameter
type ParamType string

const (
	ParamTypeInt    ParamType = "int"
	ParamTypeFloat  ParamType = "float"
	ParamTypeBool   ParamType = "bool"
	ParamTypeString ParamType = "string"
)

// IsNumeric reports whether the parameter takes int or float values
func (p *Parameter) IsNumeric() bool {
	return p.Type == ParamTypeInt || p.Type == ParamTypeFloat
}

// Validate checks the declaration itself
func (p *Parameter) Validate() error {
	if p.Name == "" {
		return invalidConfig("parameter has no name")
	}
	switch p.Type {
	case ParamTypeInt, ParamTypeFloat:
		if math.IsNaN(p.Min) || math.IsNaN(p.Max) || p.Min > p.Max {
			return invalidConfig("parameter %s: min %v greater than max %v", p.Name, p.Min, p.Max)
		}
		if p.Step < 0 {
			return invalidConfig("parameter %s: negative step", p.Name)
		}
	case ParamTypeString:
		if len(p.Values) == 0 {
			return invalidConfig("parameter %s: no values", p.Name)
		}
	case ParamTypeBool:
	default:
		return invalidConfig("parameter %s: unknown type %q", p.Name, p.Type)
	}
	return nil
}

// gridValues discretizes the parameter. Values are computed from the index
// rather than accumulated so float steps land exactly on min + k*step.
func (p *Parameter) gridValues() ([]interface{}, error) {
	switch p.Type {
	case ParamTypeInt, ParamTypeFloat:
		step := p.Step
		if step == 0 {
			if p.Type == ParamTypeFloat && p.Min != p.Max {
				return nil, invalidConfig("parameter %s: float grid needs a step", p.Name)
			}
			step = 1
		}
		n := int(math.Floor((p.Max-p.Min)/step+1e-9)) + 1
		values := make([]interface{}, 0, n)
		for k := 0; k < n; k++ {
			v := p.Min + float64(k)*step
			if p.Type == ParamTypeInt {
				values = append(values, int(math.Round(v)))
			} else {
				values = append(values, v)
			}
		}
		return values, nil
	case ParamTypeBool:
		return []interface{}{false, true}, nil
	case ParamTypeString:
		values := make([]interface{}, len(p.Values))
		for i, v := range p.Values {
			values[i] = v
		}
		return values, nil
	}
	return nil, invalidConfig("parameter %s: unknown type %q", p.Name, p.Type)
}

// sample draws a uniform value
func (p *Parameter) sample(rng *rand.Rand) interface{} {
	switch p.Type {
	case ParamTypeInt:
		lo, hi := int(math.Ceil(p.Min)), int(math.Floor(p.Max))
		return lo + rng.Intn(hi-lo+1)
	case ParamTypeFloat:
		return p.Min + rng.Float64()*(p.Max-p.Min)
	case ParamTypeBool:
		return rng.Float64() < 0.5
	case ParamTypeString:
		return p.Values[rng.Intn(len(p.Values))]
	}
	return nil
}

// encode maps a value to [0, 1]. Categorical values map to their ordinal.
func (p *Parameter) encode(v interface{}) float64 {
	switch p.Type {
	case ParamTypeInt, ParamTypeFloat:
		f, ok := toFloat(v)
		if !ok || p.Max == p.Min {
			return 0.5
		}
		return (f - p.Min) / (p.Max - p.Min)
	case ParamTypeBool:
		if b, _ := v.(bool); b {
			return 1
		}
		return 0
	case ParamTypeString:
		s, _ := v.(string)
		for i, candidate := range p.Values {
			if candidate == s {
				if len(p.Values) == 1 {
					return 0.5
				}
				return float64(i) / float64(len(p.Values)-1)
			}
		}
	}
	return 0
}

// decode is the inverse of encode, snapping to the declared grid when a step
// is set.
func (p *Parameter) decode(u float64) interface{} {
	u = math.Min(1, math.Max(0, u))
	switch p.Type {
	case ParamTypeInt, ParamTypeFloat:
		v := p.Min + u*(p.Max-p.Min)
		if p.Step > 0 {
			v = p.Min + math.Round((v-p.Min)/p.Step)*p.Step
		}
		return p.clamp(v)
	case ParamTypeBool:
		return u >= 0.5
	case ParamTypeString:
		return p.Values[int(math.Round(u*float64(len(p.Values)-1)))]
	}
	return nil
}

// clamp bounds a numeric value and converts it to the parameter's type
func (p *Parameter) clamp(v float64) interface{} {
	if p.Type == ParamTypeInt {
		lo, hi := math.Ceil(p.Min), math.Floor(p.Max)
		return int(math.Max(lo, math.Min(hi, math.Round(v))))
	}
	return math.Max(p.Min, math.Min(p.Max, v))
}

// contains checks a value against the declaration
func (p *Parameter) contains(v interface{}) error {
	switch p.Type {
	case ParamTypeInt:
		i, ok := v.(int)
		if !ok {
			return fmt.Errorf("parameter %s: expected int, got %T", p.Name, v)
		}
		if float64(i) < p.Min || float64(i) > p.Max {
			return fmt.Errorf("parameter %s: %d outside [%v, %v]", p.Name, i, p.Min, p.Max)
		}
	case ParamTypeFloat:
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("parameter %s: expected float, got %T", p.Name, v)
		}
		if math.IsNaN(f) || f < p.Min || f > p.Max {
			return fmt.Errorf("parameter %s: %v outside [%v, %v]", p.Name, f, p.Min, p.Max)
		}
	case ParamTypeBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("parameter %s: expected bool, got %T", p.Name, v)
		}
	case ParamTypeString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("parameter %s: expected string, got %T", p.Name, v)
		}
		for _, candidate := range p.Values {
			if candidate == s {
				return nil
			}
		}
		return fmt.Errorf("parameter %s: %q not in %v", p.Name, s, p.Values)
	}
	return nil
}

// ============================================================================
// PARAMETER SPACE
// ============================================================================

// ParameterSpace is the ordered set of parameters an optimizer searches.
// Declaration order fixes grid enumeration order.
type ParameterSpace []*Parameter

// Validate checks every declaration and rejects duplicate names
func (s ParameterSpace) Validate() error {
	if len(s) == 0 {
		return invalidConfig("empty parameter space")
	}
	seen := make(map[string]bool, len(s))
	for _, p := range s {
		if p == nil {
			return invalidConfig("nil parameter")
		}
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return invalidConfig("duplicate parameter %s", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Lookup returns the declaration for name
func (s ParameterSpace) Lookup(name string) (*Parameter, bool) {
	for _, p := range s {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Contains reports an error if ps is missing a parameter or any value is
// outside its declared bounds.
func (s ParameterSpace) Contains(ps ParameterSet) error {
	for _, p := range s {
		v, ok := ps[p.Name]
		if !ok {
			return fmt.Errorf("parameter %s: missing", p.Name)
		}
		if err := p.contains(v); err != nil {
			return err
		}
	}
	return nil
}

// Coerce converts decoded values (for instance JSON numbers) back to the
// declared types.
func (s ParameterSpace) Coerce(ps ParameterSet) (ParameterSet, error) {
	out := ps.Clone()
	for _, p := range s {
		v, ok := ps[p.Name]
		if !ok {
			continue
		}
		switch p.Type {
		case ParamTypeInt:
			f, ok := toFloat(v)
			if !ok {
				return nil, invalidConfig("parameter %s: cannot use %v as int", p.Name, v)
			}
			out[p.Name] = int(math.Round(f))
		case ParamTypeFloat:
			f, ok := toFloat(v)
			if !ok {
				return nil, invalidConfig("parameter %s: cannot use %v as float", p.Name, v)
			}
			out[p.Name] = f
		case ParamTypeBool:
			switch b := v.(type) {
			case bool:
			case string:
				parsed, err := strconv.ParseBool(b)
				if err != nil {
					return nil, invalidConfig("parameter %s: %v", p.Name, err)
				}
				out[p.Name] = parsed
			default:
				return nil, invalidConfig("parameter %s: cannot use %v as bool", p.Name, v)
			}
		case ParamTypeString:
			out[p.Name] = fmt.Sprint(v)
		}
	}
	return out, nil
}

// Defaults returns the midpoint of each numeric range and the first value of
// each categorical parameter.
func (s ParameterSpace) Defaults() ParameterSet {
	ps := make(ParameterSet, len(s))
	for _, p := range s {
		ps[p.Name] = p.decode(0.5)
		if p.Type == ParamTypeString {
			ps[p.Name] = p.Values[0]
		}
	}
	return ps
}

// Key is a canonical description of the space
func (s ParameterSpace) Key() string {
	var b strings.Builder
	for _, p := range s {
		fmt.Fprintf(&b, "%s:%s:%v:%v:%v:%s;", p.Name, p.Type, p.Min, p.Max, p.Step, strings.Join(p.Values, ","))
	}
	return b.String()
}

// ============================================================================
// PARAMETER SET
// ============================================================================

// ParameterSet represents a set of parameter values
type ParameterSet map[string]interface{}

// Clone creates a copy of the parameter set
func (ps ParameterSet) Clone() ParameterSet {
	clone := make(ParameterSet, len(ps))
	for k, v := range ps {
		clone[k] = v
	}
	return clone
}

// Names returns the parameter names in sorted order
func (ps ParameterSet) Names() []string {
	names := make([]string, 0, len(ps))
	for k := range ps {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Key is a canonical "name=value" rendering used for dedupe and cache keys
func (ps ParameterSet) Key() string {
	var b strings.Builder
	for i, name := range ps.Names() {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%v", name, ps[name])
	}
	return b.String()
}

// Float returns a numeric parameter as float64
func (ps ParameterSet) Float(name string) (float64, bool) {
	return toFloat(ps[name])
}

// Int returns a numeric parameter rounded to int
func (ps ParameterSet) Int(name string) (int, bool) {
	f, ok := toFloat(ps[name])
	if !ok {
		return 0, false
	}
	return int(math.Round(f)), true
}

// Bool returns a boolean parameter
func (ps ParameterSet) Bool(name string) (bool, bool) {
	b, ok := ps[name].(bool)
	return b, ok
}

// Categorical returns a string parameter
func (ps ParameterSet) Categorical(name string) (string, bool) {
	s, ok := ps[name].(string)
	return s, ok
}

// FloatOr returns the named float or def
func (ps ParameterSet) FloatOr(name string, def float64) float64 {
	if v, ok := ps.Float(name); ok {
		return v
	}
	return def
}

// IntOr returns the named int or def
func (ps ParameterSet) IntOr(name string, def int) int {
	if v, ok := ps.Int(name); ok {
		return v
	}
	return def
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
