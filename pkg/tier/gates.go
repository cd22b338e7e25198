package tier

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/jsonc"
)

// Unlimited is the numeric sentinel meaning no limit.
const Unlimited int64 = -1

type FeatureType string

const (
	Boolean FeatureType = "boolean"
	Numeric FeatureType = "numeric"
)

// Feature is one entry of the gate document.
type Feature struct {
	Type    FeatureType     `json:"type"`
	Default json.RawMessage `json:"default"`
}

// Document is the wire form stored on the governance bus.
type Document struct {
	Version      int                                   `json:"version"`
	Unrestricted bool                                  `json:"unrestricted"`
	BypassTiers  []string                              `json:"bypass_tiers,omitempty"`
	Features     map[string]Feature                    `json:"features"`
	Tiers        map[string]map[string]json.RawMessage `json:"tiers,omitempty"`
}

// Decision is the outcome of one gate check. Limit is Unlimited for allowed
// booleans and for numeric gates without a cap.
type Decision struct {
	Allowed bool  `json:"allowed"`
	Limit   int64 `json:"limit"`
}

var allowAll = Decision{Allowed: true, Limit: Unlimited}

// Denial is the policy error for a gate that evaluated to not allowed.
type Denial struct {
	Gate string
	Tier Tier
}

func (d *Denial) Error() string {
	return fmt.Sprintf("feature %q is not available to tier %s", d.Gate, d.Tier)
}

//go:embed default_gates.jsonc
var defaultDocument []byte

var ErrMalformed = errors.New("malformed gate document")

type value struct {
	b bool
	n int64
}

// Snapshot is a compiled, immutable gate document.
type Snapshot struct {
	doc          Document
	unrestricted bool
	bypass       map[Tier]bool
	types        map[string]FeatureType
	defaults     map[string]value
	overrides    map[Tier]map[string]value
}

// Default compiles the embedded built-in document.
func Default() *Snapshot {
	s, err := Compile(defaultDocument)
	if err != nil {
		panic(fmt.Sprintf("embedded gate document: %v", err))
	}
	return s
}

// Compile parses and validates a gate document. Comments and trailing commas
// are tolerated.
func Compile(raw []byte) (*Snapshot, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(raw)))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	s := &Snapshot{
		doc:          doc,
		unrestricted: doc.Unrestricted,
		bypass:       map[Tier]bool{Override: true},
		types:        make(map[string]FeatureType, len(doc.Features)),
		defaults:     make(map[string]value, len(doc.Features)),
		overrides:    make(map[Tier]map[string]value, len(doc.Tiers)),
	}
	for _, raw := range doc.BypassTiers {
		t, ok := Parse(raw)
		if !ok {
			return nil, fmt.Errorf("%w: unknown bypass tier %q", ErrMalformed, raw)
		}
		s.bypass[t] = true
	}
	for key, f := range doc.Features {
		if f.Type != Boolean && f.Type != Numeric {
			return nil, fmt.Errorf("%w: feature %q has type %q", ErrMalformed, key, f.Type)
		}
		v, err := decodeValue(f.Type, f.Default)
		if err != nil {
			return nil, fmt.Errorf("%w: feature %q default: %v", ErrMalformed, key, err)
		}
		s.types[key] = f.Type
		s.defaults[key] = v
	}
	for rawTier, values := range doc.Tiers {
		t, ok := Parse(rawTier)
		if !ok {
			return nil, fmt.Errorf("%w: unknown tier %q", ErrMalformed, rawTier)
		}
		m := make(map[string]value, len(values))
		for key, raw := range values {
			typ, ok := s.types[key]
			if !ok {
				return nil, fmt.Errorf("%w: tier %s overrides undeclared feature %q", ErrMalformed, t, key)
			}
			v, err := decodeValue(typ, raw)
			if err != nil {
				return nil, fmt.Errorf("%w: tier %s feature %q: %v", ErrMalformed, t, key, err)
			}
			m[key] = v
		}
		s.overrides[t] = m
	}
	return s, nil
}

func decodeValue(typ FeatureType, raw json.RawMessage) (value, error) {
	trimmed := strings.TrimSpace(string(raw))
	switch typ {
	case Boolean:
		switch trimmed {
		case "true":
			return value{b: true}, nil
		case "false", "":
			return value{}, nil
		}
		return value{}, fmt.Errorf("expected boolean, got %s", trimmed)
	default:
		if trimmed == "" {
			return value{n: 0}, nil
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return value{}, fmt.Errorf("expected number, got %s", trimmed)
		}
		i, err := n.Int64()
		if err != nil || i < Unlimited {
			return value{}, fmt.Errorf("expected integer >= -1, got %s", trimmed)
		}
		return value{n: i}, nil
	}
}

// Version of the compiled document.
func (s *Snapshot) Version() int {
	if s == nil {
		return 0
	}
	return s.doc.Version
}

// Document returns the document as compiled, for introspection.
func (s *Snapshot) Document() Document {
	if s == nil {
		return Document{}
	}
	return s.doc
}

// Check evaluates one gate. Administrator and bypass tiers are always fully
// allowed, as is every tier when the deployment is unrestricted. Unknown
// keys are allowed.
func (s *Snapshot) Check(t Tier, key string) Decision {
	if t == Administrator || t == Override || s == nil || s.unrestricted || s.bypass[t] {
		return allowAll
	}
	typ, ok := s.types[key]
	if !ok {
		return allowAll
	}
	v, ok := s.overrides[t][key]
	if !ok {
		v = s.defaults[key]
	}
	if typ == Boolean {
		if v.b {
			return allowAll
		}
		return Decision{}
	}
	return Decision{Allowed: v.n != 0, Limit: v.n}
}

// Evaluate returns every declared gate for one tier.
func (s *Snapshot) Evaluate(t Tier) map[string]Decision {
	if s == nil {
		return map[string]Decision{}
	}
	out := make(map[string]Decision, len(s.types))
	for key := range s.types {
		out[key] = s.Check(t, key)
	}
	return out
}
