package testutils

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder as an expected value matches whatever the actual
// document holds under the same key, as long as the key exists.
const PresencePlaceholder = "<<PRESENCE>>"

// MustJSON marshals v or panics.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// JSONAssertOptions control how documents are normalized before they are
// compared.
type JSONAssertOptions struct {
	// IgnoreExtraKeys drops object keys of actual that expected does not name.
	IgnoreExtraKeys          bool `default:"false"`
	IgnoreArrayOrder         bool `default:"false"`
	AllowPresencePlaceholder bool `default:"true"`
	// IgnoredFields are removed from objects at any depth on both sides.
	IgnoredFields []string
}

// JSONOption is a functional option for configuring JSONAsserter
type JSONOption func(*JSONAssertOptions)

// JSONAsserter compares JSON documents structurally and reports a diff.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

// NewJSONAsserter creates an asserter with default options.
func NewJSONAsserter(t TestingT, opts ...JSONOption) *JSONAsserter {
	o := JSONAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &JSONAsserter{t: t, options: o}
}

// Options returns a copy of the current options.
func (ja *JSONAsserter) Options() JSONAssertOptions {
	return ja.options
}

// Assert reports a diff when actual differs from expected after
// normalization. It returns whether they matched.
func (ja *JSONAsserter) Assert(actual, expected string) bool {
	diff, err := ja.Diff(actual, expected)
	if err != nil {
		ja.t.Errorf("JSON assertion failed: %v", err)
		return false
	}
	if diff != "" {
		ja.t.Errorf("JSON assertion failed - diff:\n%s", diff)
		return false
	}
	return true
}

// Diff is the difference between the normalized documents, empty when they
// are equal.
func (ja *JSONAsserter) Diff(actual, expected string) (string, error) {
	var exp, act any
	if err := json.Unmarshal([]byte(expected), &exp); err != nil {
		return "", fmt.Errorf("invalid expected JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(actual), &act); err != nil {
		return "", fmt.Errorf("invalid actual JSON: %w", err)
	}

	// gojsondiff only compares objects; wrapping also covers root arrays
	// and scalars
	left := map[string]any{"document": exp}
	right := map[string]any{"document": act}

	if len(ja.options.IgnoredFields) > 0 {
		ignored := make(map[string]bool, len(ja.options.IgnoredFields))
		for _, f := range ja.options.IgnoredFields {
			ignored[f] = true
		}
		removeFields(left, ignored)
		removeFields(right, ignored)
	}
	// ignored fields must be gone before sorting or they skew the order
	if ja.options.IgnoreArrayOrder {
		sortArrays(left)
		sortArrays(right)
	}
	ja.reconcile(left, right)

	d := gojsondiff.New().CompareObjects(left, right)
	if !d.Modified() {
		return "", nil
	}
	f := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	return f.Format(d)
}

// reconcile aligns actual with expected: extra keys are pruned and presence
// placeholders take the actual value.
func (ja *JSONAsserter) reconcile(expected, actual any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		if ja.options.IgnoreExtraKeys {
			for k := range act {
				if _, named := exp[k]; !named {
					delete(act, k)
				}
			}
		}
		for k, v := range exp {
			if s, ok := v.(string); ok && s == PresencePlaceholder && ja.options.AllowPresencePlaceholder {
				if a, present := act[k]; present {
					exp[k] = a
				}
				continue
			}
			ja.reconcile(v, act[k])
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				ja.reconcile(exp[i], act[i])
			}
		}
	}
}

func removeFields(v any, ignored map[string]bool) {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			if ignored[k] {
				delete(node, k)
				continue
			}
			removeFields(child, ignored)
		}
	case []any:
		for _, child := range node {
			removeFields(child, ignored)
		}
	}
}

// sortArrays orders every array by the JSON encoding of its elements.
func sortArrays(v any) {
	switch node := v.(type) {
	case map[string]any:
		for _, child := range node {
			sortArrays(child)
		}
	case []any:
		for _, child := range node {
			sortArrays(child)
		}
		sort.SliceStable(node, func(i, j int) bool {
			return MustJSON(node[i]) < MustJSON(node[j])
		})
	}
}

// WithIgnoreExtraKeys sets whether keys missing from expected are ignored.
func WithIgnoreExtraKeys(ignore bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = ignore }
}

// WithIgnoreArrayOrder sets whether array element order is ignored.
func WithIgnoreArrayOrder(ignore bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreArrayOrder = ignore }
}

// WithAllowPresencePlaceholder sets whether PresencePlaceholder is honored.
func WithAllowPresencePlaceholder(allow bool) JSONOption {
	return func(o *JSONAssertOptions) { o.AllowPresencePlaceholder = allow }
}

// WithIgnoredFields sets the field names removed before comparing.
func WithIgnoredFields(fields ...string) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}
