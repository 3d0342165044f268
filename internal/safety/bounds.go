// Package safety provides the shared input-validation primitives used
// against untrusted data entering the runtime: forbidden-key rejection
// (guards downstream consumers that might reserialize a map onto a
// prototype-bearing structure) and size/depth bounding.
//
// A typed Violation error, bound checks that return descriptive errors
// naming the offending field, and a helper that walks nested
// structures to enforce a depth cap.
package safety

import "fmt"

// ViolationType names the category of input-safety violation.
type ViolationType string

const (
	// ViolationForbiddenKey indicates a reserved key name was present in
	// untrusted input that may later be reserialized onto a native object.
	ViolationForbiddenKey ViolationType = "forbidden_key"

	// ViolationTooDeep indicates nested structure exceeded the maximum
	// permitted depth.
	ViolationTooDeep ViolationType = "max_depth_exceeded"

	// ViolationFieldTooLong indicates a single field exceeded its length cap.
	ViolationFieldTooLong ViolationType = "field_too_long"

	// ViolationTotalTooLong indicates the aggregate size of all fields
	// exceeded the total cap.
	ViolationTotalTooLong ViolationType = "total_too_long"
)

// Violation is returned when untrusted input fails a safety check.
type Violation struct {
	Type  ViolationType
	Field string
	Msg   string
}

func (v *Violation) Error() string {
	if v.Field != "" {
		return fmt.Sprintf("safety: %s(%s): %s", v.Type, v.Field, v.Msg)
	}
	return fmt.Sprintf("safety: %s: %s", v.Type, v.Msg)
}

// forbiddenKeys guards against structures that, if later merged onto a
// native object via reflection or reserialized into another language's
// runtime, could pollute its prototype chain. Go maps have no prototype
// chain to pollute, but the rule is kept as an input-validation boundary
// for any untrusted payload this process accepts, per the same contract
// the rest of the pipeline (and any downstream consumer) expects.
var forbiddenKeys = map[string]struct{}{
	"__proto__":   {},
	"prototype":   {},
	"constructor": {},
}

// MaxDepth is the maximum nested structure depth accepted from untrusted
// mappings before CheckKeys rejects the input outright.
const MaxDepth = 50

// CheckKeys walks a mapping (and any nested map[string]any/[]any values)
// rejecting forbidden keys and excess nesting depth.
func CheckKeys(v map[string]any) error {
	return checkDepth(v, 0)
}

func checkDepth(v any, depth int) error {
	if depth > MaxDepth {
		return &Violation{Type: ViolationTooDeep, Msg: fmt.Sprintf("depth %d exceeds max %d", depth, MaxDepth)}
	}
	switch m := v.(type) {
	case map[string]any:
		for k, val := range m {
			if _, bad := forbiddenKeys[k]; bad {
				return &Violation{Type: ViolationForbiddenKey, Field: k, Msg: "reserved key not permitted in untrusted input"}
			}
			if err := checkDepth(val, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, val := range m {
			if err := checkDepth(val, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckFieldLength rejects a single field value exceeding maxLen.
func CheckFieldLength(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return &Violation{
			Type:  ViolationFieldTooLong,
			Field: field,
			Msg:   fmt.Sprintf("length %d exceeds max %d", len(value), maxLen),
		}
	}
	return nil
}

// CheckTotalLength rejects an aggregate length exceeding maxLen.
func CheckTotalLength(total, maxLen int) error {
	if total > maxLen {
		return &Violation{
			Type: ViolationTotalTooLong,
			Msg:  fmt.Sprintf("total length %d exceeds max %d", total, maxLen),
		}
	}
	return nil
}
