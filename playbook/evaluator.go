package playbook

import (
	"fmt"
	"strconv"
	"strings"

	"sentinel/core"
)

// Matches is the condition evaluator: a pure function of
// (event, playbook snapshot). Identical inputs always yield the
// identical verdict.
//
// Stage 1 applies the trigger EventFilter (service/stream/severity),
// rejecting most non-applicable events before any field condition is
// touched. Stage 2 evaluates the condition clauses against
// event.Fields and combines them per the playbook's combine mode.
func Matches(event *core.Event, p *Playbook) bool {
	if !matchesTrigger(event, p.Trigger) {
		return false
	}
	return matchesConditions(event, p)
}

// matchesTrigger applies the coarse stage-1 label filter.
func matchesTrigger(event *core.Event, filter EventFilter) bool {
	if filter.Service != "" && event.Service != filter.Service {
		return false
	}
	if filter.Stream != "" && event.Stream != filter.Stream {
		return false
	}
	if filter.SeverityMin != "" {
		if core.SeverityRank(event.Severity) < core.SeverityRank(filter.SeverityMin) {
			return false
		}
	}
	return true
}

// matchesConditions evaluates stage 2. An empty condition list is
// vacuously true (trigger-only playbook). AND short-circuits on the
// first false clause, OR on the first true one.
func matchesConditions(event *core.Event, p *Playbook) bool {
	if len(p.Conditions) == 0 {
		return true
	}

	for i := range p.Conditions {
		verdict := evalClause(event, &p.Conditions[i])
		if p.Combine == CombineOR {
			if verdict {
				return true
			}
		} else if !verdict {
			return false
		}
	}
	return p.Combine != CombineOR
}

// evalClause evaluates one clause. A field absent from the event makes
// the clause false, never an error; the negate flag inverts the
// verdict afterwards.
func evalClause(event *core.Event, clause *ConditionClause) bool {
	if clause.invalid {
		return false
	}

	fieldValue, present := event.Field(clause.Field)
	if !present {
		// Absent field is always false before negation; negate then
		// turns "field differs" style clauses true, matching the
		// not-present-implies-not-equal reading.
		return clause.Negate
	}

	verdict := compare(fieldValue, clause)
	if clause.Negate {
		return !verdict
	}
	return verdict
}

func compare(fieldValue interface{}, clause *ConditionClause) bool {
	switch clause.Operator {
	case OperatorEquals:
		return valuesEqual(fieldValue, clause.Value)
	case OperatorNotEquals:
		return !valuesEqual(fieldValue, clause.Value)
	case OperatorContains:
		return strings.Contains(asString(fieldValue), asString(clause.Value))
	case OperatorRegexMatch:
		if clause.re == nil {
			return false
		}
		// A match timeout or engine error is treated as no match; the
		// pipeline never crashes on a pathological pattern or input.
		matched, err := clause.re.MatchString(asString(fieldValue))
		return err == nil && matched
	case OperatorGt:
		return numericCompare(fieldValue, clause.Value) > 0
	case OperatorLt:
		return numericCompare(fieldValue, clause.Value) < 0
	case OperatorInSet:
		return inSet(fieldValue, clause.Value)
	default:
		return false
	}
}

// valuesEqual compares numerically when both sides coerce to float64,
// by string rendering otherwise, so "443" equals 443 the way untyped
// YAML and JSON values intermix in practice.
func valuesEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return asString(a) == asString(b)
}

// numericCompare returns -1/0/+1. Non-numeric operands fall back to
// lexicographic comparison.
func numericCompare(a, b interface{}) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(asString(a), asString(b))
}

func inSet(fieldValue, setValue interface{}) bool {
	set, ok := setValue.([]interface{})
	if !ok {
		// A scalar set degenerates to equality.
		return valuesEqual(fieldValue, setValue)
	}
	for _, member := range set {
		if valuesEqual(fieldValue, member) {
			return true
		}
	}
	return false
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
