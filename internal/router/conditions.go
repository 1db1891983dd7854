package router

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ignite/lead-pipeline/internal/domain"
)

// A condition compares one event field against a stored operand. Rules
// hold a conjunction of these; all must pass for the rule to match.
type condition struct {
	field string
	op    string
	value interface{}

	// compiled forms, filled at parse time
	re      *regexp.Regexp
	set     map[string]bool
	numeric float64
	isNum   bool
}

const (
	opEq          = "equals"
	opNotEq       = "not_equals"
	opContains    = "contains"
	opNotContains = "not_contains"
	opIn          = "in"
	opNotIn       = "not_in"
	opGt          = "greater_than"
	opLt          = "less_than"
	opRegex       = "regex"
)

// parseConditions compiles a rule's stored condition map. A scalar
// value is shorthand for equality; an object selects the operator.
// Broken conditions fail the whole rule at load, not at match time.
func parseConditions(raw map[string]interface{}) ([]condition, error) {
	conds := make([]condition, 0, len(raw))
	for field, spec := range raw {
		c := condition{field: field, op: opEq, value: spec}
		if obj, ok := spec.(map[string]interface{}); ok {
			op, _ := obj["op"].(string)
			if op == "" {
				return nil, fmt.Errorf("condition %q: missing op", field)
			}
			c.op = op
			c.value = obj["value"]
		}
		if err := c.compile(); err != nil {
			return nil, fmt.Errorf("condition %q: %w", field, err)
		}
		conds = append(conds, c)
	}
	return conds, nil
}

func (c *condition) compile() error {
	switch c.op {
	case opEq, opNotEq, opContains, opNotContains:
		// string comparisons, nothing to precompute
	case opIn, opNotIn:
		list, ok := c.value.([]interface{})
		if !ok {
			return fmt.Errorf("op %s needs a list", c.op)
		}
		c.set = make(map[string]bool, len(list))
		for _, v := range list {
			c.set[strings.ToLower(stringify(v))] = true
		}
	case opGt, opLt:
		n, ok := toFloat(c.value)
		if !ok {
			return fmt.Errorf("op %s needs a number", c.op)
		}
		c.numeric = n
		c.isNum = true
	case opRegex:
		pattern, ok := c.value.(string)
		if !ok {
			return fmt.Errorf("op regex needs a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("compile pattern: %w", err)
		}
		c.re = re
	default:
		return fmt.Errorf("unknown op %q", c.op)
	}
	return nil
}

// matches evaluates the condition against one event. A field absent
// from the event resolves to "" and compares like any other value.
func (c *condition) matches(e *domain.Event) bool {
	got := fieldValue(e, c.field)
	gotLower := strings.ToLower(got)

	switch c.op {
	case opEq:
		return gotLower == strings.ToLower(stringify(c.value))
	case opNotEq:
		return gotLower != strings.ToLower(stringify(c.value))
	case opContains:
		return strings.Contains(gotLower, strings.ToLower(stringify(c.value)))
	case opNotContains:
		return !strings.Contains(gotLower, strings.ToLower(stringify(c.value)))
	case opIn:
		return c.set[gotLower]
	case opNotIn:
		return !c.set[gotLower]
	case opGt:
		n, ok := toFloat(got)
		return ok && n > c.numeric
	case opLt:
		n, ok := toFloat(got)
		return ok && n < c.numeric
	case opRegex:
		return c.re.MatchString(got)
	}
	return false
}

// fieldValue resolves a condition field name against the event: named
// columns first, then virtual fields, then the residual data map.
func fieldValue(e *domain.Event, field string) string {
	switch field {
	case "event_type":
		return string(e.EventType)
	case "email":
		return e.Email
	case "phone":
		return e.Phone
	case "first_name":
		return e.FirstName
	case "last_name":
		return e.LastName
	case "ip_address":
		return e.IPAddress
	case "acq_source":
		return e.AcqSource
	case "acq_campaign":
		return e.AcqCampaign
	case "acq_form_title":
		return e.AcqFormTitle
	case "current_source":
		return e.CurrentSource
	case "current_medium":
		return e.CurrentMedium
	case "current_campaign":
		return e.CurrentCampaign
	case "gclid":
		return e.GCLID
	case "purchase_offer":
		return e.PurchaseOffer
	case "purchase_publisher":
		return e.PurchasePublisher
	case "purchase_traffic_source":
		return e.PurchaseTrafficSource
	case "email_validation_status":
		return e.EmailValidationStatus

	// Virtual fields.
	case "email_domain":
		return e.EmailDomain()
	case "has_phone":
		return boolString(e.Phone != "")
	case "is_gmail":
		return boolString(e.EmailDomain() == "gmail.com")
	case "is_mobile":
		return boolString(len(e.Phone) >= 10)
	case "revenue_amount", "purchase_amount":
		return strconv.FormatFloat(e.PurchaseAmount, 'f', -1, 64)
	}

	if e.EventData != nil {
		if v, ok := e.EventData[field]; ok {
			return stringify(v)
		}
	}
	return ""
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return boolString(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(t, 64)
		return n, err == nil
	}
	return 0, false
}
