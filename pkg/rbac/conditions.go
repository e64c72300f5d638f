package rbac

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// ConditionKind identifies a policy condition variant
type ConditionKind string

const (
	ConditionTimeWindow      ConditionKind = "time_window"
	ConditionIPRange         ConditionKind = "ip_range"
	ConditionAttributeEquals ConditionKind = "attribute_equals"
)

// TimeWindow allows requests between Start and End (HH:MM, End exclusive) on the
// listed weekdays. A window whose End is before Start wraps past midnight.
// Start equal to End is an empty window and is rejected.
type TimeWindow struct {
	Start    string   `json:"start"`
	End      string   `json:"end"`
	Timezone string   `json:"timezone,omitempty"`
	Weekdays []string `json:"weekdays,omitempty"`
}

// IPRange allows requests whose client address is inside one of the CIDRs
type IPRange struct {
	CIDRs []string `json:"cidrs"`
}

// AttributeEquals allows requests whose context attribute equals one of Values
type AttributeEquals struct {
	Attribute string   `json:"attribute"`
	Values    []string `json:"values"`
}

// Condition is a tagged variant: exactly one of the kind-specific fields is set.
// Conditions of unknown kind keep their original JSON in raw and never pass.
// Fields a known kind does not define are carried in extra and written back.
type Condition struct {
	Kind            ConditionKind
	TimeWindow      *TimeWindow
	IPRange         *IPRange
	AttributeEquals *AttributeEquals

	raw   json.RawMessage
	extra map[string]json.RawMessage
}

var conditionFields = map[ConditionKind][]string{
	ConditionTimeWindow:      {"start", "end", "timezone", "weekdays"},
	ConditionIPRange:         {"cidrs"},
	ConditionAttributeEquals: {"attribute", "values"},
}

// Conditions is the condition list of a policy. All conditions must pass.
type Conditions []Condition

// EvalContext carries the request attributes conditions are evaluated against
type EvalContext struct {
	Now        time.Time
	ClientIP   string
	Attributes map[string]string
}

// MarshalJSON flattens the variant into {"kind": ..., <fields>}
func (c Condition) MarshalJSON() ([]byte, error) {
	var body interface{}
	switch c.Kind {
	case ConditionTimeWindow:
		body = c.TimeWindow
	case ConditionIPRange:
		body = c.IPRange
	case ConditionAttributeEquals:
		body = c.AttributeEquals
	default:
		if len(c.raw) > 0 {
			return c.raw, nil
		}
		return nil, fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	if isNilPtr(body) {
		return nil, fmt.Errorf("condition %q has no body", c.Kind)
	}

	fields, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(fields, &known); err != nil {
		return nil, err
	}
	m := make(map[string]json.RawMessage, len(known)+len(c.extra)+1)
	for k, v := range c.extra {
		m[k] = v
	}
	for k, v := range known {
		m[k] = v
	}
	kind, _ := json.Marshal(c.Kind)
	m["kind"] = kind
	return json.Marshal(m)
}

// UnmarshalJSON decodes a {"kind": ...} object into the matching variant
func (c *Condition) UnmarshalJSON(data []byte) error {
	var head struct {
		Kind ConditionKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("invalid condition: %w", err)
	}

	*c = Condition{Kind: head.Kind}
	var err error
	switch head.Kind {
	case ConditionTimeWindow:
		c.TimeWindow = &TimeWindow{}
		err = json.Unmarshal(data, c.TimeWindow)
	case ConditionIPRange:
		c.IPRange = &IPRange{}
		err = json.Unmarshal(data, c.IPRange)
	case ConditionAttributeEquals:
		c.AttributeEquals = &AttributeEquals{}
		err = json.Unmarshal(data, c.AttributeEquals)
	default:
		c.raw = append(json.RawMessage(nil), data...)
		return nil
	}
	if err != nil {
		return err
	}
	return c.keepExtra(data)
}

func (c *Condition) keepExtra(data []byte) error {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	delete(all, "kind")
	for _, k := range conditionFields[c.Kind] {
		delete(all, k)
	}
	if len(all) > 0 {
		c.extra = all
	}
	return nil
}

// MarshalJSON always emits a list so the column never holds null
func (cs Conditions) MarshalJSON() ([]byte, error) {
	if cs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Condition(cs))
}

// UnmarshalJSON accepts a list of conditions; null and {} decode as empty
func (cs *Conditions) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "{}" || trimmed == "" {
		*cs = Conditions{}
		return nil
	}
	var list []Condition
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*cs = list
	return nil
}

// Validate rejects conditions that could never be evaluated. Unknown kinds
// pass so they can round-trip; they deny at evaluation.
func (cs Conditions) Validate() error {
	for i, c := range cs {
		if err := c.validate(); err != nil {
			return fmt.Errorf("condition %d (%s): %w", i, c.Kind, err)
		}
	}
	return nil
}

func (c Condition) validate() error {
	switch c.Kind {
	case ConditionTimeWindow:
		if c.TimeWindow == nil {
			return ErrInvalidArgument
		}
		_, _, _, err := c.TimeWindow.bounds()
		if err != nil {
			return fmt.Errorf("%v: %w", err, ErrInvalidArgument)
		}
		for _, d := range c.TimeWindow.Weekdays {
			if _, ok := weekdays[strings.ToLower(d)]; !ok {
				return fmt.Errorf("unknown weekday %q: %w", d, ErrInvalidArgument)
			}
		}
	case ConditionIPRange:
		if c.IPRange == nil || len(c.IPRange.CIDRs) == 0 {
			return fmt.Errorf("at least one cidr is required: %w", ErrInvalidArgument)
		}
		for _, cidr := range c.IPRange.CIDRs {
			if _, err := netip.ParsePrefix(cidr); err != nil {
				return fmt.Errorf("invalid cidr %q: %w", cidr, ErrInvalidArgument)
			}
		}
	case ConditionAttributeEquals:
		if c.AttributeEquals == nil || c.AttributeEquals.Attribute == "" {
			return fmt.Errorf("attribute is required: %w", ErrInvalidArgument)
		}
	}
	return nil
}

// Evaluate checks every condition. The first failure returns false; a condition
// that cannot be evaluated returns an error wrapping ErrConditionEvaluation.
func (cs Conditions) Evaluate(ec EvalContext) (bool, error) {
	for i, c := range cs {
		ok, err := c.Evaluate(ec)
		if err != nil {
			return false, &ConditionError{Index: i, Kind: c.Kind, Err: err}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// ConditionError reports which condition of a policy could not be evaluated
type ConditionError struct {
	Index int
	Kind  ConditionKind
	Err   error
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("condition %d (%s): %v", e.Index, e.Kind, e.Err)
}

func (e *ConditionError) Unwrap() error { return e.Err }

// Evaluate checks a single condition
func (c Condition) Evaluate(ec EvalContext) (bool, error) {
	switch c.Kind {
	case ConditionTimeWindow:
		if c.TimeWindow == nil {
			return false, ErrConditionEvaluation
		}
		return c.TimeWindow.contains(ec.Now)
	case ConditionIPRange:
		if c.IPRange == nil {
			return false, ErrConditionEvaluation
		}
		return c.IPRange.contains(ec.ClientIP)
	case ConditionAttributeEquals:
		if c.AttributeEquals == nil || c.AttributeEquals.Attribute == "" {
			return false, ErrConditionEvaluation
		}
		v, ok := ec.Attributes[c.AttributeEquals.Attribute]
		if !ok {
			return false, nil
		}
		for _, want := range c.AttributeEquals.Values {
			if v == want {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("%w: unsupported kind %q", ErrConditionEvaluation, c.Kind)
	}
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// bounds parses the window into minutes of the day and its location
func (w *TimeWindow) bounds() (start, end int, loc *time.Location, err error) {
	loc = time.UTC
	if w.Timezone != "" {
		loc, err = time.LoadLocation(w.Timezone)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("%w: timezone %q: %v", ErrConditionEvaluation, w.Timezone, err)
		}
	}
	if start, err = parseClock(w.Start); err != nil {
		return 0, 0, nil, err
	}
	if end, err = parseClock(w.End); err != nil {
		return 0, 0, nil, err
	}
	if start == end {
		return 0, 0, nil, fmt.Errorf("%w: empty window %s-%s", ErrConditionEvaluation, w.Start, w.End)
	}
	return start, end, loc, nil
}

func (w *TimeWindow) contains(now time.Time) (bool, error) {
	start, end, loc, err := w.bounds()
	if err != nil {
		return false, err
	}

	local := now.In(loc)
	if len(w.Weekdays) > 0 {
		found := false
		for _, d := range w.Weekdays {
			if wd, ok := weekdays[strings.ToLower(d)]; ok && wd == local.Weekday() {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	minute := local.Hour()*60 + local.Minute()
	if start < end {
		return minute >= start && minute < end, nil
	}
	return minute >= start || minute < end, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid clock %q", ErrConditionEvaluation, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (r *IPRange) contains(clientIP string) (bool, error) {
	if clientIP == "" {
		return false, nil
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false, nil
	}
	addr = addr.Unmap()
	for _, cidr := range r.CIDRs {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return false, fmt.Errorf("%w: invalid cidr %q", ErrConditionEvaluation, cidr)
		}
		if prefix.Contains(addr) {
			return true, nil
		}
	}
	return false, nil
}

func isNilPtr(v interface{}) bool {
	switch p := v.(type) {
	case *TimeWindow:
		return p == nil
	case *IPRange:
		return p == nil
	case *AttributeEquals:
		return p == nil
	}
	return false
}
