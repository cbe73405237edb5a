package acl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gridchat/chat-server/internal/chaterr"
)

// RuleType names the actor attribute a rule constrains.
type RuleType string

const (
	Age         RuleType = "age"
	Gender      RuleType = "gender"
	Membership  RuleType = "membership"
	Country     RuleType = "country"
	City        RuleType = "city"
	Image       RuleType = "image"
	HasWebcam   RuleType = "has_webcam"
	FakeChecked RuleType = "fake_checked"
)

// Validator evaluates one rule-type.
type Validator interface {
	// Accepts reports whether the actor attribute satisfies the rule value.
	Accepts(ruleValue, attr string) bool
	// Check validates the syntax of a rule value before it is stored.
	Check(ruleValue string) error
}

// defaultValidators returns the built-in rule-types.
func defaultValidators() map[RuleType]Validator {
	list := listValidator{}
	flag := boolValidator{}
	return map[RuleType]Validator{
		Age:         rangeValidator{},
		Gender:      list,
		Membership:  list,
		Country:     list,
		City:        list,
		Image:       flag,
		HasWebcam:   flag,
		FakeChecked: flag,
	}
}

// rangeValidator accepts "min:max", "min:" or ":max" with inclusive bounds.
type rangeValidator struct{}

func parseRange(v string) (lo, hi int, hasLo, hasHi bool, err error) {
	parts := strings.Split(v, ":")
	if len(parts) != 2 {
		return 0, 0, false, false, chaterr.Validationf("invalid range %q, expected min:max", v)
	}
	if s := strings.TrimSpace(parts[0]); s != "" {
		if lo, err = strconv.Atoi(s); err != nil {
			return 0, 0, false, false, chaterr.Validationf("invalid range minimum %q", s)
		}
		hasLo = true
	}
	if s := strings.TrimSpace(parts[1]); s != "" {
		if hi, err = strconv.Atoi(s); err != nil {
			return 0, 0, false, false, chaterr.Validationf("invalid range maximum %q", s)
		}
		hasHi = true
	}
	if !hasLo && !hasHi {
		return 0, 0, false, false, chaterr.Validationf("invalid range %q, need a minimum or a maximum", v)
	}
	if hasLo && hasHi && lo > hi {
		return 0, 0, false, false, chaterr.Validationf("invalid range %q, minimum above maximum", v)
	}
	return lo, hi, hasLo, hasHi, nil
}

func (rangeValidator) Check(v string) error {
	_, _, _, _, err := parseRange(v)
	return err
}

func (rangeValidator) Accepts(v, attr string) bool {
	lo, hi, hasLo, hasHi, err := parseRange(v)
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(attr))
	if err != nil {
		return false
	}
	if hasLo && n < lo {
		return false
	}
	if hasHi && n > hi {
		return false
	}
	return true
}

// listValidator accepts a comma separated, case-insensitive set of values.
type listValidator struct{}

func (listValidator) Check(v string) error {
	if strings.TrimSpace(v) == "" {
		return chaterr.Validationf("empty value list")
	}
	for _, item := range strings.Split(v, ",") {
		if strings.TrimSpace(item) == "" {
			return chaterr.Validationf("empty entry in value list %q", v)
		}
	}
	return nil
}

func (listValidator) Accepts(v, attr string) bool {
	attr = strings.TrimSpace(attr)
	if attr == "" {
		return false
	}
	for _, item := range strings.Split(v, ",") {
		if strings.EqualFold(strings.TrimSpace(item), attr) {
			return true
		}
	}
	return false
}

// boolValidator requires the attribute to equal "y" or "n".
type boolValidator struct{}

func (boolValidator) Check(v string) error {
	if v != "y" && v != "n" {
		return chaterr.Validationf("invalid flag %q, expected y or n", v)
	}
	return nil
}

func (boolValidator) Accepts(v, attr string) bool {
	return v == strings.ToLower(strings.TrimSpace(attr))
}

func describe(rt RuleType, value string) string {
	return fmt.Sprintf("%s [%s]", rt, value)
}
