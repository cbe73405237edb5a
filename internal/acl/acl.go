// Package acl evaluates per-action permission rules for rooms and channels.
//
// A RuleSet maps rule-types to rule values. Every rule-type present must
// accept the actor's matching attribute for the action to be allowed; an
// empty RuleSet allows everything. Denial is a Result, not an error.
package acl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/gridchat/chat-server/internal/activity"
	"github.com/gridchat/chat-server/internal/chaterr"
)

// Target is the kind of entity a rule set belongs to.
type Target string

const (
	TargetChannel Target = "channel"
	TargetRoom    Target = "room"
)

// Action is the operation a rule set gates.
type Action string

const (
	ActionJoin      Action = "join"
	ActionMessage   Action = "message"
	ActionKick      Action = "kick"
	ActionCrossroom Action = "crossroom"
	ActionSetACL    Action = "setacl"
	ActionCreate    Action = "create"
	ActionList      Action = "list"
	ActionHistory   Action = "history"
)

// RuleSet maps rule-types to rule values for one (target, action).
type RuleSet map[RuleType]string

// Clone returns an independent copy.
func (r RuleSet) Clone() RuleSet {
	out := make(RuleSet, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Result is the outcome of a validation.
type Result struct {
	Allowed bool
	Reason  string
}

var allowed = Result{Allowed: true}

// Malformed cross-room requests. All match chaterr.ErrValidation.
var (
	ErrNoOriginRoom    = &chaterr.ValidationError{Msg: "no origin room"}
	ErrNoTargetRoom    = &chaterr.ValidationError{Msg: "no target room"}
	ErrNoOriginChannel = &chaterr.ValidationError{Msg: "no origin channel"}
	ErrNoTargetChannel = &chaterr.ValidationError{Msg: "no target channel"}
)

// RuleSource fetches stored rule sets.
type RuleSource interface {
	ChannelACLs(ctx context.Context, channelID string, action Action) (RuleSet, error)
	RoomACLs(ctx context.Context, roomID string, action Action) (RuleSet, error)
}

// Engine evaluates rule sets with a registry of validators.
type Engine struct {
	validators map[RuleType]Validator
	rules      RuleSource
}

// NewEngine creates an Engine with the built-in rule-types. rules may be
// nil if CanSendCrossRoom is never called.
func NewEngine(rules RuleSource) *Engine {
	return &Engine{validators: defaultValidators(), rules: rules}
}

// Register adds or replaces a rule-type.
func (e *Engine) Register(rt RuleType, v Validator) {
	e.validators[rt] = v
}

func sortedTypes(rules RuleSet) []RuleType {
	types := make([]RuleType, 0, len(rules))
	for rt := range rules {
		types = append(types, rt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Validate checks the actor of act against rules for action on target.
func (e *Engine) Validate(act activity.Activity, target Target, action Action, rules RuleSet) Result {
	if len(rules) == 0 {
		return allowed
	}

	for _, rt := range sortedTypes(rules) {
		value := rules[rt]
		v, ok := e.validators[rt]
		if !ok {
			return e.deny(act, target, action, fmt.Sprintf("unknown rule type [%s]", rt))
		}
		if !v.Accepts(value, act.Attribute(string(rt))) {
			return e.deny(act, target, action,
				fmt.Sprintf("not allowed to %s in %s: %s rule not satisfied", action, target, describe(rt, value)))
		}
	}
	return allowed
}

func (e *Engine) deny(act activity.Activity, target Target, action Action, reason string) Result {
	log.Printf("[acl] deny user=%s action=%s target=%s/%s: %s", act.Actor.ID, action, target, act.Target.ID, reason)
	return Result{Allowed: false, Reason: reason}
}

// CheckRuleSet validates rule values before they are stored.
func (e *Engine) CheckRuleSet(rules RuleSet) error {
	for _, rt := range sortedTypes(rules) {
		v, ok := e.validators[rt]
		if !ok {
			return chaterr.Validationf("unknown rule type [%s]", rt)
		}
		if err := v.Check(rules[rt]); err != nil {
			return chaterr.Validationf("invalid value for %s: %v", rt, err)
		}
	}
	return nil
}

// ParseRuleSet converts raw string keys, as received from clients or
// storage, into a RuleSet and validates it.
func (e *Engine) ParseRuleSet(raw map[string]string) (RuleSet, error) {
	rules := make(RuleSet, len(raw))
	for k, v := range raw {
		rules[RuleType(strings.ToLower(strings.TrimSpace(k)))] = strings.TrimSpace(v)
	}
	if err := e.CheckRuleSet(rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// CanSendCrossRoom decides whether act may be sent from fromRoom into
// toRoom. The provider URL carries the origin channel and the object URL
// the target channel. Malformed requests return an error matching
// chaterr.ErrValidation; a plain denial returns false with a nil error.
func (e *Engine) CanSendCrossRoom(ctx context.Context, act activity.Activity, fromRoom, toRoom string) (bool, error) {
	if fromRoom == "" {
		return false, ErrNoOriginRoom
	}
	if toRoom == "" {
		return false, ErrNoTargetRoom
	}
	originChannel := strings.TrimSpace(act.Provider.URL)
	if originChannel == "" {
		return false, ErrNoOriginChannel
	}
	targetChannel := strings.TrimSpace(act.Object.URL)
	if targetChannel == "" {
		return false, ErrNoTargetChannel
	}

	if fromRoom == toRoom {
		return true, nil
	}
	if originChannel != targetChannel {
		return false, nil
	}
	if e.rules == nil {
		return false, errors.New("acl: no rule source configured")
	}

	channelRules, err := e.rules.ChannelACLs(ctx, targetChannel, ActionCrossroom)
	if err != nil {
		return false, fmt.Errorf("acl: channel rules: %w", err)
	}
	if res := e.Validate(act, TargetChannel, ActionCrossroom, channelRules); !res.Allowed {
		return false, nil
	}

	roomRules, err := e.rules.RoomACLs(ctx, toRoom, ActionCrossroom)
	if err != nil {
		return false, fmt.Errorf("acl: room rules: %w", err)
	}
	if res := e.Validate(act, TargetRoom, ActionCrossroom, roomRules); !res.Allowed {
		return false, nil
	}
	return true, nil
}
