package acl

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gridchat/chat-server/internal/activity"
	"github.com/gridchat/chat-server/internal/chaterr"
)

func actorWith(attrs map[string]string) activity.Activity {
	act := activity.ForMessage("u1", "alice")
	act.Actor.Attributes = attrs
	return act
}

func TestValidateEmptyRuleSetAllows(t *testing.T) {
	e := NewEngine(nil)
	res := e.Validate(actorWith(nil), TargetRoom, ActionMessage, RuleSet{})
	if !res.Allowed || res.Reason != "" {
		t.Fatalf("empty rule set: got %+v, want allowed", res)
	}
}

func TestValidateRuleTypes(t *testing.T) {
	e := NewEngine(nil)
	tests := []struct {
		name  string
		rules RuleSet
		attrs map[string]string
		want  bool
	}{
		{"age in range", RuleSet{Age: "18:30"}, map[string]string{"age": "25"}, true},
		{"age below range", RuleSet{Age: "18:30"}, map[string]string{"age": "17"}, false},
		{"age open max", RuleSet{Age: "18:"}, map[string]string{"age": "99"}, true},
		{"age open min", RuleSet{Age: ":30"}, map[string]string{"age": "31"}, false},
		{"age missing", RuleSet{Age: "18:"}, nil, false},
		{"age not a number", RuleSet{Age: "18:"}, map[string]string{"age": "old"}, false},
		{"gender listed", RuleSet{Gender: "f,m"}, map[string]string{"gender": "M"}, true},
		{"gender not listed", RuleSet{Gender: "f"}, map[string]string{"gender": "m"}, false},
		{"country listed", RuleSet{Country: "se, de"}, map[string]string{"country": "de"}, true},
		{"webcam yes", RuleSet{HasWebcam: "y"}, map[string]string{"has_webcam": "y"}, true},
		{"webcam required", RuleSet{HasWebcam: "y"}, map[string]string{"has_webcam": "n"}, false},
		{"unknown rule type", RuleSet{"shoe_size": "42"}, map[string]string{"shoe_size": "42"}, false},
		{
			"all must pass",
			RuleSet{Age: "18:", Gender: "f", Membership: "gold"},
			map[string]string{"age": "20", "gender": "f", "membership": "silver"},
			false,
		},
		{
			"all pass",
			RuleSet{Age: "18:", Gender: "f", Membership: "gold,silver"},
			map[string]string{"age": "20", "gender": "f", "membership": "silver"},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Validate(actorWith(tt.attrs), TargetRoom, ActionJoin, tt.rules)
			if res.Allowed != tt.want {
				t.Fatalf("Allowed = %v, want %v (reason %q)", res.Allowed, tt.want, res.Reason)
			}
			if !res.Allowed && res.Reason == "" {
				t.Error("denial must carry a reason")
			}
		})
	}
}

func TestDenialReasonCitesRuleType(t *testing.T) {
	e := NewEngine(nil)
	res := e.Validate(actorWith(map[string]string{"age": "40", "gender": "f"}),
		TargetChannel, ActionMessage, RuleSet{Age: "18:30", Gender: "f"})
	if res.Allowed {
		t.Fatal("expected denial")
	}
	if !strings.Contains(res.Reason, "age") {
		t.Errorf("reason %q should cite the age rule", res.Reason)
	}
}

// recording wraps a validator and records the order it is called in.
type recording struct {
	Validator
	name  RuleType
	calls *[]RuleType
}

func (r recording) Accepts(v, attr string) bool {
	*r.calls = append(*r.calls, r.name)
	return r.Validator.Accepts(v, attr)
}

func TestValidateOrderIndependent(t *testing.T) {
	attrs := map[string]string{"age": "20", "gender": "m", "city": "berlin", "image": "y"}
	orders := [][]RuleType{
		{Age, Gender, City, Image},
		{Image, City, Gender, Age},
		{Gender, Image, Age, City},
	}
	values := map[RuleType]string{Age: "18:", Gender: "f", City: "Berlin", Image: "y"}

	var first *Result
	for _, order := range orders {
		e := NewEngine(nil)
		rules := RuleSet{}
		for _, rt := range order {
			rules[rt] = values[rt]
		}
		for i := 0; i < 2; i++ {
			res := e.Validate(actorWith(attrs), TargetRoom, ActionMessage, rules)
			if first == nil {
				first = &res
				continue
			}
			if res != *first {
				t.Fatalf("order %v gave %+v, first result %+v", order, res, *first)
			}
		}
	}
	if first.Allowed {
		t.Fatal("gender rule should deny")
	}

	var calls []RuleType
	e := NewEngine(nil)
	for rt, v := range defaultValidators() {
		e.Register(rt, recording{Validator: v, name: rt, calls: &calls})
	}
	e.Validate(actorWith(attrs), TargetRoom, ActionMessage, RuleSet{Image: "y", Age: "18:", City: "berlin"})
	want := []RuleType{Age, City, Image}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestCheckRuleSet(t *testing.T) {
	e := NewEngine(nil)
	tests := []struct {
		name    string
		rules   RuleSet
		wantErr bool
	}{
		{"valid", RuleSet{Age: "18:30", Gender: "f,m", Image: "n"}, false},
		{"open range", RuleSet{Age: ":65"}, false},
		{"empty range", RuleSet{Age: ":"}, true},
		{"inverted range", RuleSet{Age: "30:18"}, true},
		{"bad flag", RuleSet{FakeChecked: "yes"}, true},
		{"empty list", RuleSet{Country: ""}, true},
		{"unknown type", RuleSet{"mood": "happy"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.CheckRuleSet(tt.rules)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckRuleSet err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, chaterr.ErrValidation) {
				t.Errorf("error %v should match ErrValidation", err)
			}
		})
	}
}

func TestParseRuleSetNormalisesKeys(t *testing.T) {
	rules, err := NewEngine(nil).ParseRuleSet(map[string]string{" Age ": " 18: "})
	if err != nil {
		t.Fatalf("ParseRuleSet: %v", err)
	}
	if rules[Age] != "18:" {
		t.Errorf("rules = %v", rules)
	}
}

// staticRules serves fixed crossroom rules.
type staticRules struct {
	channel RuleSet
	room    RuleSet
	err     error
}

func (s staticRules) ChannelACLs(context.Context, string, Action) (RuleSet, error) {
	return s.channel, s.err
}

func (s staticRules) RoomACLs(context.Context, string, Action) (RuleSet, error) {
	return s.room, s.err
}

func crossRoomActivity(originChannel, targetChannel string, attrs map[string]string) activity.Activity {
	act := actorWith(attrs)
	act.Provider.URL = originChannel
	act.Object.URL = targetChannel
	return act
}

func TestCanSendCrossRoomMalformed(t *testing.T) {
	e := NewEngine(staticRules{})
	ctx := context.Background()
	tests := []struct {
		name    string
		act     activity.Activity
		from    string
		to      string
		wantErr error
	}{
		{"no origin room", crossRoomActivity("c1", "c1", nil), "", "r2", ErrNoOriginRoom},
		{"no target room", crossRoomActivity("c1", "c1", nil), "r1", "", ErrNoTargetRoom},
		{"no origin channel", crossRoomActivity(" ", "c1", nil), "r1", "r2", ErrNoOriginChannel},
		{"no target channel", crossRoomActivity("c1", "", nil), "r1", "r2", ErrNoTargetChannel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := e.CanSendCrossRoom(ctx, tt.act, tt.from, tt.to)
			if ok {
				t.Error("malformed request must not be allowed")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, chaterr.ErrValidation) {
				t.Errorf("err = %v should match ErrValidation", err)
			}
		})
	}
}

func TestCanSendCrossRoom(t *testing.T) {
	ctx := context.Background()
	deny := RuleSet{Age: "99:"}
	tests := []struct {
		name  string
		rules staticRules
		act   activity.Activity
		from  string
		to    string
		want  bool
	}{
		{"same room ignores rules", staticRules{channel: deny, room: deny}, crossRoomActivity("c1", "c2", nil), "r1", "r1", true},
		{"different channels", staticRules{}, crossRoomActivity("c1", "c2", nil), "r1", "r2", false},
		{"no rules", staticRules{}, crossRoomActivity("c1", "c1", nil), "r1", "r2", true},
		{"channel rule denies", staticRules{channel: deny}, crossRoomActivity("c1", "c1", nil), "r1", "r2", false},
		{"room rule denies", staticRules{room: deny}, crossRoomActivity("c1", "c1", nil), "r1", "r2", false},
		{
			"both pass",
			staticRules{channel: RuleSet{Age: "18:"}, room: RuleSet{Gender: "f"}},
			crossRoomActivity("c1", "c1", map[string]string{"age": "30", "gender": "f"}),
			"r1", "r2", true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := NewEngine(tt.rules).CanSendCrossRoom(ctx, tt.act, tt.from, tt.to)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.want {
				t.Errorf("CanSendCrossRoom = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestCanSendCrossRoomSourceError(t *testing.T) {
	e := NewEngine(staticRules{err: errors.New("db down")})
	_, err := e.CanSendCrossRoom(context.Background(), crossRoomActivity("c1", "c1", nil), "r1", "r2")
	if err == nil || errors.Is(err, chaterr.ErrValidation) {
		t.Fatalf("err = %v, want non-validation error", err)
	}
}
