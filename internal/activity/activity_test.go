package activity

import (
	"testing"
	"time"
)

func TestNewStampsIDAndTime(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = time.Now })

	a := New(VerbSend, Actor{ID: "u1"}, Target{ID: "r1"}, Object{Content: "hi"})
	b := New(VerbSend, Actor{ID: "u1"}, Target{ID: "r1"}, Object{Content: "hi"})
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("ids %q and %q should be distinct and non-empty", a.ID, b.ID)
	}
	if a.Published != "2024-03-01T11:00:00Z" {
		t.Errorf("published = %q, want UTC timestamp", a.Published)
	}
}

func TestCopiesAreIndependent(t *testing.T) {
	orig := New(VerbSend,
		Actor{ID: "u1", Attributes: map[string]string{"age": "30"}},
		Target{ID: "r1"},
		Object{Attachments: []Attachment{{ObjectType: "a", Content: "1"}}})

	c := orig.Clone()
	c.Actor.Attributes["age"] = "99"
	c.Object.Attachments[0].Content = "changed"
	if orig.Attribute("age") != "30" {
		t.Error("clone shares actor attributes")
	}
	if orig.Object.Attachments[0].Content != "1" {
		t.Error("clone shares object attachments")
	}

	moved := orig.WithTarget(Target{ID: "r2", ObjectType: TypePrivate})
	if orig.Target.ID != "r1" || !moved.IsPrivate() || orig.IsPrivate() {
		t.Errorf("WithTarget modified the original or lost the target: %+v", moved.Target)
	}

	atts := []Attachment{{ObjectType: "gender", Content: "f"}}
	withAtts := orig.WithActorAttachments(atts)
	atts[0].Content = "m"
	if withAtts.Actor.Attachments[0].Content != "f" {
		t.Error("WithActorAttachments kept a reference to the caller's slice")
	}
}

func TestAttributeMissing(t *testing.T) {
	var a Activity
	if got := a.Attribute("age"); got != "" {
		t.Errorf("Attribute on empty actor = %q", got)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	orig := ForKick("mod", "Mod", "u2", "Bob", "r1", "Lobby")
	data, err := orig.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Verb != VerbKick || got.Object.URL != "u2" || got.Target.ObjectType != TypeRoom {
		t.Errorf("round trip = %+v", got)
	}

	if _, err := Unmarshal([]byte("{")); err == nil {
		t.Error("expected error for truncated JSON")
	}
}

func TestBuilders(t *testing.T) {
	msg := New(VerbSend, Actor{ID: "u1", DisplayName: "Al"}, Target{ID: "r1"}, Object{Content: "buy now"})

	t.Run("spam attachments sorted after message id", func(t *testing.T) {
		act := ForSpam(msg, map[string]float64{"spam": 0.9, "ham": 0.1})
		want := []Attachment{
			{ObjectType: "message_id", Content: msg.ID},
			{ObjectType: "ham", Content: "0.10"},
			{ObjectType: "spam", Content: "0.90"},
		}
		if len(act.Object.Attachments) != len(want) {
			t.Fatalf("attachments = %v", act.Object.Attachments)
		}
		for i := range want {
			if act.Object.Attachments[i] != want[i] {
				t.Errorf("attachment %d = %v, want %v", i, act.Object.Attachments[i], want[i])
			}
		}
		if act.Target.ID != "r1" || act.Object.Content != "buy now" {
			t.Errorf("spam activity lost the original message: %+v", act)
		}
	})

	t.Run("blacklisted word", func(t *testing.T) {
		act := ForBlacklistedWord(msg, "now")
		if act.Verb != VerbBlacklisted || act.Object.Attachments[0].Content != "now" {
			t.Errorf("blacklisted activity = %+v", act)
		}
	})

	t.Run("ban", func(t *testing.T) {
		act := ForBan("u1", "r1", "room", "5m", "1700000300")
		if act.Object.Attachments[1] != (Attachment{ObjectType: "expiry", Content: "1700000300"}) {
			t.Errorf("ban attachments = %v", act.Object.Attachments)
		}
	})

	t.Run("user info sorted by key", func(t *testing.T) {
		atts := UserInfoAttachments(map[string]string{"gender": "f", "age": "30"})
		if len(atts) != 2 || atts[0].ObjectType != "age" || atts[1].ObjectType != "gender" {
			t.Errorf("attachments = %v", atts)
		}
	})
}
