package activity

import (
	"fmt"
	"sort"
	"strconv"
)

// ForMessage is the external notification that a user sent a message.
func ForMessage(userID, userName string) Activity {
	return New(VerbSend, Actor{ID: userID, DisplayName: userName}, Target{}, Object{})
}

// ForBlacklistedWord reports that a message was intercepted by the word
// filter. The original message is carried as the object content.
func ForBlacklistedWord(a Activity, word string) Activity {
	return New(VerbBlacklisted,
		Actor{ID: a.Actor.ID, DisplayName: a.Actor.DisplayName},
		a.Target,
		Object{
			Content:    a.Object.Content,
			ObjectType: "message",
			Attachments: []Attachment{
				{ObjectType: "word", Content: word},
				{ObjectType: "message_id", Content: a.ID},
			},
		})
}

// ForSpam reports a message the spam scorer flagged.
func ForSpam(a Activity, scores map[string]float64) Activity {
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Strings(names)

	atts := make([]Attachment, 0, len(names)+1)
	atts = append(atts, Attachment{ObjectType: "message_id", Content: a.ID})
	for _, name := range names {
		atts = append(atts, Attachment{
			ObjectType: name,
			Content:    strconv.FormatFloat(scores[name], 'f', 2, 64),
		})
	}
	return New(VerbSpam,
		Actor{ID: a.Actor.ID, DisplayName: a.Actor.DisplayName},
		a.Target,
		Object{Content: a.Object.Content, ObjectType: "message", Attachments: atts})
}

// ForJoin announces a user joining a room.
func ForJoin(userID, userName, roomID, roomName string) Activity {
	return New(VerbJoin,
		Actor{ID: userID, DisplayName: userName},
		Target{ID: roomID, DisplayName: roomName, ObjectType: TypeRoom},
		Object{})
}

// ForLeave announces a user leaving a room.
func ForLeave(userID, userName, roomID, roomName string) Activity {
	return New(VerbLeave,
		Actor{ID: userID, DisplayName: userName},
		Target{ID: roomID, DisplayName: roomName, ObjectType: TypeRoom},
		Object{})
}

// ForKick announces that kickerID removed kickedID from a room.
func ForKick(kickerID, kickerName, kickedID, kickedName, roomID, roomName string) Activity {
	return New(VerbKick,
		Actor{ID: kickerID, DisplayName: kickerName},
		Target{ID: roomID, DisplayName: roomName, ObjectType: TypeRoom},
		Object{ObjectType: "user", Content: kickedName, URL: kickedID})
}

// ForDelete announces that userID removed messageID from a room's history.
func ForDelete(userID, userName, roomID, messageID string) Activity {
	return New(VerbDelete,
		Actor{ID: userID, DisplayName: userName},
		Target{ID: roomID, ObjectType: TypeRoom},
		Object{ObjectType: "message", URL: messageID})
}

// ForBan announces a ban. expiry is the epoch-seconds end of the ban.
func ForBan(userID, targetID, banType, duration, expiry string) Activity {
	return New(VerbBan,
		Actor{ID: userID},
		Target{ID: targetID, ObjectType: banType},
		Object{
			ObjectType: "ban",
			Content:    fmt.Sprintf("banned for %s", duration),
			Attachments: []Attachment{
				{ObjectType: "duration", Content: duration},
				{ObjectType: "expiry", Content: expiry},
			},
		})
}

// ForConnect and ForDisconnect are published when a user's presence changes.
func ForConnect(userID, userName string) Activity {
	return New(VerbConnect, Actor{ID: userID, DisplayName: userName}, Target{}, Object{})
}

func ForDisconnect(userID, userName string) Activity {
	return New(VerbDisconnect, Actor{ID: userID, DisplayName: userName}, Target{}, Object{})
}

// UserInfoAttachments turns user attributes into sorted attachments, used
// when a sender is invisible and recipients still need the sender's info.
func UserInfoAttachments(attrs map[string]string) []Attachment {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Attachment, 0, len(keys))
	for _, k := range keys {
		out = append(out, Attachment{ObjectType: k, Content: attrs[k]})
	}
	return out
}
