package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/gridchat/chat-server/internal/acl"
	"github.com/gridchat/chat-server/internal/activity"
	"github.com/gridchat/chat-server/internal/chaterr"
	"github.com/gridchat/chat-server/internal/delivery"
	"github.com/gridchat/chat-server/internal/directory"
)

// Postgres is the PostgreSQL-backed store.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a store backed by the given database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func fail(op string, err error) error {
	return &chaterr.StorageError{Op: op, Err: err}
}

func (p *Postgres) exists(ctx context.Context, op, query string, args ...interface{}) (bool, error) {
	var ok bool
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&ok); err != nil {
		return false, fail(op, err)
	}
	return ok, nil
}

func (p *Postgres) pairs(ctx context.Context, op, query string, args ...interface{}) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fail(op, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fail(op, err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fail(op, err)
	}
	return out, nil
}

func (p *Postgres) single(ctx context.Context, op, what string, query string, args ...interface{}) (string, error) {
	var v string
	err := p.db.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", chaterr.NotFoundf("storage: %s", what)
	}
	if err != nil {
		return "", fail(op, err)
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// SaveUser inserts or renames a user.
func (p *Postgres) SaveUser(ctx context.Context, userID, name string) error {
	const query = `
		INSERT INTO users (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`
	if _, err := p.db.ExecContext(ctx, query, userID, name); err != nil {
		return fail("save user", err)
	}
	return nil
}

func (p *Postgres) UserExists(ctx context.Context, userID string) (bool, error) {
	return p.exists(ctx, "user exists", `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID)
}

func (p *Postgres) UserName(ctx context.Context, userID string) (string, error) {
	return p.single(ctx, "user name", "no such user "+userID, `SELECT name FROM users WHERE id = $1`, userID)
}

func (p *Postgres) IsSuperUser(ctx context.Context, userID string) (bool, error) {
	return p.exists(ctx, "is super user",
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND super_user)`, userID)
}

// SetSuperUser grants or revokes global moderation rights.
func (p *Postgres) SetSuperUser(ctx context.Context, userID string, super bool) error {
	if _, err := p.db.ExecContext(ctx, `UPDATE users SET super_user = $2 WHERE id = $1`, userID, super); err != nil {
		return fail("set super user", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Channels and rooms
// ---------------------------------------------------------------------------

func (p *Postgres) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	return p.exists(ctx, "channel exists", `SELECT EXISTS (SELECT 1 FROM channels WHERE id = $1)`, channelID)
}

func (p *Postgres) CreateChannel(ctx context.Context, channelID, name, ownerID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fail("create channel", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO channels (id, name) VALUES ($1, $2)`, channelID, name); err != nil {
		return fail("create channel", err)
	}
	if ownerID != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channel_roles (channel_id, user_id, role) VALUES ($1, $2, 'owner')`, channelID, ownerID); err != nil {
			return fail("create channel owner", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fail("create channel", err)
	}
	return nil
}

// GrantChannelRole makes userID an "owner" or "admin" of a channel.
func (p *Postgres) GrantChannelRole(ctx context.Context, channelID, userID, role string) error {
	const query = `
		INSERT INTO channel_roles (channel_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`
	if _, err := p.db.ExecContext(ctx, query, channelID, userID, role); err != nil {
		return fail("grant channel role", err)
	}
	return nil
}

// GrantRoomRole makes userID an "owner" or "moderator" of a room.
func (p *Postgres) GrantRoomRole(ctx context.Context, roomID, userID, role string) error {
	const query = `
		INSERT INTO room_roles (room_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`
	if _, err := p.db.ExecContext(ctx, query, roomID, userID, role); err != nil {
		return fail("grant room role", err)
	}
	return nil
}

func (p *Postgres) RoomExists(ctx context.Context, roomID string) (bool, error) {
	return p.exists(ctx, "room exists", `SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)`, roomID)
}

func (p *Postgres) RoomName(ctx context.Context, roomID string) (string, error) {
	return p.single(ctx, "room name", "no such room "+roomID, `SELECT name FROM rooms WHERE id = $1`, roomID)
}

func (p *Postgres) RoomIDForName(ctx context.Context, channelID, roomName string) (string, error) {
	return p.single(ctx, "room id for name", "no room named "+roomName,
		`SELECT id FROM rooms WHERE channel_id = $1 AND name = $2`, channelID, roomName)
}

func (p *Postgres) ChannelForRoom(ctx context.Context, roomID string) (string, error) {
	return p.single(ctx, "channel for room", "no such room "+roomID,
		`SELECT channel_id FROM rooms WHERE id = $1`, roomID)
}

func (p *Postgres) RoomsForChannel(ctx context.Context, channelID string) (map[string]string, error) {
	return p.pairs(ctx, "rooms for channel", `SELECT id, name FROM rooms WHERE channel_id = $1`, channelID)
}

func (p *Postgres) IsRoomPrivate(ctx context.Context, roomID string) (bool, error) {
	var private bool
	err := p.db.QueryRowContext(ctx, `SELECT private FROM rooms WHERE id = $1`, roomID).Scan(&private)
	if errors.Is(err, sql.ErrNoRows) {
		return false, chaterr.NotFoundf("storage: no such room %s", roomID)
	}
	if err != nil {
		return false, fail("is room private", err)
	}
	return private, nil
}

func (p *Postgres) CreateRoom(ctx context.Context, room directory.Room) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fail("create room", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (id, channel_id, name, private) VALUES ($1, $2, $3, $4)`,
		room.ID, room.ChannelID, room.Name, room.Private); err != nil {
		return fail("create room", err)
	}
	for _, owner := range room.Owners {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO room_roles (room_id, user_id, role) VALUES ($1, $2, 'owner') ON CONFLICT DO NOTHING`,
			room.ID, owner); err != nil {
			return fail("create room owner", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fail("create room", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Membership and roles
// ---------------------------------------------------------------------------

func (p *Postgres) UsersInRoom(ctx context.Context, roomID string) (map[string]string, error) {
	return p.pairs(ctx, "users in room", `SELECT user_id, user_name FROM room_members WHERE room_id = $1`, roomID)
}

// AddMember upserts the membership. xmax is zero only on a freshly
// inserted row.
func (p *Postgres) AddMember(ctx context.Context, roomID, userID, userName string) (bool, error) {
	const query = `
		INSERT INTO room_members (room_id, user_id, user_name) VALUES ($1, $2, $3)
		ON CONFLICT (room_id, user_id) DO UPDATE SET user_name = EXCLUDED.user_name
		RETURNING (xmax = 0)`
	var inserted bool
	if err := p.db.QueryRowContext(ctx, query, roomID, userID, userName).Scan(&inserted); err != nil {
		return false, fail("add member", err)
	}
	return inserted, nil
}

func (p *Postgres) RemoveMember(ctx context.Context, roomID, userID string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	if err != nil {
		return false, fail("remove member", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fail("remove member", err)
	}
	return n > 0, nil
}

func (p *Postgres) RoomOwners(ctx context.Context, roomID string) (map[string]string, error) {
	const query = `
		SELECT r.user_id, COALESCE(u.name, r.user_id)
		FROM room_roles r LEFT JOIN users u ON u.id = r.user_id
		WHERE r.room_id = $1 AND r.role = 'owner'`
	return p.pairs(ctx, "room owners", query, roomID)
}

func (p *Postgres) AdminsInRoom(ctx context.Context, roomID string) (map[string]string, error) {
	const query = `
		SELECT c.user_id, COALESCE(u.name, c.user_id)
		FROM rooms r
		JOIN channel_roles c ON c.channel_id = r.channel_id AND c.role = 'admin'
		LEFT JOIN users u ON u.id = c.user_id
		WHERE r.id = $1`
	return p.pairs(ctx, "admins in room", query, roomID)
}

func (p *Postgres) IsOwner(ctx context.Context, roomID, userID string) (bool, error) {
	return p.exists(ctx, "is owner",
		`SELECT EXISTS (SELECT 1 FROM room_roles WHERE room_id = $1 AND user_id = $2 AND role = 'owner')`, roomID, userID)
}

func (p *Postgres) IsModerator(ctx context.Context, roomID, userID string) (bool, error) {
	return p.exists(ctx, "is moderator",
		`SELECT EXISTS (SELECT 1 FROM room_roles WHERE room_id = $1 AND user_id = $2 AND role = 'moderator')`, roomID, userID)
}

func (p *Postgres) IsOwnerChannel(ctx context.Context, channelID, userID string) (bool, error) {
	return p.exists(ctx, "is owner channel",
		`SELECT EXISTS (SELECT 1 FROM channel_roles WHERE channel_id = $1 AND user_id = $2 AND role = 'owner')`, channelID, userID)
}

func (p *Postgres) IsAdmin(ctx context.Context, channelID, userID string) (bool, error) {
	return p.exists(ctx, "is admin",
		`SELECT EXISTS (SELECT 1 FROM channel_roles WHERE channel_id = $1 AND user_id = $2 AND role = 'admin')`, channelID, userID)
}

// ---------------------------------------------------------------------------
// ACL rules
// ---------------------------------------------------------------------------

func (p *Postgres) acls(ctx context.Context, target acl.Target, id string, action acl.Action) (acl.RuleSet, error) {
	const query = `SELECT rule_type, rule_value FROM acls WHERE target = $1 AND target_id = $2 AND action = $3`
	raw, err := p.pairs(ctx, "acls", query, string(target), id, string(action))
	if err != nil {
		return nil, err
	}
	rules := make(acl.RuleSet, len(raw))
	for k, v := range raw {
		rules[acl.RuleType(k)] = v
	}
	return rules, nil
}

func (p *Postgres) allACLs(ctx context.Context, target acl.Target, id string) (map[acl.Action]acl.RuleSet, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT action, rule_type, rule_value FROM acls WHERE target = $1 AND target_id = $2`, string(target), id)
	if err != nil {
		return nil, fail("all acls", err)
	}
	defer rows.Close()

	out := make(map[acl.Action]acl.RuleSet)
	for rows.Next() {
		var action, ruleType, value string
		if err := rows.Scan(&action, &ruleType, &value); err != nil {
			return nil, fail("all acls", err)
		}
		set, ok := out[acl.Action(action)]
		if !ok {
			set = make(acl.RuleSet)
			out[acl.Action(action)] = set
		}
		set[acl.RuleType(ruleType)] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fail("all acls", err)
	}
	return out, nil
}

func (p *Postgres) setACL(ctx context.Context, target acl.Target, id string, action acl.Action, rules acl.RuleSet) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fail("set acl", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM acls WHERE target = $1 AND target_id = $2 AND action = $3`,
		string(target), id, string(action)); err != nil {
		return fail("set acl", err)
	}
	for rt, v := range rules {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO acls (target, target_id, action, rule_type, rule_value) VALUES ($1, $2, $3, $4, $5)`,
			string(target), id, string(action), string(rt), v); err != nil {
			return fail("set acl", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fail("set acl", err)
	}
	return nil
}

func (p *Postgres) RoomACLs(ctx context.Context, roomID string, action acl.Action) (acl.RuleSet, error) {
	return p.acls(ctx, acl.TargetRoom, roomID, action)
}

func (p *Postgres) ChannelACLs(ctx context.Context, channelID string, action acl.Action) (acl.RuleSet, error) {
	return p.acls(ctx, acl.TargetChannel, channelID, action)
}

func (p *Postgres) AllRoomACLs(ctx context.Context, roomID string) (map[acl.Action]acl.RuleSet, error) {
	return p.allACLs(ctx, acl.TargetRoom, roomID)
}

func (p *Postgres) AllChannelACLs(ctx context.Context, channelID string) (map[acl.Action]acl.RuleSet, error) {
	return p.allACLs(ctx, acl.TargetChannel, channelID)
}

func (p *Postgres) SetRoomACL(ctx context.Context, roomID string, action acl.Action, rules acl.RuleSet) error {
	return p.setACL(ctx, acl.TargetRoom, roomID, action, rules)
}

func (p *Postgres) SetChannelACL(ctx context.Context, channelID string, action acl.Action, rules acl.RuleSet) error {
	return p.setACL(ctx, acl.TargetChannel, channelID, action, rules)
}

// ---------------------------------------------------------------------------
// Last reads
// ---------------------------------------------------------------------------

func (p *Postgres) UpdateLastRead(ctx context.Context, roomID, userID string, at time.Time) error {
	const query = `
		INSERT INTO last_reads (room_id, user_id, read_at) VALUES ($1, $2, $3)
		ON CONFLICT (room_id, user_id) DO UPDATE SET read_at = GREATEST(last_reads.read_at, EXCLUDED.read_at)`
	if _, err := p.db.ExecContext(ctx, query, roomID, userID, at.UTC()); err != nil {
		return fail("update last read", err)
	}
	return nil
}

// LastRead returns the zero time when the user never read the room.
func (p *Postgres) LastRead(ctx context.Context, roomID, userID string) (time.Time, error) {
	var at time.Time
	err := p.db.QueryRowContext(ctx,
		`SELECT read_at FROM last_reads WHERE room_id = $1 AND user_id = $2`, roomID, userID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fail("last read", err)
	}
	return at.UTC(), nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// StoreMessage persists a message activity. Storing the same id twice is a
// no-op.
func (p *Postgres) StoreMessage(ctx context.Context, act activity.Activity) error {
	data, err := act.Marshal()
	if err != nil {
		return fail("store message", err)
	}
	sentAt, err := time.Parse(time.RFC3339, act.Published)
	if err != nil {
		sentAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO messages (id, room_id, user_id, body, activity, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`
	if _, err := p.db.ExecContext(ctx, query,
		act.ID, act.Target.ID, act.Actor.ID, act.Object.Content, data, sentAt); err != nil {
		return fail("store message", err)
	}
	return nil
}

// DeleteMessage hides a message from history.
func (p *Postgres) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE messages SET deleted = TRUE WHERE id = $1 AND room_id = $2`, messageID, roomID)
	if err != nil {
		return fail("delete message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chaterr.NotFoundf("storage: no message %s in room %s", messageID, roomID)
	}
	return nil
}

func (p *Postgres) scanActivities(rows *sql.Rows, op string) ([]activity.Activity, error) {
	defer rows.Close()
	var out []activity.Activity
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fail(op, err)
		}
		act, err := activity.Unmarshal(data)
		if err != nil {
			return nil, fail(op, err)
		}
		out = append(out, act)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(op, err)
	}
	return out, nil
}

// History returns the last limit messages of a room, oldest first.
func (p *Postgres) History(ctx context.Context, roomID string, limit int) ([]activity.Activity, error) {
	const query = `
		SELECT activity FROM (
			SELECT activity, sent_at FROM messages
			WHERE room_id = $1 AND NOT deleted
			ORDER BY sent_at DESC LIMIT $2
		) recent ORDER BY sent_at ASC`
	rows, err := p.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, fail("history", err)
	}
	return p.scanActivities(rows, "history")
}

// UnreadHistory returns messages sent after since, oldest first.
func (p *Postgres) UnreadHistory(ctx context.Context, roomID string, since time.Time, limit int) ([]activity.Activity, error) {
	const query = `
		SELECT activity FROM messages
		WHERE room_id = $1 AND NOT deleted AND sent_at > $2
		ORDER BY sent_at ASC LIMIT $3`
	rows, err := p.db.QueryContext(ctx, query, roomID, since.UTC(), limit)
	if err != nil {
		return nil, fail("unread history", err)
	}
	return p.scanActivities(rows, "unread history")
}

// ---------------------------------------------------------------------------
// Delivery records
// ---------------------------------------------------------------------------

func (p *Postgres) MarkAsUnacked(ctx context.Context, messageIDs []string, userID, roomID string) error {
	const query = `
		INSERT INTO deliveries (message_id, user_id, room_id, state)
		SELECT m, $2, $3, 'unacked' FROM UNNEST($1::text[]) AS m
		ON CONFLICT (message_id, user_id) DO NOTHING`
	if _, err := p.db.ExecContext(ctx, query, pq.Array(messageIDs), userID, roomID); err != nil {
		return fail("mark as unacked", err)
	}
	return nil
}

func (p *Postgres) MarkAsRead(ctx context.Context, messageIDs []string, userID, roomID string) error {
	const query = `
		UPDATE deliveries SET state = 'read', updated_at = NOW()
		WHERE message_id = ANY($1) AND user_id = $2 AND room_id = $3 AND state = 'unacked'`
	if _, err := p.db.ExecContext(ctx, query, pq.Array(messageIDs), userID, roomID); err != nil {
		return fail("mark as read", err)
	}
	return nil
}

func (p *Postgres) Unacked(ctx context.Context, userID string) ([]delivery.Record, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT message_id, room_id FROM deliveries WHERE user_id = $1 AND state = 'unacked' ORDER BY updated_at`, userID)
	if err != nil {
		return nil, fail("unacked", err)
	}
	defer rows.Close()

	var out []delivery.Record
	for rows.Next() {
		r := delivery.Record{UserID: userID, State: delivery.Unacked}
		if err := rows.Scan(&r.MessageID, &r.RoomID); err != nil {
			return nil, fail("unacked", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("unacked", err)
	}
	return out, nil
}

// DeliveryState returns the state of one record.
func (p *Postgres) DeliveryState(ctx context.Context, messageID, userID string) (delivery.State, error) {
	v, err := p.single(ctx, "delivery state", fmt.Sprintf("no delivery of %s to %s", messageID, userID),
		`SELECT state FROM deliveries WHERE message_id = $1 AND user_id = $2`, messageID, userID)
	if err != nil {
		return "", err
	}
	return delivery.State(strings.TrimSpace(v)), nil
}

var (
	_ directory.Store = (*Postgres)(nil)
	_ delivery.Store  = (*Postgres)(nil)
)
