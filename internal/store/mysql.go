package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"yuim/im-relay/internal/db"
	"yuim/im-relay/pkg/protocol"
)

// IDGen hands out unique, roughly time ordered message ids.
// *sonyflake.Sonyflake satisfies it.
type IDGen interface {
	NextID() (uint64, error)
}

const (
	msgColumns = `msg_id, sender_id, receiver_id, client_msg_id, content, media_url, reply_to, create_time`

	qInsertMsg = `INSERT INTO im_direct_msg (msg_id, conv_id, sender_id, receiver_id, client_msg_id, content, media_url, reply_to, create_time) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	qMsgByID   = `SELECT ` + msgColumns + ` FROM im_direct_msg WHERE msg_id = ?`
	qMsgByCID  = `SELECT ` + msgColumns + ` FROM im_direct_msg WHERE sender_id = ? AND client_msg_id = ?`
	qDeleteMsg = `DELETE FROM im_direct_msg WHERE msg_id = ?`
	qUnhideAll = `DELETE FROM im_msg_hidden WHERE msg_id = ?`
	qHide      = `INSERT IGNORE INTO im_msg_hidden (msg_id, user_id, create_time) VALUES (?, ?, ?)`
	qHiddenFor = `SELECT user_id FROM im_msg_hidden WHERE msg_id = ? ORDER BY user_id`
	qHistory   = `SELECT ` + msgColumns + ` FROM im_direct_msg m
WHERE m.conv_id = ? AND (? = 0 OR m.msg_id < ?)
  AND NOT EXISTS (SELECT 1 FROM im_msg_hidden h WHERE h.msg_id = m.msg_id AND h.user_id = ?)
ORDER BY m.msg_id DESC
LIMIT ?`
	qNicknames = `SELECT user_id, nickname FROM im_user WHERE user_id IN (?, ?)`
)

type MySQLOptions struct {
	IDs     IDGen
	Idem    Idempotency // optional
	IdemTTL time.Duration
	Log     *zap.Logger
}

// MySQL stores direct messages in im_direct_msg. (sender_id, client_msg_id)
// is a unique key, so a resend that races past the Redis idem cache still
// collapses onto the first row.
type MySQL struct {
	db   *sql.DB
	ids  IDGen
	idem Idempotency
	ttl  int64
	log  *zap.Logger
	now  func() time.Time
}

func NewMySQL(sqlDB *sql.DB, opt MySQLOptions) (*MySQL, error) {
	if sqlDB == nil || opt.IDs == nil {
		return nil, errors.New("store: mysql requires db and id generator")
	}
	if opt.IdemTTL <= 0 {
		opt.IdemTTL = 7 * 24 * time.Hour
	}
	if opt.Log == nil {
		opt.Log = zap.NewNop()
	}
	return &MySQL{
		db:   sqlDB,
		ids:  opt.IDs,
		idem: opt.Idem,
		ttl:  int64(opt.IdemTTL / time.Second),
		log:  opt.Log,
		now:  time.Now,
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMsg(row scanner) (*protocol.Message, error) {
	var (
		m   protocol.Message
		cid sql.NullString
	)
	if err := row.Scan(&m.ServerID, &m.SenderID, &m.ReceiverID, &cid, &m.Text, &m.MediaURL, &m.ReplyToID, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.ClientID = cid.String
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func (s *MySQL) getOne(ctx context.Context, query string, args ...any) (*protocol.Message, error) {
	m, err := scanMsg(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return m, nil
}

func (s *MySQL) CreateMessage(ctx context.Context, p CreateParams) (*protocol.Message, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	if p.ClientID != "" && s.idem != nil {
		id, ok, err := s.idem.GetIdem(ctx, p.SenderID, p.ClientID)
		if err != nil {
			s.log.Warn("idem lookup failed", zap.Int64("sender", p.SenderID), zap.Error(err))
		} else if ok {
			m, err := s.getOne(ctx, qMsgByID, id)
			if err == nil {
				return s.withNames(ctx, m), nil
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, err
			}
		}
	}

	raw, err := s.ids.NextID()
	if err != nil {
		return nil, fmt.Errorf("%w: id: %v", ErrUnavailable, err)
	}
	m := &protocol.Message{
		ServerID:   int64(raw),
		ClientID:   p.ClientID,
		SenderID:   p.SenderID,
		ReceiverID: p.ReceiverID,
		Text:       p.Text,
		MediaURL:   p.MediaURL,
		ReplyToID:  p.ReplyToID,
		CreatedAt:  s.now().UTC().Truncate(time.Millisecond),
	}
	var cid sql.NullString
	if p.ClientID != "" {
		cid = sql.NullString{String: p.ClientID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, qInsertMsg,
		m.ServerID, m.ConversationID(), m.SenderID, m.ReceiverID, cid, m.Text, m.MediaURL, m.ReplyToID, m.CreatedAt)
	if db.IsDuplicate(err) && p.ClientID != "" {
		existing, gerr := s.getOne(ctx, qMsgByCID, p.SenderID, p.ClientID)
		if gerr != nil {
			return nil, gerr
		}
		m = existing
	} else if db.IsDataError(err) {
		return nil, fmt.Errorf("%w: insert: %v", ErrInvalid, err)
	} else if err != nil {
		return nil, fmt.Errorf("%w: insert: %v", ErrUnavailable, err)
	}

	if p.ClientID != "" && s.idem != nil {
		if err := s.idem.SetIdem(ctx, p.SenderID, p.ClientID, m.ServerID, s.ttl); err != nil {
			s.log.Warn("idem store failed", zap.Int64("msg_id", m.ServerID), zap.Error(err))
		}
	}
	return s.withNames(ctx, m), nil
}

func (s *MySQL) DeleteMessageForEveryone(ctx context.Context, messageID, actor int64) (*protocol.Message, error) {
	m, err := s.getOne(ctx, qMsgByID, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != actor {
		return nil, ErrForbidden
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, qDeleteMsg, messageID)
	if err != nil {
		return nil, fmt.Errorf("%w: delete: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, qUnhideAll, messageID); err != nil {
		return nil, fmt.Errorf("%w: unhide: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return m, nil
}

func (s *MySQL) DeleteMessageForSelf(ctx context.Context, messageID, actor int64) (*protocol.Message, error) {
	m, err := s.getOne(ctx, qMsgByID, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != actor && m.ReceiverID != actor {
		return nil, ErrForbidden
	}
	if _, err := s.db.ExecContext(ctx, qHide, messageID, actor, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("%w: hide: %v", ErrUnavailable, err)
	}
	rows, err := s.db.QueryContext(ctx, qHiddenFor, messageID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		m.DeletedFor = append(m.DeletedFor, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return m, nil
}

func (s *MySQL) FetchConversationHistory(ctx context.Context, conversationID string, page Page) ([]protocol.Message, error) {
	if _, _, err := protocol.ParseConversationID(conversationID); err != nil {
		return nil, ErrInvalid
	}
	limit := page.limit()
	rows, err := s.db.QueryContext(ctx, qHistory, conversationID, page.Before, page.Before, page.Viewer, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	out := make([]protocol.Message, 0, limit)
	for rows.Next() {
		m, err := scanMsg(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(out) > 0 {
		names := s.nicknames(ctx, out[0].SenderID, out[0].ReceiverID)
		for i := range out {
			out[i].SenderName = nameOr(names, out[i].SenderID)
			out[i].ReceiverName = nameOr(names, out[i].ReceiverID)
		}
	}
	return out, nil
}

func (s *MySQL) withNames(ctx context.Context, m *protocol.Message) *protocol.Message {
	names := s.nicknames(ctx, m.SenderID, m.ReceiverID)
	m.SenderName = nameOr(names, m.SenderID)
	m.ReceiverName = nameOr(names, m.ReceiverID)
	return m
}

// nicknames is best effort; a missing im_user row or table falls back to
// the default name.
func (s *MySQL) nicknames(ctx context.Context, a, b int64) map[int64]string {
	out := make(map[int64]string, 2)
	rows, err := s.db.QueryContext(ctx, qNicknames, a, b)
	if err != nil {
		s.log.Debug("nickname lookup failed", zap.Error(err))
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var (
			uid  int64
			nick sql.NullString
		)
		if err := rows.Scan(&uid, &nick); err != nil {
			return out
		}
		if n := strings.TrimSpace(nick.String); n != "" {
			out[uid] = n
		}
	}
	return out
}

func nameOr(names map[int64]string, uid int64) string {
	if n, ok := names[uid]; ok {
		return n
	}
	return "user-" + strconv.FormatInt(uid, 10)
}
