package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seqIDs struct{ next uint64 }

func (s *seqIDs) NextID() (uint64, error) {
	s.next++
	return s.next, nil
}

type fakeIdem struct {
	got   map[string]int64
	set   map[string]int64
	err   error
	calls int
}

func (f *fakeIdem) GetIdem(_ context.Context, _ int64, cid string) (int64, bool, error) {
	f.calls++
	if f.err != nil {
		return 0, false, f.err
	}
	id, ok := f.got[cid]
	return id, ok, nil
}

func (f *fakeIdem) SetIdem(_ context.Context, _ int64, cid string, id int64, _ int64) error {
	if f.set == nil {
		f.set = map[string]int64{}
	}
	f.set[cid] = id
	return nil
}

func newMock(t *testing.T, idem Idempotency, firstID uint64) (*MySQL, sqlmock.Sqlmock) {
	t.Helper()
	sdb, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sdb.Close() })
	s, err := NewMySQL(sdb, MySQLOptions{IDs: &seqIDs{next: firstID - 1}, Idem: idem})
	require.NoError(t, err)
	return s, mock
}

var msgCols = []string{"msg_id", "sender_id", "receiver_id", "client_msg_id", "content", "media_url", "reply_to", "create_time"}

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func nickRows(pairs ...any) *sqlmock.Rows {
	r := sqlmock.NewRows([]string{"user_id", "nickname"})
	for i := 0; i+1 < len(pairs); i += 2 {
		r.AddRow(pairs[i], pairs[i+1])
	}
	return r
}

func TestNewMySQLRequiresDeps(t *testing.T) {
	_, err := NewMySQL(nil, MySQLOptions{IDs: &seqIDs{}})
	assert.Error(t, err)
	_, err = NewMySQL(&sql.DB{}, MySQLOptions{})
	assert.Error(t, err)
}

func TestMySQLCreate(t *testing.T) {
	idem := &fakeIdem{}
	s, mock := newMock(t, idem, 100)

	mock.ExpectExec(qInsertMsg).
		WithArgs(100, "p2p:1:2", 1, 2, "c1", "hi", "", 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(qNicknames).WithArgs(1, 2).WillReturnRows(nickRows(1, "alice"))

	m, err := s.CreateMessage(context.Background(), CreateParams{SenderID: 1, ReceiverID: 2, Text: "hi", ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), m.ServerID)
	assert.Equal(t, "alice", m.SenderName)
	assert.Equal(t, "user-2", m.ReceiverName)
	assert.Equal(t, map[string]int64{"c1": 100}, idem.set)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLCreateIdemHit(t *testing.T) {
	idem := &fakeIdem{got: map[string]int64{"c1": 77}}
	s, mock := newMock(t, idem, 1)

	mock.ExpectQuery(qMsgByID).WithArgs(77).
		WillReturnRows(sqlmock.NewRows(msgCols).AddRow(77, 1, 2, "c1", "hi", "", 0, t0))
	mock.ExpectQuery(qNicknames).WithArgs(1, 2).WillReturnRows(nickRows())

	m, err := s.CreateMessage(context.Background(), CreateParams{SenderID: 1, ReceiverID: 2, Text: "hi", ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, int64(77), m.ServerID)
	assert.Equal(t, "c1", m.ClientID)
	assert.True(t, t0.Equal(m.CreatedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLCreateDuplicateKeyReturnsExisting(t *testing.T) {
	s, mock := newMock(t, &fakeIdem{}, 5)

	mock.ExpectExec(qInsertMsg).WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectQuery(qMsgByCID).WithArgs(1, "c1").
		WillReturnRows(sqlmock.NewRows(msgCols).AddRow(50, 1, 2, "c1", "hi", "", 0, t0))
	mock.ExpectQuery(qNicknames).WithArgs(1, 2).WillReturnRows(nickRows())

	m, err := s.CreateMessage(context.Background(), CreateParams{SenderID: 1, ReceiverID: 2, Text: "hi", ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), m.ServerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLCreateWithoutClientIDSkipsIdem(t *testing.T) {
	idem := &fakeIdem{}
	s, mock := newMock(t, idem, 9)

	mock.ExpectExec(qInsertMsg).
		WithArgs(9, "p2p:1:2", 2, 1, nil, "yo", "", 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(qNicknames).WithArgs(2, 1).WillReturnError(errors.New("no im_user"))

	m, err := s.CreateMessage(context.Background(), CreateParams{SenderID: 2, ReceiverID: 1, Text: "yo"})
	require.NoError(t, err)
	assert.Equal(t, "user-2", m.SenderName)
	assert.Equal(t, 0, idem.calls)
	assert.Nil(t, idem.set)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLCreateInsertFailure(t *testing.T) {
	s, mock := newMock(t, nil, 1)
	mock.ExpectExec(qInsertMsg).WillReturnError(errors.New("gone away"))

	_, err := s.CreateMessage(context.Background(), CreateParams{SenderID: 1, ReceiverID: 2, Text: "hi"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLCreateDataErrorIsPermanent(t *testing.T) {
	s, mock := newMock(t, nil, 1)
	for i := 0; i < 3; i++ {
		mock.ExpectExec(qInsertMsg).WillReturnError(&mysql.MySQLError{Number: 1406, Message: "Data too long for column 'content'"})
	}
	g := Guard(s, GuardOptions{Breaker: NewBreaker(BreakerOptions{Threshold: 2, OpenFor: time.Minute})})

	for i := 0; i < 3; i++ {
		_, err := g.CreateMessage(context.Background(), CreateParams{SenderID: 1, ReceiverID: 2, Text: "hi", ClientID: "c1"})
		assert.ErrorIs(t, err, ErrInvalid)
		assert.True(t, Permanent(err))
	}
	// Still admitted: rejected rows do not trip the shared breaker.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLDeleteForEveryone(t *testing.T) {
	s, mock := newMock(t, nil, 1)

	mock.ExpectQuery(qMsgByID).WithArgs(10).
		WillReturnRows(sqlmock.NewRows(msgCols).AddRow(10, 1, 2, nil, "oops", "", 0, t0))
	mock.ExpectBegin()
	mock.ExpectExec(qDeleteMsg).WithArgs(10).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qUnhideAll).WithArgs(10).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	m, err := s.DeleteMessageForEveryone(context.Background(), 10, 1)
	require.NoError(t, err)
	assert.Equal(t, "p2p:1:2", m.ConversationID())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLDeleteForEveryoneRejectsNonSender(t *testing.T) {
	s, mock := newMock(t, nil, 1)
	mock.ExpectQuery(qMsgByID).WithArgs(10).
		WillReturnRows(sqlmock.NewRows(msgCols).AddRow(10, 1, 2, nil, "oops", "", 0, t0))

	_, err := s.DeleteMessageForEveryone(context.Background(), 10, 2)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLDeleteForEveryoneNotFound(t *testing.T) {
	s, mock := newMock(t, nil, 1)
	mock.ExpectQuery(qMsgByID).WithArgs(10).WillReturnRows(sqlmock.NewRows(msgCols))

	_, err := s.DeleteMessageForEveryone(context.Background(), 10, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMySQLDeleteForSelf(t *testing.T) {
	s, mock := newMock(t, nil, 1)

	mock.ExpectQuery(qMsgByID).WithArgs(10).
		WillReturnRows(sqlmock.NewRows(msgCols).AddRow(10, 1, 2, nil, "hi", "", 0, t0))
	mock.ExpectExec(qHide).WithArgs(10, 2, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(qHiddenFor).WithArgs(10).WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(2))

	m, err := s.DeleteMessageForSelf(context.Background(), 10, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, m.DeletedFor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLDeleteForSelfRejectsOutsider(t *testing.T) {
	s, mock := newMock(t, nil, 1)
	mock.ExpectQuery(qMsgByID).WithArgs(10).
		WillReturnRows(sqlmock.NewRows(msgCols).AddRow(10, 1, 2, nil, "hi", "", 0, t0))

	_, err := s.DeleteMessageForSelf(context.Background(), 10, 3)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestMySQLHistory(t *testing.T) {
	s, mock := newMock(t, nil, 1)

	mock.ExpectQuery(qHistory).WithArgs("p2p:1:2", 0, 0, 1, DefaultPageLimit).
		WillReturnRows(sqlmock.NewRows(msgCols).
			AddRow(12, 2, 1, "b", "second", "", 11, t0.Add(time.Second)).
			AddRow(11, 1, 2, "a", "first", "", 0, t0))
	mock.ExpectQuery(qNicknames).WithArgs(2, 1).WillReturnRows(nickRows(1, "alice", 2, "bob"))

	out, err := s.FetchConversationHistory(context.Background(), "p2p:1:2", Page{Viewer: 1})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int64(12), out[0].ServerID)
	assert.Equal(t, int64(11), out[0].ReplyToID)
	assert.Equal(t, "bob", out[0].SenderName)
	assert.Equal(t, "alice", out[1].SenderName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLHistoryErrors(t *testing.T) {
	s, mock := newMock(t, nil, 1)

	_, err := s.FetchConversationHistory(context.Background(), "nope", Page{})
	assert.ErrorIs(t, err, ErrInvalid)

	mock.ExpectQuery(qHistory).WillReturnError(errors.New("timeout"))
	_, err = s.FetchConversationHistory(context.Background(), "p2p:1:2", Page{Before: 5, Limit: 3})
	assert.ErrorIs(t, err, ErrUnavailable)
}
