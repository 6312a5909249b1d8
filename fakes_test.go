package unisub

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"strconv"
	"strings"
	"sync"

	"github.com/lib/pq"
)

// memStore is an in-memory DB implementation mimicking the slice of
// Postgres the engine relies on: topics, messages with a status column,
// and row claims that other transactions cannot take while held.
type memStore struct {
	mu sync.Mutex

	topics    map[string]int
	nextTopic int
	msgs      []*memMsg
	nextMsg   int64

	// locked simulates FOR UPDATE row locks held by open transactions.
	locked map[int64]bool

	commits   int
	rollbacks int

	beginTxErr error
	backlogErr error
	claimErr   error
	markErr    error
	commitErr  error
	execErr    error
}

type memMsg struct {
	id      int64
	topicID int
	content []byte
	status  string
}

func newMemStore() *memStore {
	return &memStore{
		topics:    map[string]int{},
		nextTopic: 1,
		nextMsg:   1,
		locked:    map[int64]bool{},
	}
}

func (s *memStore) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.execErr != nil {
		return nil, s.execErr
	}

	switch {
	case strings.Contains(query, "INSERT INTO topics"):
		name := args[0].(string)
		if _, ok := s.topics[name]; ok {
			return nil, &pq.Error{Code: uniqueViolationCode, Message: "duplicate key value violates unique constraint"}
		}
		s.topics[name] = s.nextTopic
		s.nextTopic++
		return driver.RowsAffected(1), nil

	case strings.Contains(query, "DELETE FROM topics"):
		name := args[0].(string)
		topicID, ok := s.topics[name]
		if !ok {
			return driver.RowsAffected(0), nil
		}
		delete(s.topics, name)
		kept := s.msgs[:0]
		for _, m := range s.msgs {
			if m.topicID != topicID {
				kept = append(kept, m)
			}
		}
		s.msgs = kept
		return driver.RowsAffected(1), nil

	case strings.Contains(query, "INSERT INTO messages"):
		name := args[0].(string)
		content, _ := args[1].([]byte)
		if content == nil {
			// not_null_violation: the content column rejects SQL NULL.
			return nil, &pq.Error{Code: "23502", Message: `null value in column "content" violates not-null constraint`}
		}
		topicID, ok := s.topics[name]
		if !ok {
			return driver.RowsAffected(0), nil
		}
		s.msgs = append(s.msgs, &memMsg{id: s.nextMsg, topicID: topicID, content: content, status: "new"})
		s.nextMsg++
		return driver.RowsAffected(1), nil
	}

	return driver.RowsAffected(0), nil
}

// QueryContext serves the backlog scan, the only multi-row query the
// engine issues.
func (s *memStore) QueryContext(_ context.Context, _ string, args ...any) (Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backlogErr != nil {
		return nil, s.backlogErr
	}

	name := args[0].(string)
	topicID, ok := s.topics[name]
	var ids []int64
	if ok {
		for _, m := range s.msgs {
			if m.topicID == topicID && m.status == "new" {
				ids = append(ids, m.id)
			}
		}
	}
	return &fakeRows{ids: ids}, nil
}

func (s *memStore) BeginTx(_ context.Context, _ *sql.TxOptions) (Tx, error) {
	if s.beginTxErr != nil {
		return nil, s.beginTxErr
	}
	return &memTx{s: s, pending: map[int64]string{}, held: map[int64]bool{}}, nil
}

// find must be called with mu held.
func (s *memStore) find(id int64) *memMsg {
	for _, m := range s.msgs {
		if m.id == id {
			return m
		}
	}
	return nil
}

func (s *memStore) status(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.find(id); m != nil {
		return m.status
	}
	return ""
}

// lockRow marks a row as held by some other claimant.
func (s *memStore) lockRow(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked[id] = true
}

func (s *memStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *memStore) topicCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics)
}

func (s *memStore) processedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.status == "processed" {
			n++
		}
	}
	return n
}

func (s *memStore) txCounts() (commits, rollbacks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits, s.rollbacks
}

// memTx buffers status updates until Commit and holds the simulated row
// locks its claims took.
type memTx struct {
	s       *memStore
	pending map[int64]string
	held    map[int64]bool
	done    bool
}

// QueryRowContext serves the claim query.
func (tx *memTx) QueryRowContext(_ context.Context, _ string, args ...any) Row {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	if tx.s.claimErr != nil {
		return &fakeRow{err: tx.s.claimErr}
	}

	id := args[0].(int64)
	name := args[1].(string)
	topicID, ok := tx.s.topics[name]
	if !ok {
		return &fakeRow{err: sql.ErrNoRows}
	}
	m := tx.s.find(id)
	if m == nil || m.topicID != topicID || m.status != "new" || tx.s.locked[id] {
		return &fakeRow{err: sql.ErrNoRows}
	}

	tx.s.locked[id] = true
	tx.held[id] = true
	return &fakeRow{content: m.content}
}

func (tx *memTx) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	if tx.s.markErr != nil {
		return nil, tx.s.markErr
	}

	id := args[0].(int64)
	switch {
	case strings.Contains(query, "'processing'"):
		tx.pending[id] = "processing"
	case strings.Contains(query, "'processed'"):
		tx.pending[id] = "processed"
	}
	return driver.RowsAffected(1), nil
}

func (tx *memTx) QueryContext(_ context.Context, _ string, _ ...any) (Rows, error) {
	return &fakeRows{}, nil
}

func (tx *memTx) Commit() error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	if tx.s.commitErr != nil {
		return tx.s.commitErr
	}
	for id, status := range tx.pending {
		if m := tx.s.find(id); m != nil {
			m.status = status
		}
	}
	tx.release()
	tx.s.commits++
	return nil
}

func (tx *memTx) Rollback() error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	if tx.done {
		return sql.ErrTxDone
	}
	tx.release()
	tx.s.rollbacks++
	return nil
}

// release must be called with the store mutex held.
func (tx *memTx) release() {
	for id := range tx.held {
		delete(tx.s.locked, id)
	}
	tx.held = map[int64]bool{}
	tx.done = true
}

type fakeRow struct {
	content []byte
	err     error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*[]byte)) = r.content
	return nil
}

type fakeRows struct {
	ids     []int64
	pos     int
	scanErr error
	iterErr error
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.ids) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	*(dest[0].(*int64)) = r.ids[r.pos-1]
	return nil
}

func (r *fakeRows) Err() error   { return r.iterErr }
func (r *fakeRows) Close() error { return nil }

// fakeListener is an in-memory Listener fed directly by tests.
type fakeListener struct {
	ch       chan *Notification
	listened chan struct{}
	once     sync.Once

	listenErr error

	mu       sync.Mutex
	channels []string
	closed   bool
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		ch:       make(chan *Notification, 16),
		listened: make(chan struct{}),
	}
}

func (l *fakeListener) Listen(_ context.Context, channel string) error {
	if l.listenErr != nil {
		return l.listenErr
	}
	l.mu.Lock()
	l.channels = append(l.channels, channel)
	l.mu.Unlock()
	l.once.Do(func() { close(l.listened) })
	return nil
}

func (l *fakeListener) Notifications() <-chan *Notification { return l.ch }

func (l *fakeListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// notify delivers a well-formed notification for the given message id.
func (l *fakeListener) notify(id int64) {
	l.ch <- &Notification{Channel: DefaultChannel, Payload: strconv.FormatInt(id, 10)}
}

func (l *fakeListener) send(n *Notification) { l.ch <- n }

func (l *fakeListener) listenedOn() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.channels...)
}

func (l *fakeListener) wasClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeListener) factory() ListenerFactory {
	return func(context.Context) (Listener, error) { return l, nil }
}

// listenerQueue hands out one listener per Subscribe call, in order.
func listenerQueue(ls ...*fakeListener) ListenerFactory {
	var mu sync.Mutex
	next := 0
	return func(context.Context) (Listener, error) {
		mu.Lock()
		defer mu.Unlock()
		l := ls[next]
		next++
		return l, nil
	}
}
