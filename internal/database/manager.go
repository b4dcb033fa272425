package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	dbconfig "livepoll/pkg/database"
	"livepoll/pkg/interfaces"
	"livepoll/pkg/types"
)

var _ interfaces.Store = (*Manager)(nil)

// Manager implements interfaces.Store over database/sql.
// All writes go through one goroutine; reads use the pool directly.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	dialect      dbconfig.Dialect
	writeChannel chan writeOperation // TECHNICAL: single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the write loop.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	if config.Driver == dbconfig.DialectSQLite {
		if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(string(config.Driver), config.DataSourceName())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := config.Driver.ApplyOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply database optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		dialect:      config.Driver,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && m.config.WriteRetryDelay > 0 && isRetryable(err) {
				slog.Warn("Database write failed, retrying", "delay", m.config.WriteRetryDelay, "error", err)
				time.Sleep(m.config.WriteRetryDelay)
				err = op.operation(m.db)
				if err != nil {
					slog.Error("Database write failed after retry", "error", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			slog.Info("Database write loop shutting down")
			return
		}
	}
}

// isRetryable excludes outcomes a retry cannot change.
func isRetryable(err error) bool {
	return !errors.Is(err, interfaces.ErrDuplicateVote) && !errors.Is(err, interfaces.ErrNotFound)
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("database manager is closed")
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return fmt.Errorf("write operation timeout")
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return fmt.Errorf("database manager is shutting down")
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return fmt.Errorf("database manager is shutting down")
	}
}

func (m *Manager) q(query string) string {
	return m.dialect.Rebind(query)
}

// isUniqueViolation recognizes unique-constraint failures from both drivers.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Polls

const pollColumns = "id, question, options, duration, start_time, status, created_at"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPoll(row rowScanner) (*types.Poll, error) {
	var poll types.Poll
	var optionsJSON string
	if err := row.Scan(&poll.ID, &poll.Question, &optionsJSON, &poll.Duration, &poll.StartTime, &poll.Status, &poll.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(optionsJSON), &poll.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal poll options: %w", err)
	}
	return &poll, nil
}

// CreatePoll inserts a poll with its options serialized as JSON.
func (m *Manager) CreatePoll(ctx context.Context, poll *types.Poll) error {
	optionsJSON, err := json.Marshal(poll.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal poll options: %w", err)
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, m.q(`
			INSERT INTO polls (`+pollColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`), poll.ID, poll.Question, string(optionsJSON), poll.Duration, poll.StartTime, poll.Status, poll.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert poll: %w", err)
		}
		return nil
	})
}

// FindPollByID returns interfaces.ErrNotFound for unknown ids.
func (m *Manager) FindPollByID(ctx context.Context, pollID string) (*types.Poll, error) {
	row := m.db.QueryRowContext(ctx, m.q(`SELECT `+pollColumns+` FROM polls WHERE id = ?`), pollID)
	poll, err := scanPoll(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query poll: %w", err)
	}
	return poll, nil
}

// FindActivePoll returns nil, nil when no poll is active.
func (m *Manager) FindActivePoll(ctx context.Context) (*types.Poll, error) {
	row := m.db.QueryRowContext(ctx, m.q(`
		SELECT `+pollColumns+` FROM polls
		WHERE status = ?
		ORDER BY created_at DESC
		LIMIT 1
	`), types.PollStatusActive)
	poll, err := scanPoll(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query active poll: %w", err)
	}
	return poll, nil
}

// SetPollStatus updates the status of a poll.
func (m *Manager) SetPollStatus(ctx context.Context, pollID, status string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, m.q(`UPDATE polls SET status = ? WHERE id = ?`), status, pollID)
		if err != nil {
			return fmt.Errorf("failed to update poll status: %w", err)
		}
		return requireRow(res)
	})
}

// ListCompletedPolls returns completed polls, newest first.
func (m *Manager) ListCompletedPolls(ctx context.Context) ([]*types.Poll, error) {
	rows, err := m.db.QueryContext(ctx, m.q(`
		SELECT `+pollColumns+` FROM polls
		WHERE status = ?
		ORDER BY created_at DESC
	`), types.PollStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed polls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var polls []*types.Poll
	for rows.Next() {
		poll, err := scanPoll(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan poll row: %w", err)
		}
		polls = append(polls, poll)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating poll rows: %w", err)
	}
	return polls, nil
}

// Votes

const voteColumns = "id, poll_id, student_id, option_id, created_at"

func scanVote(row rowScanner) (*types.Vote, error) {
	var vote types.Vote
	if err := row.Scan(&vote.ID, &vote.PollID, &vote.StudentID, &vote.OptionID, &vote.CreatedAt); err != nil {
		return nil, err
	}
	return &vote, nil
}

// CreateVote returns interfaces.ErrDuplicateVote on a (poll, student) collision.
func (m *Manager) CreateVote(ctx context.Context, vote *types.Vote) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, m.q(`
			INSERT INTO votes (`+voteColumns+`)
			VALUES (?, ?, ?, ?, ?)
		`), vote.ID, vote.PollID, vote.StudentID, vote.OptionID, vote.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrDuplicateVote
			}
			return fmt.Errorf("failed to insert vote: %w", err)
		}
		return nil
	})
}

// FindVote returns the vote a student cast on a poll.
func (m *Manager) FindVote(ctx context.Context, pollID, studentID string) (*types.Vote, error) {
	row := m.db.QueryRowContext(ctx, m.q(`
		SELECT `+voteColumns+` FROM votes
		WHERE poll_id = ? AND student_id = ?
	`), pollID, studentID)
	vote, err := scanVote(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query vote: %w", err)
	}
	return vote, nil
}

// ListVotes returns a poll's votes in creation order.
func (m *Manager) ListVotes(ctx context.Context, pollID string) ([]*types.Vote, error) {
	rows, err := m.db.QueryContext(ctx, m.q(`
		SELECT `+voteColumns+` FROM votes
		WHERE poll_id = ?
		ORDER BY created_at ASC
	`), pollID)
	if err != nil {
		return nil, fmt.Errorf("failed to query votes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var votes []*types.Vote
	for rows.Next() {
		vote, err := scanVote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vote row: %w", err)
		}
		votes = append(votes, vote)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating vote rows: %w", err)
	}
	return votes, nil
}

// CountVotesByOption groups a poll's votes by option id.
func (m *Manager) CountVotesByOption(ctx context.Context, pollID string) (map[string]int, error) {
	rows, err := m.db.QueryContext(ctx, m.q(`
		SELECT option_id, COUNT(*) FROM votes
		WHERE poll_id = ?
		GROUP BY option_id
	`), pollID)
	if err != nil {
		return nil, fmt.Errorf("failed to count votes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var optionID string
		var count int
		if err := rows.Scan(&optionID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan vote count: %w", err)
		}
		counts[optionID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating vote counts: %w", err)
	}
	return counts, nil
}

// CountTotalVotes counts a poll's votes.
func (m *Manager) CountTotalVotes(ctx context.Context, pollID string) (int, error) {
	var total int
	if err := m.db.QueryRowContext(ctx, m.q(`SELECT COUNT(*) FROM votes WHERE poll_id = ?`), pollID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count total votes: %w", err)
	}
	return total, nil
}

// Participants

const participantColumns = "id, name, connection_id, is_kicked, joined_at"

func scanParticipant(row rowScanner) (*types.Participant, error) {
	var p types.Participant
	if err := row.Scan(&p.ID, &p.Name, &p.ConnectionID, &p.IsKicked, &p.JoinedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *Manager) queryParticipant(ctx context.Context, query string, args ...interface{}) (*types.Participant, error) {
	p, err := scanParticipant(m.db.QueryRowContext(ctx, m.q(query), args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query participant: %w", err)
	}
	return p, nil
}

func (m *Manager) queryParticipants(ctx context.Context, query string, args ...interface{}) ([]*types.Participant, error) {
	rows, err := m.db.QueryContext(ctx, m.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var participants []*types.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant row: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participant rows: %w", err)
	}
	return participants, nil
}

// CreateParticipant inserts a participant row.
func (m *Manager) CreateParticipant(ctx context.Context, p *types.Participant) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, m.q(`
			INSERT INTO participants (`+participantColumns+`)
			VALUES (?, ?, ?, ?, ?)
		`), p.ID, p.Name, p.ConnectionID, p.IsKicked, p.JoinedAt)
		if err != nil {
			return fmt.Errorf("failed to insert participant: %w", err)
		}
		return nil
	})
}

func (m *Manager) FindParticipantByID(ctx context.Context, participantID string) (*types.Participant, error) {
	return m.queryParticipant(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = ?`, participantID)
}

// FindParticipantByName matches case-insensitively, most recent first.
func (m *Manager) FindParticipantByName(ctx context.Context, name string) (*types.Participant, error) {
	return m.queryParticipant(ctx, `
		SELECT `+participantColumns+` FROM participants
		WHERE LOWER(name) = LOWER(?)
		ORDER BY joined_at DESC
		LIMIT 1
	`, name)
}

func (m *Manager) FindParticipantByConnection(ctx context.Context, connectionID string) (*types.Participant, error) {
	return m.queryParticipant(ctx, `SELECT `+participantColumns+` FROM participants WHERE connection_id = ?`, connectionID)
}

// UpdateParticipantConnection rebinds a participant to a new connection handle.
func (m *Manager) UpdateParticipantConnection(ctx context.Context, participantID, connectionID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, m.q(`UPDATE participants SET connection_id = ? WHERE id = ?`), connectionID, participantID)
		if err != nil {
			return fmt.Errorf("failed to update participant connection: %w", err)
		}
		return requireRow(res)
	})
}

// SetKicked sets or clears the kicked flag.
func (m *Manager) SetKicked(ctx context.Context, participantID string, kicked bool) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, m.q(`UPDATE participants SET is_kicked = ? WHERE id = ?`), kicked, participantID)
		if err != nil {
			return fmt.Errorf("failed to update participant kicked flag: %w", err)
		}
		return requireRow(res)
	})
}

// DeleteParticipant removes a participant row. Missing rows are not an error.
func (m *Manager) DeleteParticipant(ctx context.Context, participantID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, m.q(`DELETE FROM participants WHERE id = ?`), participantID); err != nil {
			return fmt.Errorf("failed to delete participant: %w", err)
		}
		return nil
	})
}

// ListActiveParticipants returns non-kicked participants in join order.
func (m *Manager) ListActiveParticipants(ctx context.Context) ([]*types.Participant, error) {
	return m.queryParticipants(ctx, `
		SELECT `+participantColumns+` FROM participants
		WHERE is_kicked = ?
		ORDER BY joined_at ASC
	`, false)
}

// ListKickedParticipants returns kicked participants in join order.
func (m *Manager) ListKickedParticipants(ctx context.Context) ([]*types.Participant, error) {
	return m.queryParticipants(ctx, `
		SELECT `+participantColumns+` FROM participants
		WHERE is_kicked = ?
		ORDER BY joined_at ASC
	`, true)
}

// RemoveDuplicateParticipants keeps the most recently joined row per
// case-insensitive name. Ties on joined_at keep the greater id.
func (m *Manager) RemoveDuplicateParticipants(ctx context.Context) (int, error) {
	var removed int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			DELETE FROM participants
			WHERE EXISTS (
				SELECT 1 FROM participants newer
				WHERE LOWER(newer.name) = LOWER(participants.name)
				AND (newer.joined_at > participants.joined_at
					OR (newer.joined_at = participants.joined_at AND newer.id > participants.id))
			)
		`)
		if err != nil {
			return fmt.Errorf("failed to remove duplicate participants: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	return int(removed), err
}

// DeleteDisconnectedParticipants removes every non-kicked row.
func (m *Manager) DeleteDisconnectedParticipants(ctx context.Context) (int, error) {
	var removed int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, m.q(`DELETE FROM participants WHERE is_kicked = ?`), false)
		if err != nil {
			return fmt.Errorf("failed to delete disconnected participants: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	return int(removed), err
}

// Chat

// CreateChatMessage appends a chat message.
func (m *Manager) CreateChatMessage(ctx context.Context, msg *types.ChatMessage) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, m.q(`
			INSERT INTO chat_messages (id, sender_name, message, created_at)
			VALUES (?, ?, ?, ?)
		`), msg.ID, msg.SenderName, msg.Message, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert chat message: %w", err)
		}
		return nil
	})
}

// ListRecentChatMessages returns the newest limit messages in chronological order.
func (m *Manager) ListRecentChatMessages(ctx context.Context, limit int) ([]*types.ChatMessage, error) {
	rows, err := m.db.QueryContext(ctx, m.q(`
		SELECT id, sender_name, message, created_at FROM chat_messages
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.ChatMessage
	for rows.Next() {
		var msg types.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.SenderName, &msg.Message, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chat messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// HealthCheck validates connectivity and that the schema is readable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM polls").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying connection pool for migrations.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Dialect returns the SQL dialect in use.
func (m *Manager) Dialect() dbconfig.Dialect {
	return m.dialect
}

// Close stops the write loop and closes the pool. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}
