package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxeld-project/voxeld/internal/events"
)

// Journal records peer sessions and notable player events.
type Journal struct {
	db     *Database
	logger zerolog.Logger
}

// Session is one journaled connection.
type Session struct {
	Session        string     `json:"session"`
	Peer           uint64     `json:"peer"`
	Addr           string     `json:"addr"`
	PlayerName     string     `json:"player_name"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	DurationMs     int64      `json:"duration_ms"`
	MapBytes       int64      `json:"map_bytes"`
	MapMs          int64      `json:"map_ms"`
}

// JournalEntry is one journaled player event.
type JournalEntry struct {
	Kind    string    `json:"kind"`
	Session string    `json:"session,omitempty"`
	Detail  string    `json:"detail"`
	At      time.Time `json:"at"`
}

// JournalStats summarizes the journal.
type JournalStats struct {
	Sessions      int64   `json:"sessions"`
	Active        int64   `json:"active"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

const journalSchema = `
	CREATE TABLE IF NOT EXISTS sessions (
		session TEXT PRIMARY KEY,
		peer INTEGER NOT NULL,
		addr TEXT NOT NULL,
		player_name TEXT NOT NULL DEFAULT '',
		connected_at INTEGER NOT NULL,
		disconnected_at INTEGER,
		reason TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		map_bytes INTEGER NOT NULL DEFAULT 0,
		map_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_connected ON sessions(connected_at);

	CREATE TABLE IF NOT EXISTS journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		session TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_journal_at ON journal(at);
`

// NewJournal creates the journal tables in db.
func NewJournal(db *Database) (*Journal, error) {
	if err := db.migrate("journal", journalSchema); err != nil {
		return nil, err
	}
	return &Journal{db: db, logger: log.With().Str("component", "journal").Logger()}, nil
}

// Subscribe records bus events into the journal.
func (j *Journal) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventPeerConnected, "journal.peerConnected", func(_ context.Context, ev events.Event) error {
		p, ok := ev.Payload.(events.PeerPayload)
		if !ok {
			return nil
		}
		return j.RecordConnect(p, time.Now())
	})
	bus.Subscribe(events.EventPeerDisconnected, "journal.peerDisconnected", func(_ context.Context, ev events.Event) error {
		p, ok := ev.Payload.(events.PeerPayload)
		if !ok {
			return nil
		}
		return j.RecordDisconnect(p, time.Now())
	})
	bus.Subscribe(events.EventMapTransferCompleted, "journal.mapTransfer", func(_ context.Context, ev events.Event) error {
		p, ok := ev.Payload.(events.MapTransferPayload)
		if !ok {
			return nil
		}
		return j.RecordMapTransfer(p)
	})
	bus.Subscribe(events.EventPlayerJoined, "journal.playerJoined", func(_ context.Context, ev events.Event) error {
		p, ok := ev.Payload.(events.PlayerPayload)
		if !ok {
			return nil
		}
		return j.Record("join", p.Session, fmt.Sprintf("%s as player %d", p.Name, p.PlayerID), time.Now())
	})
	bus.Subscribe(events.EventPlayerLeft, "journal.playerLeft", func(_ context.Context, ev events.Event) error {
		p, ok := ev.Payload.(events.PlayerPayload)
		if !ok {
			return nil
		}
		return j.Record("leave", p.Session, p.Name, time.Now())
	})
	bus.Subscribe(events.EventKick, "journal.kick", func(_ context.Context, ev events.Event) error {
		p, ok := ev.Payload.(events.KickPayload)
		if !ok {
			return nil
		}
		kind := "kick"
		if p.Ban {
			kind = "ban"
		}
		return j.Record(kind, "", fmt.Sprintf("%s: %s", p.Addr, p.Reason), time.Now())
	})
}

// RecordConnect opens a session row.
func (j *Journal) RecordConnect(p events.PeerPayload, at time.Time) error {
	_, err := j.db.Exec(
		`INSERT OR IGNORE INTO sessions (session, peer, addr, connected_at) VALUES (?, ?, ?, ?)`,
		p.Session, p.Peer, p.Addr, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record connect: %w", err)
	}
	return nil
}

// RecordDisconnect closes a session row.
func (j *Journal) RecordDisconnect(p events.PeerPayload, at time.Time) error {
	_, err := j.db.Exec(
		`UPDATE sessions SET disconnected_at = ?, reason = ?, duration_ms = ?, player_name = ?
		 WHERE session = ?`,
		at.UnixMilli(), p.Reason.String(), p.Duration.Milliseconds(), p.PlayerName, p.Session,
	)
	if err != nil {
		return fmt.Errorf("failed to record disconnect: %w", err)
	}
	return nil
}

// RecordMapTransfer stores the size and duration of a completed transfer.
func (j *Journal) RecordMapTransfer(p events.MapTransferPayload) error {
	_, err := j.db.Exec(
		`UPDATE sessions SET map_bytes = ?, map_ms = ? WHERE session = ?`,
		p.Bytes, p.Duration.Milliseconds(), p.Session,
	)
	if err != nil {
		return fmt.Errorf("failed to record map transfer: %w", err)
	}
	return nil
}

// Record appends a player event.
func (j *Journal) Record(kind, session, detail string, at time.Time) error {
	_, err := j.db.Exec(
		`INSERT INTO journal (kind, session, detail, at) VALUES (?, ?, ?, ?)`,
		kind, session, detail, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", kind, err)
	}
	return nil
}

// RecentSessions returns the newest sessions first.
func (j *Journal) RecentSessions(limit int) ([]Session, error) {
	rows, err := j.db.Query(
		`SELECT session, peer, addr, player_name, connected_at, disconnected_at, reason, duration_ms, map_bytes, map_ms
		 FROM sessions ORDER BY connected_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var connected int64
		var disconnected sql.NullInt64
		if err := rows.Scan(&s.Session, &s.Peer, &s.Addr, &s.PlayerName, &connected, &disconnected,
			&s.Reason, &s.DurationMs, &s.MapBytes, &s.MapMs); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.ConnectedAt = time.UnixMilli(connected)
		if disconnected.Valid {
			t := time.UnixMilli(disconnected.Int64)
			s.DisconnectedAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Entries returns the newest player events first.
func (j *Journal) Entries(limit int) ([]JournalEntry, error) {
	rows, err := j.db.Query(`SELECT kind, session, detail, at FROM journal ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var at int64
		if err := rows.Scan(&e.Kind, &e.Session, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats summarizes the recorded sessions.
func (j *Journal) Stats() (JournalStats, error) {
	var st JournalStats
	var avg sql.NullFloat64
	err := j.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN disconnected_at IS NULL THEN 1 ELSE 0 END), 0),
		        AVG(CASE WHEN disconnected_at IS NOT NULL THEN duration_ms END)
		 FROM sessions`).Scan(&st.Sessions, &st.Active, &avg)
	if err != nil {
		return st, fmt.Errorf("failed to query journal stats: %w", err)
	}
	st.AvgDurationMs = avg.Float64
	return st, nil
}

// Prune deletes closed sessions and events older than before.
func (j *Journal) Prune(before time.Time) (int64, error) {
	var removed int64
	err := j.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM sessions WHERE disconnected_at IS NOT NULL AND disconnected_at < ?`, before.UnixMilli())
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed += n

		res, err = tx.Exec(`DELETE FROM journal WHERE at < ?`, before.UnixMilli())
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		removed += n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	j.logger.Info().Int64("removed", removed).Time("before", before).Msg("journal pruned")
	return removed, nil
}
