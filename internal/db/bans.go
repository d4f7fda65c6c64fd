package db

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNotBanned is returned when lifting a ban that does not exist.
var ErrNotBanned = errors.New("address is not banned")

// Ban is one banned address.
type Ban struct {
	Host      string     `json:"host"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (b Ban) active(now time.Time) bool {
	return b.ExpiresAt == nil || now.Before(*b.ExpiresAt)
}

// BanList is the persistent address ban list. Lookups are served from
// memory so the transport can check every incoming peer.
type BanList struct {
	db *Database

	mu    sync.RWMutex
	cache map[string]Ban
}

const banSchema = `
	CREATE TABLE IF NOT EXISTS bans (
		host TEXT PRIMARY KEY,
		reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		expires_at INTEGER
	);
`

// NewBanList creates the ban table in db and loads the active bans.
func NewBanList(db *Database) (*BanList, error) {
	if err := db.migrate("bans", banSchema); err != nil {
		return nil, err
	}
	bl := &BanList{db: db, cache: make(map[string]Ban)}
	if err := bl.load(); err != nil {
		return nil, err
	}
	return bl, nil
}

func (bl *BanList) load() error {
	rows, err := bl.db.Query(`SELECT host, reason, created_at, expires_at FROM bans`)
	if err != nil {
		return fmt.Errorf("failed to load bans: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	bl.mu.Lock()
	defer bl.mu.Unlock()
	for rows.Next() {
		var b Ban
		var created int64
		var expires sql.NullInt64
		if err := rows.Scan(&b.Host, &b.Reason, &created, &expires); err != nil {
			return fmt.Errorf("failed to scan ban: %w", err)
		}
		b.CreatedAt = time.UnixMilli(created)
		if expires.Valid {
			t := time.UnixMilli(expires.Int64)
			b.ExpiresAt = &t
		}
		if b.active(now) {
			bl.cache[b.Host] = b
		}
	}
	log.Debug().Int("bans", len(bl.cache)).Msg("ban list loaded")
	return rows.Err()
}

// Ban adds or replaces a ban. A zero duration bans permanently.
func (bl *BanList) Ban(host, reason string, duration time.Duration) (Ban, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return Ban{}, fmt.Errorf("empty host")
	}

	now := time.Now()
	b := Ban{Host: host, Reason: reason, CreatedAt: now}
	var expires interface{}
	if duration > 0 {
		t := now.Add(duration)
		b.ExpiresAt = &t
		expires = t.UnixMilli()
	}

	_, err := bl.db.Exec(
		`INSERT INTO bans (host, reason, created_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(host) DO UPDATE SET reason = excluded.reason, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		host, reason, now.UnixMilli(), expires,
	)
	if err != nil {
		return Ban{}, fmt.Errorf("failed to ban %s: %w", host, err)
	}

	bl.mu.Lock()
	bl.cache[host] = b
	bl.mu.Unlock()

	log.Info().Str("host", host).Str("reason", reason).Dur("duration", duration).Msg("address banned")
	return b, nil
}

// Unban lifts a ban.
func (bl *BanList) Unban(host string) error {
	res, err := bl.db.Exec(`DELETE FROM bans WHERE host = ?`, host)
	if err != nil {
		return fmt.Errorf("failed to unban %s: %w", host, err)
	}

	bl.mu.Lock()
	_, cached := bl.cache[host]
	delete(bl.cache, host)
	bl.mu.Unlock()

	if n, _ := res.RowsAffected(); n == 0 && !cached {
		return fmt.Errorf("%s: %w", host, ErrNotBanned)
	}
	log.Info().Str("host", host).Msg("address unbanned")
	return nil
}

// Check returns the ban reason for host, if banned.
func (bl *BanList) Check(host string) (string, bool) {
	bl.mu.RLock()
	b, ok := bl.cache[host]
	bl.mu.RUnlock()
	if !ok || !b.active(time.Now()) {
		return "", false
	}
	return b.Reason, true
}

// List returns the active bans ordered by host.
func (bl *BanList) List() []Ban {
	now := time.Now()
	bl.mu.RLock()
	out := make([]Ban, 0, len(bl.cache))
	for _, b := range bl.cache {
		if b.active(now) {
			out = append(out, b)
		}
	}
	bl.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// PruneExpired deletes bans that have run out.
func (bl *BanList) PruneExpired() (int64, error) {
	now := time.Now()
	res, err := bl.db.Exec(`DELETE FROM bans WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune bans: %w", err)
	}

	bl.mu.Lock()
	for host, b := range bl.cache {
		if !b.active(now) {
			delete(bl.cache, host)
		}
	}
	bl.mu.Unlock()

	n, _ := res.RowsAffected()
	return n, nil
}
