package crm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/leadbot/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS contacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sender_id TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    score INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS conversations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    contact_id INTEGER NOT NULL UNIQUE REFERENCES contacts(id) ON DELETE CASCADE,
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    sender TEXT NOT NULL,
    content TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS deals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    contact_id INTEGER NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
    title TEXT NOT NULL,
    stage TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'open',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS properties (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    code TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL DEFAULT '',
    city TEXT NOT NULL DEFAULT '',
    price REAL NOT NULL DEFAULT 0,
    bedrooms INTEGER NOT NULL DEFAULT 0,
    cover_photo TEXT NOT NULL DEFAULT '',
    photos TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_deals_contact_status ON deals(contact_id, status);
`

// SQLiteStore implements Store and PropertyLookup on a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "leadbot.db"
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer avoids SQLITE_BUSY between concurrent senders
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	logger.L.Info("sqlite crm store initialized", "path", path)
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// FindOrCreateContact returns the contact for senderID, creating it on first
// contact. A non-empty displayName fills in a contact that has no name yet.
func (s *SQLiteStore) FindOrCreateContact(ctx context.Context, senderID, displayName string) (Contact, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO contacts (sender_id, name, score, created_at, updated_at)
        VALUES (?, ?, 0, ?, ?)
        ON CONFLICT(sender_id) DO UPDATE SET
            name = CASE WHEN contacts.name = '' THEN excluded.name ELSE contacts.name END,
            updated_at = excluded.updated_at;`,
		senderID, strings.TrimSpace(displayName), now, now)
	if err != nil {
		return Contact{}, fmt.Errorf("upsert contact: %w", err)
	}
	var c Contact
	err = s.db.QueryRowContext(ctx, `SELECT id, sender_id, name, score FROM contacts WHERE sender_id = ?;`, senderID).
		Scan(&c.ID, &c.SenderID, &c.Name, &c.Score)
	if err != nil {
		return Contact{}, fmt.Errorf("load contact: %w", err)
	}
	return c, nil
}

// FindOrCreateConversation returns the single conversation of a contact.
func (s *SQLiteStore) FindOrCreateConversation(ctx context.Context, contactID int64) (Conversation, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO conversations (contact_id, created_at) VALUES (?, ?)
        ON CONFLICT(contact_id) DO NOTHING;`, contactID, s.now())
	if err != nil {
		return Conversation{}, fmt.Errorf("upsert conversation: %w", err)
	}
	conv := Conversation{ContactID: contactID}
	err = s.db.QueryRowContext(ctx, `SELECT id FROM conversations WHERE contact_id = ?;`, contactID).Scan(&conv.ID)
	if err != nil {
		return Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	return conv, nil
}

// SaveMessage stores one message with its JSON metadata.
func (s *SQLiteStore) SaveMessage(ctx context.Context, conversationID int64, content string, sender MessageSender, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO messages (conversation_id, sender, content, metadata, created_at) VALUES (?,?,?,?,?);`,
		conversationID, string(sender), content, string(meta), s.now())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns the messages of a conversation in chronological order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, conversation_id, sender, content, metadata, created_at
        FROM messages WHERE conversation_id = ? ORDER BY id ASC;`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m      Message
			sender string
			meta   string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Sender = MessageSender(sender)
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			logger.L.Warn("message metadata is not valid json", "message_id", m.ID, "error", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateContactScore adds the points of event and returns the new score.
func (s *SQLiteStore) UpdateContactScore(ctx context.Context, contactID int64, event ScoreEvent) (int, error) {
	points, ok := ScorePoints[event]
	if !ok {
		return 0, fmt.Errorf("unknown score event %q", event)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE contacts SET score = MIN(?, score + ?), updated_at = ? WHERE id = ?;`,
		MaxScore, points, s.now(), contactID)
	if err != nil {
		return 0, fmt.Errorf("update score: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, fmt.Errorf("contact %d: %w", contactID, ErrNotFound)
	}
	var score int
	if err := s.db.QueryRowContext(ctx, `SELECT score FROM contacts WHERE id = ?;`, contactID).Scan(&score); err != nil {
		return 0, fmt.Errorf("load score: %w", err)
	}
	return score, nil
}

// OpenDeal returns the newest deal of a contact that is neither won nor lost.
func (s *SQLiteStore) OpenDeal(ctx context.Context, contactID int64) (Deal, error) {
	var d Deal
	err := s.db.QueryRowContext(ctx, `SELECT id, contact_id, title, stage, status FROM deals
        WHERE contact_id = ? AND status = ? ORDER BY id DESC LIMIT 1;`, contactID, DealOpen).
		Scan(&d.ID, &d.ContactID, &d.Title, &d.Stage, &d.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Deal{}, ErrNotFound
	}
	if err != nil {
		return Deal{}, fmt.Errorf("query open deal: %w", err)
	}
	return d, nil
}

// CreateDeal opens a new deal at stage (the first stage when empty).
func (s *SQLiteStore) CreateDeal(ctx context.Context, contactID int64, title, stage string) (Deal, error) {
	if stage == "" {
		stage = DealStages[0]
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `INSERT INTO deals (contact_id, title, stage, status, created_at, updated_at) VALUES (?,?,?,?,?,?);`,
		contactID, title, stage, DealOpen, now, now)
	if err != nil {
		return Deal{}, fmt.Errorf("insert deal: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Deal{}, fmt.Errorf("deal id: %w", err)
	}
	return Deal{ID: id, ContactID: contactID, Title: title, Stage: stage, Status: DealOpen}, nil
}

// AdvanceDealStage moves a deal one stage forward; the last stage is sticky.
func (s *SQLiteStore) AdvanceDealStage(ctx context.Context, dealID int64) (Deal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Deal{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var d Deal
	err = tx.QueryRowContext(ctx, `SELECT id, contact_id, title, stage, status FROM deals WHERE id = ?;`, dealID).
		Scan(&d.ID, &d.ContactID, &d.Title, &d.Stage, &d.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Deal{}, fmt.Errorf("deal %d: %w", dealID, ErrNotFound)
	}
	if err != nil {
		return Deal{}, fmt.Errorf("load deal: %w", err)
	}
	d.Stage = NextDealStage(d.Stage)
	if _, err := tx.ExecContext(ctx, `UPDATE deals SET stage = ?, updated_at = ? WHERE id = ?;`, d.Stage, s.now(), d.ID); err != nil {
		return Deal{}, fmt.Errorf("update deal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Deal{}, fmt.Errorf("commit: %w", err)
	}
	return d, nil
}

// SetDealStatus marks a deal as won or lost (or reopens it).
func (s *SQLiteStore) SetDealStatus(ctx context.Context, dealID int64, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE deals SET status = ?, updated_at = ? WHERE id = ?;`, status, s.now(), dealID)
	if err != nil {
		return fmt.Errorf("update deal status: %w", err)
	}
	return nil
}

// UpsertProperty inserts or replaces a catalogue entry keyed by code.
func (s *SQLiteStore) UpsertProperty(ctx context.Context, p Property) error {
	photos, err := json.Marshal(p.Photos)
	if err != nil {
		return fmt.Errorf("encode photos: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO properties (code, type, city, price, bedrooms, cover_photo, photos)
        VALUES (?,?,?,?,?,?,?)
        ON CONFLICT(code) DO UPDATE SET type = excluded.type, city = excluded.city, price = excluded.price,
            bedrooms = excluded.bedrooms, cover_photo = excluded.cover_photo, photos = excluded.photos;`,
		p.Code, p.Type, p.City, p.Price, p.Bedrooms, p.CoverPhoto, string(photos))
	if err != nil {
		return fmt.Errorf("upsert property: %w", err)
	}
	return nil
}

// Search implements PropertyLookup.
func (s *SQLiteStore) Search(ctx context.Context, f PropertyFilter) ([]Property, error) {
	var (
		where []string
		args  []any
	)
	if f.Code != "" {
		where = append(where, "code = ? COLLATE NOCASE")
		args = append(args, f.Code)
	}
	if f.Type != "" {
		where = append(where, "type = ? COLLATE NOCASE")
		args = append(args, f.Type)
	}
	if f.City != "" {
		where = append(where, "city = ? COLLATE NOCASE")
		args = append(args, f.City)
	}
	if f.MaxPrice > 0 {
		where = append(where, "price <= ?")
		args = append(args, f.MaxPrice)
	}
	q := `SELECT id, code, type, city, price, bedrooms, cover_photo, photos FROM properties`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query properties: %w", err)
	}
	defer rows.Close()

	var out []Property
	for rows.Next() {
		var (
			p      Property
			photos string
		)
		if err := rows.Scan(&p.ID, &p.Code, &p.Type, &p.City, &p.Price, &p.Bedrooms, &p.CoverPhoto, &photos); err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		if err := json.Unmarshal([]byte(photos), &p.Photos); err != nil {
			logger.L.Warn("property photos are not valid json", "code", p.Code, "error", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
