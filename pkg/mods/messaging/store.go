// Copyright 2026 The OpenAgents Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package messaging

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// store is the mod's SQLite state: channels, posts, reactions, and
// announcements. One connection pool, WAL mode, 5s busy timeout.
type store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS channels (
	name            TEXT PRIMARY KEY,
	creator         TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	announcement    TEXT NOT NULL DEFAULT '',
	announcement_by TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS posts (
	id         TEXT PRIMARY KEY,
	channel    TEXT NOT NULL,
	author     TEXT NOT NULL,
	text       TEXT NOT NULL,
	reply_to   TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_posts_channel ON posts(channel, created_at);
CREATE TABLE IF NOT EXISTS reactions (
	post_id    TEXT NOT NULL,
	agent      TEXT NOT NULL,
	reaction   TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (post_id, agent, reaction)
);
`

func openStore(dbPath string) (*store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &store{db: db}, nil
}

func (s *store) close() error { return s.db.Close() }

// ensureChannel records a channel on first use; no-op if it exists.
func (s *store) ensureChannel(name, creator string) error {
	_, err := s.db.Exec(
		`INSERT INTO channels (name, creator, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		name, creator, time.Now().UTC().UnixMilli())
	return err
}

func (s *store) addPost(id, channel, author, text, replyTo string) error {
	if err := s.ensureChannel(channel, author); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO posts (id, channel, author, text, reply_to, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, channel, author, text, replyTo, time.Now().UTC().UnixMilli())
	return err
}

// postAuthor returns the author of a post, "" when unknown.
func (s *store) postAuthor(postID string) (string, error) {
	var author string
	err := s.db.QueryRow(`SELECT author FROM posts WHERE id = ?`, postID).Scan(&author)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return author, err
}

func (s *store) addReaction(postID, agent, reaction string) error {
	_, err := s.db.Exec(
		`INSERT INTO reactions (post_id, agent, reaction, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(post_id, agent, reaction) DO NOTHING`,
		postID, agent, reaction, time.Now().UTC().UnixMilli())
	return err
}

func (s *store) setAnnouncement(channel, text, by string) error {
	if err := s.ensureChannel(channel, by); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`UPDATE channels SET announcement = ?, announcement_by = ? WHERE name = ?`,
		text, by, channel)
	return err
}

func (s *store) announcement(channel string) (text, by string, err error) {
	err = s.db.QueryRow(
		`SELECT announcement, announcement_by FROM channels WHERE name = ?`,
		channel).Scan(&text, &by)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	return text, by, err
}

// channelNames lists known channels in creation order.
func (s *store) channelNames() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM channels ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
