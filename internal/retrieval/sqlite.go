package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteIndex stores chunk embeddings as float32 blobs and answers queries
// with a brute-force cosine scan over one subject's rows.
type SQLiteIndex struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS files (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	path       TEXT NOT NULL UNIQUE,
	subject    TEXT NOT NULL,
	checksum   TEXT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS chunks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	subject     TEXT NOT NULL,
	source      TEXT NOT NULL,
	page        INTEGER NOT NULL,
	chunk_index INTEGER NOT NULL,
	text        TEXT NOT NULL,
	embedding   BLOB NOT NULL,
	UNIQUE (source, page, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_chunks_subject ON chunks(subject);
`

func OpenSQLiteIndex(path string) (*SQLiteIndex, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create vector db dir: %w", err)
		}
	}
	dsn := path + "?_busy_timeout=5000"
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init vector db: %w", err)
	}
	return &SQLiteIndex{db: db}, nil
}

func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

func (s *SQLiteIndex) Search(ctx context.Context, subject string, vector []float32, topK int) ([]Fragment, error) {
	if topK <= 0 {
		return []Fragment{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, page, chunk_index, text, embedding FROM chunks WHERE subject = ?`,
		subject,
	)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	results := []Fragment{}
	for rows.Next() {
		var f Fragment
		var blob []byte
		if err := rows.Scan(&f.SourceID, &f.Page, &f.Index, &f.Text, &blob); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", f.Key(), err)
		}
		f.Score = CosineSimilarity(vector, vec)
		results = append(results, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// ties break on identity so results are deterministic for a fixed query
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Key().String() < results[j].Key().String()
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (s *SQLiteIndex) Upsert(ctx context.Context, subject string, fragments []Fragment, vectors [][]float32) error {
	if len(fragments) != len(vectors) {
		return fmt.Errorf("upsert: %d fragments but %d vectors", len(fragments), len(vectors))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (subject, source, page, chunk_index, text, embedding)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source, page, chunk_index) DO UPDATE SET
		   subject = excluded.subject, text = excluded.text, embedding = excluded.embedding`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i, f := range fragments {
		if _, err := stmt.ExecContext(ctx, subject, f.SourceID, f.Page, f.Index, f.Text, encodeVector(vectors[i])); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", f.Key(), err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) FileChecksum(ctx context.Context, path string) (string, bool, error) {
	var checksum string
	err := s.db.QueryRowContext(ctx, `SELECT checksum FROM files WHERE path = ?`, path).Scan(&checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup file %s: %w", path, err)
	}
	return checksum, true, nil
}

// ReplaceFile records the new checksum and drops the file's old chunks.
func (s *SQLiteIndex) ReplaceFile(ctx context.Context, subject, path, checksum string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source = ?`, path); err != nil {
		return fmt.Errorf("delete old chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO files (path, subject, checksum) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET subject = excluded.subject, checksum = excluded.checksum,
		   updated_at = CURRENT_TIMESTAMP`,
		path, subject, checksum,
	); err != nil {
		return fmt.Errorf("record file: %w", err)
	}
	return tx.Commit()
}

// Subjects lists the subjects that have indexed chunks.
func (s *SQLiteIndex) Subjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT subject FROM chunks ORDER BY subject`)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, err
		}
		out = append(out, subject)
	}
	return out, rows.Err()
}
