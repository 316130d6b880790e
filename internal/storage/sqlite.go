package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for patients and documents.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "chartq.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Patients ---

func (s *Store) SavePatient(p Patient) error {
	indexJSON, err := marshalIndex(p.Index)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO patients (id, owner_user_id, name, index_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.OwnerUserID, p.Name, indexJSON, p.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetPatient(ownerUserID, patientID string) (Patient, error) {
	var p Patient
	var indexJSON, createdAt string
	err := s.db.QueryRow(`
		SELECT id, owner_user_id, name, index_json, created_at
		FROM patients WHERE id = ? AND owner_user_id = ?`, patientID, ownerUserID,
	).Scan(&p.ID, &p.OwnerUserID, &p.Name, &indexJSON, &createdAt)
	if err == sql.ErrNoRows {
		return Patient{}, ErrNotFound
	}
	if err != nil {
		return Patient{}, err
	}
	if p.Index, err = unmarshalIndex(indexJSON); err != nil {
		return Patient{}, fmt.Errorf("parsing index state for patient %s: %w", p.ID, err)
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Patient{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return p, nil
}

// UpdatePatientIndex replaces the persisted retrieval index state on the patient row.
func (s *Store) UpdatePatientIndex(ownerUserID, patientID string, idx IndexState) error {
	indexJSON, err := marshalIndex(idx)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE patients SET index_json = ? WHERE id = ? AND owner_user_id = ?`,
		indexJSON, patientID, ownerUserID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalIndex(idx IndexState) (string, error) {
	if idx.SessionID == "" && idx.IndexID == "" && len(idx.Mappings) == 0 {
		return "", nil
	}
	b, err := json.Marshal(idx)
	if err != nil {
		return "", fmt.Errorf("marshaling index state: %w", err)
	}
	return string(b), nil
}

func unmarshalIndex(raw string) (IndexState, error) {
	if raw == "" {
		return IndexState{}, nil
	}
	var idx IndexState
	if err := json.Unmarshal([]byte(raw), &idx); err != nil {
		return IndexState{}, err
	}
	return idx, nil
}

// --- Documents ---

func (s *Store) SaveDocument(d Document) error {
	spansJSON, err := marshalSpans(d.PageSpans)
	if err != nil {
		return err
	}
	status := d.Status
	if status == "" {
		status = DocStatusUploaded
	}
	now := time.Now().UTC()
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := d.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}
	_, err = s.db.Exec(`
		INSERT INTO documents (id, patient_id, owner_user_id, display_name, status, status_message, content, page_spans, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.PatientID, d.OwnerUserID, d.DisplayName, status, d.StatusMessage,
		d.Content, spansJSON, createdAt.Format(time.RFC3339), updatedAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetDocument(ownerUserID, patientID, documentID string) (Document, error) {
	row := s.db.QueryRow(`
		SELECT id, patient_id, owner_user_id, display_name, status, status_message, content, page_spans, created_at, updated_at
		FROM documents WHERE id = ? AND patient_id = ? AND owner_user_id = ?`,
		documentID, patientID, ownerUserID,
	)
	return scanDocument(row)
}

func (s *Store) GetDocumentsForPatient(ownerUserID, patientID string) ([]Document, error) {
	rows, err := s.db.Query(`
		SELECT id, patient_id, owner_user_id, display_name, status, status_message, content, page_spans, created_at, updated_at
		FROM documents WHERE patient_id = ? AND owner_user_id = ? ORDER BY created_at ASC`,
		patientID, ownerUserID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpdateDocumentStatus sets the document's status and status message.
func (s *Store) UpdateDocumentStatus(documentID, status, message string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE documents SET status = ?, status_message = ?, updated_at = ? WHERE id = ?`,
		status, message, now, documentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDocumentSpans replaces the document's stored page spans.
func (s *Store) UpdateDocumentSpans(documentID string, spans []PageSpan) error {
	spansJSON, err := marshalSpans(spans)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE documents SET page_spans = ?, updated_at = ? WHERE id = ?`,
		spansJSON, now, documentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDocument removes the document row. The caller is responsible for
// removing any index mapping first.
func (s *Store) DeleteDocument(ownerUserID, patientID, documentID string) error {
	res, err := s.db.Exec(`DELETE FROM documents WHERE id = ? AND patient_id = ? AND owner_user_id = ?`,
		documentID, patientID, ownerUserID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var spansJSON, createdAt, updatedAt string
	err := row.Scan(&d.ID, &d.PatientID, &d.OwnerUserID, &d.DisplayName, &d.Status,
		&d.StatusMessage, &d.Content, &spansJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if spansJSON != "" && spansJSON != "[]" {
		if err := json.Unmarshal([]byte(spansJSON), &d.PageSpans); err != nil {
			return Document{}, fmt.Errorf("parsing page spans for document %s: %w", d.ID, err)
		}
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Document{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}

func marshalSpans(spans []PageSpan) (string, error) {
	if len(spans) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(spans)
	if err != nil {
		return "", fmt.Errorf("marshaling page spans: %w", err)
	}
	return string(b), nil
}
