package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"

	"github.com/me/vmsched/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", dbPath)
	}
	// An in-memory database lives as long as its connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pragma wal")
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pragma fk")
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// Cycle counts are stored bit-for-bit in SQLite's signed 64-bit integers.
func cyclesIn(v uint64) int64  { return int64(v) }
func cyclesOut(v int64) uint64 { return uint64(v) }

// timeFormat keeps fractional seconds fixed-width so stored timestamps sort
// lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.Format(timeFormat)
	return &v
}

func parseTime(v *string) *time.Time {
	if v == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *v)
	if err != nil {
		return nil
	}
	return &t
}

// --- Verification CRUD ---

func (s *SQLiteStore) CreateVerification(ctx context.Context, v *model.Verification) error {
	s.logger.Debug("sql", "op", "insert", "table", "verifications", "id", v.ID)

	limitsJSON, err := json.Marshal(v.Limits)
	if err != nil {
		return errors.Wrap(err, "marshal limits")
	}
	if v.Transaction == nil {
		return errors.Newf("verification %s has no transaction", v.ID)
	}
	txJSON, err := json.Marshal(v.Transaction)
	if err != nil {
		return errors.Wrap(err, "marshal transaction")
	}
	reportsJSON, err := json.Marshal(reportsOrEmpty(v.Groups))
	if err != nil {
		return errors.Wrap(err, "marshal reports")
	}
	state := v.State
	if state == "" {
		state = model.VerificationStatePending
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO verifications (id, tx_hash, state, limits, tx_json, cycles, reports, error, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.TxHash.String(), string(state), string(limitsJSON), string(txJSON),
		cyclesIn(v.Cycles), string(reportsJSON), v.Error,
		v.CreatedAt.Format(timeFormat), formatTime(v.StartedAt), formatTime(v.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) GetVerification(ctx context.Context, id string) (*model.Verification, error) {
	s.logger.Debug("sql", "op", "select", "table", "verifications", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT `+verificationColumns+` FROM verifications WHERE id = ?`, id)
	v, err := s.scanVerification(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

func (s *SQLiteStore) ListVerifications(ctx context.Context, opts model.ListOptions) ([]*model.Verification, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "verifications", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	whereSQL := ""
	var countArgs []any
	if opts.State != "" {
		whereSQL = " WHERE state = ?"
		countArgs = append(countArgs, opts.State)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM verifications`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listArgs := append(countArgs, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+verificationColumns+` FROM verifications`+whereSQL+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	vs, err := s.scanVerifications(rows)
	if err != nil {
		return nil, 0, err
	}
	return vs, total, nil
}

func (s *SQLiteStore) UpdateVerification(ctx context.Context, v *model.Verification) error {
	s.logger.Debug("sql", "op", "update", "table", "verifications", "id", v.ID, "state", v.State)

	reportsJSON, err := json.Marshal(reportsOrEmpty(v.Groups))
	if err != nil {
		return errors.Wrap(err, "marshal reports")
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE verifications SET state=?, cycles=?, reports=?, error=?, started_at=?, completed_at=? WHERE id=?`,
		string(v.State), cyclesIn(v.Cycles), string(reportsJSON), v.Error,
		formatTime(v.StartedAt), formatTime(v.CompletedAt), v.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errors.Newf("verification %s not found", v.ID)
	}
	return nil
}

func (s *SQLiteStore) ClaimVerification(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	s.logger.Debug("sql", "op", "claim", "table", "verifications", "id", id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE verifications SET state = 'RUNNING', started_at = ? WHERE id = ? AND state = 'PENDING'`,
		formatTime(&startedAt), id,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) GetVerificationsByState(ctx context.Context, state model.VerificationState) ([]*model.Verification, error) {
	s.logger.Debug("sql", "op", "list_by_state", "table", "verifications", "state", state)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+verificationColumns+` FROM verifications WHERE state = ? ORDER BY created_at, id`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanVerifications(rows)
}

func reportsOrEmpty(r []model.GroupReport) []model.GroupReport {
	if r == nil {
		return []model.GroupReport{}
	}
	return r
}

// --- Checkpoint operations ---

func (s *SQLiteStore) CreateCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	s.logger.Debug("sql", "op", "insert", "table", "checkpoints", "id", cp.ID,
		"verification_id", cp.VerificationID, "size", humanize.Bytes(uint64(len(cp.State))))

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, verification_id, group_hash, cycles, size, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.VerificationID, cp.GroupHash.String(), cyclesIn(cp.Cycles), cp.Size, cp.State,
		cp.CreatedAt.Format(timeFormat),
	)
	return err
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (*model.Checkpoint, error) {
	s.logger.Debug("sql", "op", "select", "table", "checkpoints", "id", id)

	var cp model.Checkpoint
	var groupHash, createdAt string
	var cycles int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, verification_id, group_hash, cycles, size, state, created_at
		 FROM checkpoints WHERE id = ?`, id,
	).Scan(&cp.ID, &cp.VerificationID, &groupHash, &cycles, &cp.Size, &cp.State, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cp.GroupHash, err = model.ParseHash(groupHash); err != nil {
		return nil, errors.Wrap(err, "group hash")
	}
	cp.Cycles = cyclesOut(cycles)
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &cp, nil
}

// ListCheckpoints returns the checkpoints of a verification in creation
// order. State blobs are not loaded.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, verificationID string) ([]*model.Checkpoint, error) {
	s.logger.Debug("sql", "op", "list", "table", "checkpoints", "verification_id", verificationID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, verification_id, group_hash, cycles, size, created_at
		 FROM checkpoints WHERE verification_id = ? ORDER BY created_at, cycles`, verificationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cps []*model.Checkpoint
	for rows.Next() {
		var cp model.Checkpoint
		var groupHash, createdAt string
		var cycles int64
		if err := rows.Scan(&cp.ID, &cp.VerificationID, &groupHash, &cycles, &cp.Size, &createdAt); err != nil {
			return nil, err
		}
		if cp.GroupHash, err = model.ParseHash(groupHash); err != nil {
			return nil, errors.Wrap(err, "group hash")
		}
		cp.Cycles = cyclesOut(cycles)
		cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		cps = append(cps, &cp)
	}
	return cps, rows.Err()
}

// --- scan helpers ---

const verificationColumns = `id, tx_hash, state, limits, tx_json, cycles, reports, error, created_at, started_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanVerification(row scanner) (*model.Verification, error) {
	var v model.Verification
	var txHash, state, limitsJSON, txJSON, reportsJSON, createdAt string
	var cycles int64
	var startedAt, completedAt *string

	if err := row.Scan(&v.ID, &txHash, &state, &limitsJSON, &txJSON, &cycles, &reportsJSON,
		&v.Error, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	var err error
	if v.TxHash, err = model.ParseHash(txHash); err != nil {
		return nil, errors.Wrap(err, "tx hash")
	}
	v.State = model.VerificationState(state)
	v.Cycles = cyclesOut(cycles)
	if err := json.Unmarshal([]byte(limitsJSON), &v.Limits); err != nil {
		return nil, errors.Wrap(err, "unmarshal limits")
	}
	v.Transaction = new(model.MockTransaction)
	if err := json.Unmarshal([]byte(txJSON), v.Transaction); err != nil {
		return nil, errors.Wrap(err, "unmarshal transaction")
	}
	if err := json.Unmarshal([]byte(reportsJSON), &v.Groups); err != nil {
		return nil, errors.Wrap(err, "unmarshal reports")
	}
	v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	v.StartedAt = parseTime(startedAt)
	v.CompletedAt = parseTime(completedAt)
	return &v, nil
}

func (s *SQLiteStore) scanVerifications(rows *sql.Rows) ([]*model.Verification, error) {
	var vs []*model.Verification
	for rows.Next() {
		v, err := s.scanVerification(rows)
		if err != nil {
			return nil, err
		}
		vs = append(vs, v)
	}
	return vs, rows.Err()
}
