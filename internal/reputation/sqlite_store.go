// Package reputation implements the persistent per-(miner,job) score,
// participation ledger, and round archive, backed by sqlite in WAL mode.
package reputation

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"subnetvalidator/internal/validatorcore"
	apperrors "subnetvalidator/pkg/errors"
	"subnetvalidator/pkg/retry"
)

// isLockTransient reports whether err is a sqlite "database is locked"/"busy"
// condition, the only class of write failure worth retrying: WAL mode still
// serializes writers, and a concurrent checkpoint or archive can briefly hold
// the write lock.
func isLockTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	pair_address TEXT NOT NULL,
	vault_address TEXT NOT NULL,
	chain_id INTEGER NOT NULL,
	active INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rounds (
	round_id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	round_type TEXT NOT NULL,
	start_block INTEGER NOT NULL,
	end_block INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS predictions (
	round_id TEXT NOT NULL,
	miner_id TEXT NOT NULL,
	accepted INTEGER NOT NULL,
	raw_score TEXT NOT NULL,
	normalized_rank INTEGER NOT NULL,
	data TEXT NOT NULL,
	checksum BLOB NOT NULL,
	PRIMARY KEY (round_id, miner_id)
);

CREATE TABLE IF NOT EXISTS miner_scores (
	job_id TEXT NOT NULL,
	miner_id TEXT NOT NULL,
	eval_ema TEXT NOT NULL,
	live_ema TEXT NOT NULL,
	combined TEXT NOT NULL,
	has_eval_ema INTEGER NOT NULL,
	has_live_ema INTEGER NOT NULL,
	last_eval_at INTEGER NOT NULL,
	last_live_at INTEGER NOT NULL,
	PRIMARY KEY (job_id, miner_id)
);

CREATE TABLE IF NOT EXISTS participation (
	miner_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	utc_date TEXT NOT NULL,
	PRIMARY KEY (miner_id, job_id, utc_date)
);

CREATE TABLE IF NOT EXISTS live_executions (
	round_id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	miner_id TEXT NOT NULL,
	submitted_at INTEGER NOT NULL,
	status TEXT NOT NULL
);
`

// Store is the sqlite-backed Reputation Store. EMA updates for a single
// job_id are serialized via a per-job mutex; cross-job updates proceed
// independently.
type Store struct {
	db     *sql.DB
	scorer validatorcore.Scorer

	jobLocksMu sync.Mutex
	jobLocks   map[string]*sync.Mutex
}

// NewStore opens (creating if absent) a writable WAL-mode reputation
// database at dbPath and applies the schema.
func NewStore(dbPath string, scorer validatorcore.Scorer) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open reputation database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping reputation database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{
		db:       db,
		scorer:   scorer,
		jobLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lockFor(jobID string) *sync.Mutex {
	s.jobLocksMu.Lock()
	defer s.jobLocksMu.Unlock()
	l, ok := s.jobLocks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.jobLocks[jobID] = l
	}
	return l
}

// GetScores returns every MinerScore row for jobID.
func (s *Store) GetScores(ctx context.Context, jobID string) ([]validatorcore.MinerScore, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT miner_id, eval_ema, live_ema, combined, has_eval_ema, has_live_ema, last_eval_at, last_live_at
FROM miner_scores WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrReputationStore, err)
	}
	defer rows.Close()

	var out []validatorcore.MinerScore
	for rows.Next() {
		var (
			minerID                        string
			evalEMA, liveEMA, combined     string
			hasEval, hasLive               int
			lastEvalAt, lastLiveAt         int64
		)
		if err := rows.Scan(&minerID, &evalEMA, &liveEMA, &combined, &hasEval, &hasLive, &lastEvalAt, &lastLiveAt); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", apperrors.ErrReputationStore, err)
		}
		out = append(out, validatorcore.MinerScore{
			MinerID:    minerID,
			JobID:      jobID,
			EvalEMA:    mustDecimal(evalEMA),
			LiveEMA:    mustDecimal(liveEMA),
			Combined:   mustDecimal(combined),
			HasEvalEMA: hasEval != 0,
			HasLiveEMA: hasLive != 0,
			LastEvalAt: time.Unix(0, lastEvalAt),
			LastLiveAt: time.Unix(0, lastLiveAt),
		})
	}
	return out, rows.Err()
}

// UpdateScores folds each update's raw score into its miner's EMA state
// under jobID's write lock, a single transaction per call.
func (s *Store) UpdateScores(ctx context.Context, jobID string, updates []validatorcore.ScoreUpdate) error {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	return retry.Do(ctx, retry.SQLiteBusyPolicy, isLockTransient, func() error {
		return s.updateScoresTx(ctx, jobID, updates)
	})
}

func (s *Store) updateScoresTx(ctx context.Context, jobID string, updates []validatorcore.ScoreUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", apperrors.ErrReputationStore, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, u := range updates {
		current, err := s.getScoreTx(ctx, tx, jobID, u.MinerID)
		if err != nil {
			return err
		}
		next := s.scorer.UpdateEMA(current, u.RoundType, u.Score, u.At)

		_, err = tx.ExecContext(ctx, `
INSERT INTO miner_scores (job_id, miner_id, eval_ema, live_ema, combined, has_eval_ema, has_live_ema, last_eval_at, last_live_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id, miner_id) DO UPDATE SET
	eval_ema=excluded.eval_ema, live_ema=excluded.live_ema, combined=excluded.combined,
	has_eval_ema=excluded.has_eval_ema, has_live_ema=excluded.has_live_ema,
	last_eval_at=excluded.last_eval_at, last_live_at=excluded.last_live_at`,
			jobID, u.MinerID, next.EvalEMA.String(), next.LiveEMA.String(), next.Combined.String(),
			boolToInt(next.HasEvalEMA), boolToInt(next.HasLiveEMA), next.LastEvalAt.UnixNano(), next.LastLiveAt.UnixNano())
		if err != nil {
			return fmt.Errorf("%w: upsert score: %v", apperrors.ErrReputationStore, err)
		}
	}

	return tx.Commit()
}

func (s *Store) getScoreTx(ctx context.Context, tx *sql.Tx, jobID, minerID string) (validatorcore.MinerScore, error) {
	row := tx.QueryRowContext(ctx, `
SELECT eval_ema, live_ema, combined, has_eval_ema, has_live_ema, last_eval_at, last_live_at
FROM miner_scores WHERE job_id = ? AND miner_id = ?`, jobID, minerID)

	var (
		evalEMA, liveEMA, combined string
		hasEval, hasLive           int
		lastEvalAt, lastLiveAt     int64
	)
	err := row.Scan(&evalEMA, &liveEMA, &combined, &hasEval, &hasLive, &lastEvalAt, &lastLiveAt)
	if err == sql.ErrNoRows {
		return validatorcore.MinerScore{MinerID: minerID, JobID: jobID}, nil
	}
	if err != nil {
		return validatorcore.MinerScore{}, fmt.Errorf("%w: scan current score: %v", apperrors.ErrReputationStore, err)
	}

	return validatorcore.MinerScore{
		MinerID:    minerID,
		JobID:      jobID,
		EvalEMA:    mustDecimal(evalEMA),
		LiveEMA:    mustDecimal(liveEMA),
		Combined:   mustDecimal(combined),
		HasEvalEMA: hasEval != 0,
		HasLiveEMA: hasLive != 0,
		LastEvalAt: time.Unix(0, lastEvalAt),
		LastLiveAt: time.Unix(0, lastLiveAt),
	}, nil
}

// RecordParticipation marks that minerID responded non-refusal in an
// evaluation round on utcDate for jobID. Idempotent.
func (s *Store) RecordParticipation(ctx context.Context, minerID, jobID, utcDate string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO participation (miner_id, job_id, utc_date) VALUES (?, ?, ?)`, minerID, jobID, utcDate)
	if err != nil {
		return fmt.Errorf("%w: record participation: %v", apperrors.ErrReputationStore, err)
	}
	return nil
}

// ArchiveRound persists a completed round and its predictions, checksummed
// the way the engine store does for its state blob.
func (s *Store) ArchiveRound(ctx context.Context, round validatorcore.Round, predictions []validatorcore.Prediction) error {
	return retry.Do(ctx, retry.SQLiteBusyPolicy, isLockTransient, func() error {
		return s.archiveRoundTx(ctx, round, predictions)
	})
}

func (s *Store) archiveRoundTx(ctx context.Context, round validatorcore.Round, predictions []validatorcore.Prediction) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", apperrors.ErrReputationStore, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT OR REPLACE INTO rounds (round_id, job_id, round_type, start_block, end_block, started_at, finished_at, status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		round.RoundID, round.JobID, string(round.RoundType), round.StartBlock, round.EndBlock,
		round.StartedAt.UnixNano(), round.FinishedAt.UnixNano(), string(round.Status))
	if err != nil {
		return fmt.Errorf("%w: insert round: %v", apperrors.ErrReputationStore, err)
	}

	for _, p := range predictions {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("%w: marshal prediction: %v", apperrors.ErrReputationStore, err)
		}
		checksum := sha256.Sum256(data)

		_, err = tx.ExecContext(ctx, `
INSERT OR REPLACE INTO predictions (round_id, miner_id, accepted, raw_score, normalized_rank, data, checksum)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.RoundID, p.MinerID, boolToInt(p.Accepted), p.RawScore.String(), p.NormalizedRank, string(data), checksum[:])
		if err != nil {
			return fmt.Errorf("%w: insert prediction: %v", apperrors.ErrReputationStore, err)
		}
	}

	return tx.Commit()
}

// ListEligible returns miners with participation on each of the 7 calendar
// days ending at asOf (inclusive).
func (s *Store) ListEligible(ctx context.Context, jobID string, asOf time.Time) ([]string, error) {
	days := make([]string, 7)
	for i := 0; i < 7; i++ {
		days[i] = asOf.AddDate(0, 0, -i).UTC().Format("2006-01-02")
	}

	args := make([]interface{}, 0, len(days)+1)
	args = append(args, jobID)
	placeholders := ""
	for i, d := range days {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, d)
	}

	query := fmt.Sprintf(`
SELECT miner_id FROM participation
WHERE job_id = ? AND utc_date IN (%s)
GROUP BY miner_id
HAVING COUNT(DISTINCT utc_date) = %d`, placeholders, len(days))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list eligible: %v", apperrors.ErrReputationStore, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var minerID string
		if err := rows.Scan(&minerID); err != nil {
			return nil, fmt.Errorf("%w: scan eligible: %v", apperrors.ErrReputationStore, err)
		}
		out = append(out, minerID)
	}
	return out, rows.Err()
}

// RecordLiveExecution idempotently inserts a "pending" live_executions row
// for roundID. It reports alreadyDone = true when a row already exists with
// status "submitted", so the Live Gate can skip a redundant sink call.
func (s *Store) RecordLiveExecution(ctx context.Context, roundID, jobID, minerID, status string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin tx: %v", apperrors.ErrReputationStore, err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT status FROM live_executions WHERE round_id = ?`, roundID).Scan(&existing)
	switch err {
	case nil:
		if existing == "submitted" {
			return true, tx.Commit()
		}
		return false, tx.Commit()
	case sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
INSERT INTO live_executions (round_id, job_id, miner_id, submitted_at, status)
VALUES (?, ?, ?, ?, ?)`, roundID, jobID, minerID, at.UnixNano(), status)
		if err != nil {
			return false, fmt.Errorf("%w: insert live execution: %v", apperrors.ErrReputationStore, err)
		}
		return false, tx.Commit()
	default:
		return false, fmt.Errorf("%w: query live execution: %v", apperrors.ErrReputationStore, err)
	}
}

// MarkLiveExecutionSubmitted transitions roundID's live_executions row to
// "submitted" after a successful sink call.
func (s *Store) MarkLiveExecutionSubmitted(ctx context.Context, roundID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE live_executions SET status = 'submitted' WHERE round_id = ?`, roundID)
	if err != nil {
		return fmt.Errorf("%w: mark live execution submitted: %v", apperrors.ErrReputationStore, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
