package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/store"
)

const fabricColumns = `id, enabled, git_url, git_branch, base_path, fabric_endpoint, sync_interval_ms,
	direction, drift_policy, sync_status, last_sync, sync_error, lease_holder, lease_expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFabric(row rowScanner) (store.Fabric, error) {
	var (
		fabric         store.Fabric
		enabled        int
		intervalMillis int64
		direction      string
		driftPolicy    string
		syncStatus     string
		lastSync       sql.NullInt64
		leaseExpiresAt sql.NullInt64
	)
	if err := row.Scan(
		&fabric.ID,
		&enabled,
		&fabric.GitURL,
		&fabric.GitBranch,
		&fabric.BasePath,
		&fabric.FabricEndpoint,
		&intervalMillis,
		&direction,
		&driftPolicy,
		&syncStatus,
		&lastSync,
		&fabric.SyncError,
		&fabric.LeaseHolder,
		&leaseExpiresAt,
	); err != nil {
		return store.Fabric{}, err
	}
	fabric.Enabled = enabled != 0
	fabric.SyncInterval = time.Duration(intervalMillis) * time.Millisecond
	fabric.Direction = store.Direction(direction)
	fabric.DriftPolicy = store.DriftPolicy(driftPolicy)
	fabric.SyncStatus = store.SyncStatus(syncStatus)
	fabric.LastSync = fromNullNanos(lastSync)
	fabric.LeaseExpiresAt = fromNullNanos(leaseExpiresAt)
	return fabric, nil
}

func (s *Store) UpsertFabric(ctx context.Context, fabric store.Fabric) error {
	if fabric.ID == "" {
		return faults.Validation("fabric id must not be empty", nil)
	}
	if fabric.SyncInterval < time.Second {
		return faults.Validation(fmt.Sprintf("fabric %q sync interval must be at least 1s", fabric.ID), nil)
	}
	direction := fabric.Direction
	if direction == "" {
		direction = store.DirectionBidirectional
	}
	enabled := 0
	if fabric.Enabled {
		enabled = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fabrics (id, enabled, git_url, git_branch, base_path, fabric_endpoint, sync_interval_ms, direction, drift_policy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enabled = excluded.enabled,
			git_url = excluded.git_url,
			git_branch = excluded.git_branch,
			base_path = excluded.base_path,
			fabric_endpoint = excluded.fabric_endpoint,
			sync_interval_ms = excluded.sync_interval_ms,
			direction = excluded.direction,
			drift_policy = excluded.drift_policy
	`,
		fabric.ID,
		enabled,
		fabric.GitURL,
		fabric.GitBranch,
		fabric.BasePath,
		fabric.FabricEndpoint,
		fabric.SyncInterval.Milliseconds(),
		string(direction),
		string(fabric.DriftPolicy.OrDefault()),
	)
	if err != nil {
		return faults.Internal(fmt.Sprintf("failed to upsert fabric %q", fabric.ID), err)
	}
	return nil
}

func (s *Store) GetFabric(ctx context.Context, id string) (store.Fabric, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fabricColumns+` FROM fabrics WHERE id = ?`, id)
	fabric, err := scanFabric(row)
	if err != nil {
		if isNoRows(err) {
			return store.Fabric{}, faults.NotFound(fmt.Sprintf("fabric %q not found", id))
		}
		return store.Fabric{}, faults.Internal(fmt.Sprintf("failed to read fabric %q", id), err)
	}
	return fabric, nil
}

func (s *Store) ListFabrics(ctx context.Context) ([]store.Fabric, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+fabricColumns+` FROM fabrics ORDER BY id`)
	if err != nil {
		return nil, faults.Internal("failed to list fabrics", err)
	}
	defer rows.Close()

	var fabrics []store.Fabric
	for rows.Next() {
		fabric, err := scanFabric(rows)
		if err != nil {
			return nil, faults.Internal("failed to scan fabric", err)
		}
		fabrics = append(fabrics, fabric)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Internal("failed to list fabrics", err)
	}
	return fabrics, nil
}

func (s *Store) AcquireLease(ctx context.Context, fabricID string, holder string, now time.Time, ttl time.Duration) (bool, error) {
	if holder == "" {
		return false, faults.Validation("lease holder must not be empty", nil)
	}

	acquired := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE fabrics
			SET lease_holder = ?, lease_expires_at = ?, sync_status = ?
			WHERE id = ? AND (lease_holder = '' OR lease_expires_at IS NULL OR lease_expires_at <= ?)
		`, holder, toNanos(now.Add(ttl)), string(store.StatusSyncing), fabricID, toNanos(now))
		if err != nil {
			return faults.Internal(fmt.Sprintf("failed to acquire lease for fabric %q", fabricID), err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return faults.Internal("failed to inspect lease update", err)
		}
		if affected == 1 {
			acquired = true
			return nil
		}

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM fabrics WHERE id = ?`, fabricID).Scan(&exists); err != nil {
			if isNoRows(err) {
				return faults.NotFound(fmt.Sprintf("fabric %q not found", fabricID))
			}
			return faults.Internal(fmt.Sprintf("failed to read fabric %q", fabricID), err)
		}
		return nil
	})
	return acquired, err
}

func (s *Store) ReleaseLease(ctx context.Context, fabricID string, holder string, previous store.SyncStatus) error {
	if previous == "" || previous == store.StatusSyncing {
		previous = store.StatusNeverSynced
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE fabrics SET lease_holder = '', lease_expires_at = NULL, sync_status = ?
		WHERE id = ? AND lease_holder = ?
	`, string(previous), fabricID, holder)
	if err != nil {
		return faults.Internal(fmt.Sprintf("failed to release lease for fabric %q", fabricID), err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, fabricID string, holder string, update store.StatusUpdate, run store.SyncRun) error {
	if update.Status == store.StatusSyncing || update.Status == "" {
		return faults.Validation(fmt.Sprintf("run must finish with a final status, got %q", update.Status), nil)
	}
	errorsJSON, err := json.Marshal(nonNilStrings(run.Errors))
	if err != nil {
		return faults.Internal("failed to encode run errors", err)
	}

	leaseLost := false
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE fabrics
			SET sync_status = ?, last_sync = ?, sync_error = ?, lease_holder = '', lease_expires_at = NULL
			WHERE id = ? AND lease_holder = ?
		`, string(update.Status), toNanos(update.LastSync), update.SyncError, fabricID, holder)
		if err != nil {
			return faults.Internal(fmt.Sprintf("failed to update status of fabric %q", fabricID), err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return faults.Internal("failed to inspect status update", err)
		}
		leaseLost = affected == 0

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_runs (id, fabric_id, run_trigger, started_at, finished_at, outcome,
				processed, created, updated, errored, drifted, skipped, errors)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			run.ID, fabricID, string(run.Trigger), toNanos(run.StartedAt), toNanos(run.FinishedAt), string(run.Outcome),
			run.Processed, run.Created, run.Updated, run.Errored, run.Drifted, run.Skipped, string(errorsJSON),
		)
		if err != nil {
			return faults.Internal(fmt.Sprintf("failed to record sync run for fabric %q", fabricID), err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if leaseLost {
		return faults.Conflict(fmt.Sprintf("lease for fabric %q was lost before the run finished", fabricID), nil)
	}
	return nil
}

func (s *Store) RecoverStaleLeases(ctx context.Context, now time.Time) ([]string, error) {
	var recovered []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM fabrics
			WHERE sync_status = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
			ORDER BY id
		`, string(store.StatusSyncing), toNanos(now))
		if err != nil {
			return faults.Internal("failed to query stale leases", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return faults.Internal("failed to scan stale lease", err)
			}
			recovered = append(recovered, id)
		}
		if err := rows.Close(); err != nil {
			return faults.Internal("failed to query stale leases", err)
		}

		for _, id := range recovered {
			if _, err := tx.ExecContext(ctx, `
				UPDATE fabrics
				SET sync_status = ?, sync_error = ?, lease_holder = '', lease_expires_at = NULL
				WHERE id = ?
			`, string(store.StatusPartialSync), "sync interrupted: lease expired before the run finished", id); err != nil {
				return faults.Internal(fmt.Sprintf("failed to recover stale lease of fabric %q", id), err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recovered, nil
}

func (s *Store) LatestSyncRun(ctx context.Context, fabricID string) (store.SyncRun, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, fabric_id, run_trigger, started_at, finished_at, outcome,
			processed, created, updated, errored, drifted, skipped, errors
		FROM sync_runs WHERE fabric_id = ?
		ORDER BY started_at DESC LIMIT 1
	`, fabricID)

	var (
		run        store.SyncRun
		trigger    string
		outcome    string
		startedAt  int64
		finishedAt int64
		errorsJSON string
	)
	err := row.Scan(
		&run.ID, &run.FabricID, &trigger, &startedAt, &finishedAt, &outcome,
		&run.Processed, &run.Created, &run.Updated, &run.Errored, &run.Drifted, &run.Skipped, &errorsJSON,
	)
	if err != nil {
		if isNoRows(err) {
			return store.SyncRun{}, false, nil
		}
		return store.SyncRun{}, false, faults.Internal(fmt.Sprintf("failed to read latest run of fabric %q", fabricID), err)
	}
	run.Trigger = store.Trigger(trigger)
	run.Outcome = store.SyncStatus(outcome)
	run.StartedAt = fromNanos(startedAt)
	run.FinishedAt = fromNanos(finishedAt)
	if err := json.Unmarshal([]byte(errorsJSON), &run.Errors); err != nil {
		return store.SyncRun{}, false, faults.Internal("failed to decode run errors", err)
	}
	return run, true, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
