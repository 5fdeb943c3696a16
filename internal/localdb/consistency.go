package localdb

import "context"

// VerifyConsistencyForRepair runs the cheap internal sanity checks the
// engine requires before it will even attempt a repair: every file
// entry must have a nonnegative file size and block size. Anything deeper belongs to the consistency pass
// proper (FixDuplicate*/FixMissing*), which actually mutates rows
// rather than just refusing to proceed.
func (db *DB) VerifyConsistencyForRepair(ctx context.Context) error {
	var n int
	if err := db.raw.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_entries WHERE size < 0 OR block_size < 0`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return &negativeSizeError{n: n}
	}
	return nil
}

type negativeSizeError struct{ n int }

func (e *negativeSizeError) Error() string {
	return "localdb: found negative-sized file or block entries"
}

// FixDuplicateMetahash removes remote_volumes rows that duplicate an
// earlier row's (name) identity, keeping the lowest id. A correctly
// functioning engine never inserts two rows for the same name, but a
// repair that crashed mid-transaction before sqlite's unique index
// existed could have left one; this keeps the fix-up idempotent rather
// than relying solely on the schema constraint.
func (db *DB) FixDuplicateMetahash(ctx context.Context) (int, error) {
	res, err := db.raw.ExecContext(ctx, `
		DELETE FROM remote_volumes WHERE id NOT IN (
			SELECT MIN(id) FROM remote_volumes GROUP BY name
		)`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// FixDuplicateFileentries removes file_entries rows that duplicate an
// earlier row's (fileset_id, path) identity, keeping the lowest id.
func (db *DB) FixDuplicateFileentries(ctx context.Context) (int, error) {
	res, err := db.raw.ExecContext(ctx, `
		DELETE FROM file_entries WHERE id NOT IN (
			SELECT MIN(id) FROM file_entries GROUP BY fileset_id, path
		)`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// FixDuplicateBlocklistHashes removes blocklist_entries rows that
// duplicate an earlier row's (list_hash, list_size, seq) identity,
// keeping the earliest-inserted row (lowest rowid) of each group.
func (db *DB) FixDuplicateBlocklistHashes(ctx context.Context, blocksize int64, blockhashSize int) (int, error) {
	rows, err := db.raw.QueryContext(ctx, `
		SELECT list_hash, list_size, seq, MIN(rowid) FROM blocklist_entries
		GROUP BY list_hash, list_size, seq HAVING COUNT(*) > 1`)
	if err != nil {
		return 0, err
	}
	type dup struct {
		hash    string
		size    int64
		seq     int
		keepRow int64
	}
	var dups []dup
	for rows.Next() {
		var d dup
		if err := rows.Scan(&d.hash, &d.size, &d.seq, &d.keepRow); err != nil {
			rows.Close()
			return 0, err
		}
		dups = append(dups, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	n := 0
	for _, d := range dups {
		res, err := db.raw.ExecContext(ctx,
			`DELETE FROM blocklist_entries WHERE list_hash = ? AND list_size = ? AND seq = ? AND rowid != ?`,
			d.hash, d.size, d.seq, d.keepRow)
		if err != nil {
			return n, err
		}
		affected, _ := res.RowsAffected()
		n += int(affected)
	}
	return n, nil
}

// FixMissingBlocklistHashes is a DB-only no-op: reconstructing a missing
// block-list's blocklist_entries rows needs the original ordered member
// hashes, which the schema discards once a list is written (only the
// list's own combined hash survives in file_entries). Recovering them
// requires re-downloading and re-parsing the volume that produced the
// list, which is the repair-time locator's job, not this cheap
// consistency pass's. This always reports zero fixed rather than
// counting lists it has no way to actually repair.
func (db *DB) FixMissingBlocklistHashes(ctx context.Context, algorithm string, blocksize int64) (int, error) {
	return 0, nil
}
