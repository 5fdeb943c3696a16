package localdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/vaultkeep/repair/internal/repair"
	"github.com/vaultkeep/repair/internal/volume"
)

func (db *DB) CreateFileset(ctx context.Context, tx repair.Tx, t time.Time, isFullBackup bool) (int64, error) {
	isFull := 0
	if isFullBackup {
		isFull = 1
	}
	res, err := db.execer(tx).ExecContext(ctx,
		`INSERT INTO filesets(time, is_full) VALUES(?, ?)`, timeToUnix(t), isFull)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (db *DB) LinkFilesetToVolume(ctx context.Context, tx repair.Tx, filesetID, volumeID int64) error {
	_, err := db.execer(tx).ExecContext(ctx,
		`UPDATE filesets SET remote_volume_id = ? WHERE id = ?`, volumeID, filesetID)
	return err
}

func (db *DB) GetFilesetIdFromRemotename(ctx context.Context, name string) (int64, bool, error) {
	var id int64
	err := db.raw.QueryRowContext(ctx,
		`SELECT f.id FROM filesets f JOIN remote_volumes v ON f.remote_volume_id = v.id WHERE v.name = ?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (db *DB) FilesetTimes(ctx context.Context) ([]repair.FilesetTime, error) {
	rows, err := db.raw.QueryContext(ctx, `SELECT id, time, is_full FROM filesets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []repair.FilesetTime
	for rows.Next() {
		var ft repair.FilesetTime
		var t int64
		var isFull int
		if err := rows.Scan(&ft.FilesetID, &t, &isFull); err != nil {
			return nil, err
		}
		ft.Time = unixToTime(t)
		ft.IsFullBackup = isFull != 0
		out = append(out, ft)
	}
	return out, rows.Err()
}

func (db *DB) IsFilesetFullBackup(ctx context.Context, filesetID int64) (bool, error) {
	var isFull int
	err := db.raw.QueryRowContext(ctx, `SELECT is_full FROM filesets WHERE id = ?`, filesetID).Scan(&isFull)
	if err != nil {
		return false, err
	}
	return isFull != 0, nil
}

func (db *DB) GetRemoteVolumeFromFilesetID(ctx context.Context, filesetID int64) (*repair.RemoteVolume, error) {
	row := db.raw.QueryRowContext(ctx,
		`SELECT `+remoteVolumeColumnsV+` FROM remote_volumes v JOIN filesets f ON f.remote_volume_id = v.id WHERE f.id = ?`, filesetID)
	rv, err := scanRemoteVolumeQualified(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rv, nil
}

// remoteVolumeColumnsV is remoteVolumeColumns with every column
// qualified by "v.", for queries that join remote_volumes (as v) with
// filesets, whose time column would otherwise be ambiguous.
const remoteVolumeColumnsV = "v.id, v.name, v.kind, v.size, v.hash, v.state, v.compression, v.encryption, v.time"

// scanRemoteVolumeQualified is identical to scanRemoteVolume; kept
// distinct because callers that prefix the column list with "v." (to
// disambiguate a JOIN) still match positionally the same way.
func scanRemoteVolumeQualified(row interface{ Scan(...interface{}) error }) (repair.RemoteVolume, error) {
	return scanRemoteVolume(row)
}

func (db *DB) MaxFilesetTime(ctx context.Context) (time.Time, bool, error) {
	var t sql.NullInt64
	err := db.raw.QueryRowContext(ctx, `SELECT MAX(time) FROM filesets`).Scan(&t)
	if err != nil {
		return time.Time{}, false, err
	}
	if !t.Valid {
		return time.Time{}, false, nil
	}
	return unixToTime(t.Int64), true, nil
}

func (db *DB) MissingRemoteFilesets(ctx context.Context) ([]int64, error) {
	rows, err := db.raw.QueryContext(ctx, `SELECT id FROM filesets WHERE remote_volume_id IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (db *DB) MissingLocalFilesets(ctx context.Context) ([]repair.RemoteVolume, error) {
	rows, err := db.raw.QueryContext(ctx,
		`SELECT `+remoteVolumeColumnsV+` FROM remote_volumes v
		 LEFT JOIN filesets f ON f.remote_volume_id = v.id
		 WHERE v.kind = ? AND f.id IS NULL AND v.state IN (?, ?)`,
		kindToInt(volume.KindFiles), stateToInt(volume.StateUploaded), stateToInt(volume.StateVerified))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []repair.RemoteVolume
	for rows.Next() {
		rv, err := scanRemoteVolume(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

func (db *DB) EmptyIndexFiles(ctx context.Context) ([]repair.RemoteVolume, error) {
	rows, err := db.raw.QueryContext(ctx,
		`SELECT v.`+remoteVolumeColumns+` FROM remote_volumes v
		 WHERE v.kind = ? AND NOT EXISTS (SELECT 1 FROM index_block_links l WHERE l.index_volume_id = v.id)`,
		kindToInt(volume.KindIndex))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []repair.RemoteVolume
	for rows.Next() {
		rv, err := scanRemoteVolume(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

func (db *DB) GetLastIncompleteFilesetVolume(ctx context.Context) (*repair.RemoteVolume, error) {
	row := db.raw.QueryRowContext(ctx,
		`SELECT `+remoteVolumeColumns+` FROM remote_volumes WHERE kind = ? AND state = ? ORDER BY time DESC LIMIT 1`,
		kindToInt(volume.KindFiles), stateToInt(volume.StateUploading))
	rv, err := scanRemoteVolume(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rv, nil
}

func (db *DB) GetFilesetsWithMissingFiles(ctx context.Context) ([]int64, error) {
	rows, err := db.raw.QueryContext(ctx,
		`SELECT DISTINCT fe.fileset_id FROM file_entries fe
		 WHERE fe.block_hash != '' AND NOT EXISTS (
		   SELECT 1 FROM blocks b WHERE b.hash = fe.block_hash AND b.size = fe.block_size
		 )`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (db *DB) DeleteFilesetEntries(ctx context.Context, tx repair.Tx, filesetID int64) error {
	_, err := db.execer(tx).ExecContext(ctx, `DELETE FROM file_entries WHERE fileset_id = ?`, filesetID)
	return err
}

func (db *DB) WriteFileset(ctx context.Context, tx repair.Tx, filesetID int64, fs *volume.Fileset) error {
	ex := db.execer(tx)
	for _, fe := range fs.Entries {
		hash, size, isList := "", int64(0), 0
		if fe.BlockList.Hash != "" {
			hash, size, isList = string(fe.BlockList.Hash), fe.BlockList.Size, 1
		} else if fe.SingleBlock.Hash != "" {
			hash, size = string(fe.SingleBlock.Hash), fe.SingleBlock.Size
		}
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO file_entries(fileset_id, path, size, mode, modtime, block_hash, block_size, is_blocklist)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			filesetID, fe.Path, fe.Size, fe.Mode, timeToUnix(fe.ModTime), hash, size, isList); err != nil {
			return err
		}
	}
	return nil
}

// FilesetEntries implements repair.FilesetEntryLoader.
func (db *DB) FilesetEntries(ctx context.Context, filesetID int64) ([]volume.FileEntry, error) {
	rows, err := db.raw.QueryContext(ctx,
		`SELECT path, size, mode, modtime, block_hash, block_size, is_blocklist FROM file_entries WHERE fileset_id = ?`, filesetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []volume.FileEntry
	for rows.Next() {
		var fe volume.FileEntry
		var modtime int64
		var hash string
		var size int64
		var isList int
		if err := rows.Scan(&fe.Path, &fe.Size, &fe.Mode, &modtime, &hash, &size, &isList); err != nil {
			return nil, err
		}
		fe.ModTime = unixToTime(modtime)
		ref := refOf(hash, size)
		if isList != 0 {
			fe.BlockList = ref
		} else {
			fe.SingleBlock = ref
		}
		out = append(out, fe)
	}
	return out, rows.Err()
}
