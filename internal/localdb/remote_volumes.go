package localdb

import (
	"context"
	"database/sql"

	"github.com/vaultkeep/repair/internal/repair"
	"github.com/vaultkeep/repair/internal/volume"
)

const remoteVolumeColumns = "id, name, kind, size, hash, state, compression, encryption, time"

func scanRemoteVolume(row interface{ Scan(...interface{}) error }) (repair.RemoteVolume, error) {
	var rv repair.RemoteVolume
	var kind, state, t int64
	if err := row.Scan(&rv.ID, &rv.Name, &kind, &rv.Size, &rv.Hash, &state, &rv.CompressionModule, &rv.EncryptionModule, &t); err != nil {
		return rv, err
	}
	rv.Kind = intToKind(kind)
	rv.State = intToState(state)
	rv.Time = unixToTime(t)
	return rv, nil
}

func (db *DB) GetRemoteVolumes(ctx context.Context) ([]repair.RemoteVolume, error) {
	rows, err := db.raw.QueryContext(ctx, `SELECT `+remoteVolumeColumns+` FROM remote_volumes`)
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

func (db *DB) GetRemoteVolume(ctx context.Context, name string) (*repair.RemoteVolume, error) {
	row := db.raw.QueryRowContext(ctx, `SELECT `+remoteVolumeColumns+` FROM remote_volumes WHERE name = ?`, name)
	rv, err := scanRemoteVolume(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rv, nil
}

func (db *DB) GetRemoteVolumeID(ctx context.Context, tx repair.Tx, name string) (int64, bool, error) {
	var id int64
	err := db.execer(tx).QueryRowContext(ctx, `SELECT id FROM remote_volumes WHERE name = ?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (db *DB) RegisterRemoteVolume(ctx context.Context, tx repair.Tx, rv repair.RemoteVolume) (int64, error) {
	res, err := db.execer(tx).ExecContext(ctx,
		`INSERT INTO remote_volumes(name, kind, size, hash, state, compression, encryption, time)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		rv.Name, kindToInt(rv.Kind), rv.Size, rv.Hash, stateToInt(rv.State), rv.CompressionModule, rv.EncryptionModule, timeToUnix(rv.Time))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (db *DB) UpdateRemoteVolume(ctx context.Context, tx repair.Tx, id int64, state volume.State, size int64, hash string) error {
	_, err := db.execer(tx).ExecContext(ctx,
		`UPDATE remote_volumes SET state = ?, size = ?, hash = ? WHERE id = ?`,
		stateToInt(state), size, hash, id)
	return err
}

func (db *DB) KnownRemoteVolumeCount(ctx context.Context) (int, error) {
	var n int
	err := db.raw.QueryRowContext(ctx, `SELECT COUNT(*) FROM remote_volumes`).Scan(&n)
	return n, err
}

