package localdb

import (
	"context"

	"github.com/vaultkeep/repair/internal/block"
	"github.com/vaultkeep/repair/internal/repair"
	"github.com/vaultkeep/repair/internal/volume"
)

func refOf(hash string, size int64) block.Ref {
	if hash == "" {
		return block.Ref{}
	}
	return block.Ref{Hash: block.Hash(hash), Size: size}
}

func (db *DB) GetBlockVolumesFromIndexName(ctx context.Context, indexName string) ([]string, error) {
	rows, err := db.raw.QueryContext(ctx,
		`SELECT dv.name FROM index_block_links l
		 JOIN remote_volumes iv ON iv.id = l.index_volume_id
		 JOIN remote_volumes dv ON dv.id = l.data_volume_id
		 WHERE iv.name = ?`, indexName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seen := map[string]bool{}
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, rows.Err()
}

func (db *DB) GetBlocks(ctx context.Context, volumeID int64) ([]block.Ref, error) {
	rows, err := db.raw.QueryContext(ctx, `SELECT hash, size FROM blocks WHERE volume_id = ?`, volumeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []block.Ref
	for rows.Next() {
		var hash string
		var size int64
		if err := rows.Scan(&hash, &size); err != nil {
			return nil, err
		}
		out = append(out, block.Ref{Hash: block.Hash(hash), Size: size})
	}
	return out, rows.Err()
}

func (db *DB) GetBlocklists(ctx context.Context, volumeID int64, blocksize int64, hashSize int) ([]repair.BlockListRecord, error) {
	rows, err := db.raw.QueryContext(ctx,
		`SELECT list_hash, list_size, seq, hash FROM blocklist_entries WHERE volume_id = ? ORDER BY list_hash, list_size, seq`, volumeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	order := []block.Ref{}
	byRef := map[block.Ref][]block.Hash{}
	for rows.Next() {
		var listHash, hash string
		var listSize int64
		var seq int
		if err := rows.Scan(&listHash, &listSize, &seq, &hash); err != nil {
			return nil, err
		}
		ref := block.Ref{Hash: block.Hash(listHash), Size: listSize}
		if _, ok := byRef[ref]; !ok {
			order = append(order, ref)
		}
		byRef[ref] = append(byRef[ref], block.Hash(hash))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]repair.BlockListRecord, 0, len(order))
	for _, ref := range order {
		out = append(out, repair.BlockListRecord{Ref: ref, Hashes: byRef[ref]})
	}
	return out, nil
}

func (db *DB) AddIndexBlockLink(ctx context.Context, tx repair.Tx, indexVolumeID, dataVolumeID int64) error {
	_, err := db.execer(tx).ExecContext(ctx,
		`INSERT INTO index_block_links(index_volume_id, data_volume_id) VALUES(?, ?)`, indexVolumeID, dataVolumeID)
	return err
}

func (db *DB) GetSourceFilesWithBlocks(ctx context.Context, volumeName string) (map[block.Ref][]repair.BlockSourceFile, error) {
	rv, err := db.GetRemoteVolume(ctx, volumeName)
	if err != nil {
		return nil, err
	}
	if rv == nil {
		return map[block.Ref][]repair.BlockSourceFile{}, nil
	}
	rows, err := db.raw.QueryContext(ctx,
		`SELECT bs.hash, bs.size, bs.path, bs.offset FROM block_sources bs
		 JOIN blocks b ON b.hash = bs.hash AND b.size = bs.size
		 WHERE b.volume_id = ?`, rv.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[block.Ref][]repair.BlockSourceFile{}
	for rows.Next() {
		var hash, path string
		var size, offset int64
		if err := rows.Scan(&hash, &size, &path, &offset); err != nil {
			return nil, err
		}
		ref := block.Ref{Hash: block.Hash(hash), Size: size}
		out[ref] = append(out[ref], repair.BlockSourceFile{Path: path, Offset: offset})
	}
	return out, rows.Err()
}

func (db *DB) GetMissingBlockSources(ctx context.Context, ref block.Ref, excludeVolumeName string) ([]string, error) {
	rows, err := db.raw.QueryContext(ctx,
		`SELECT v.name FROM blocks b JOIN remote_volumes v ON v.id = b.volume_id
		 WHERE b.hash = ? AND b.size = ? AND v.name != ? AND v.state IN (?, ?)`,
		string(ref.Hash), ref.Size, excludeVolumeName, stateToInt(volume.StateUploaded), stateToInt(volume.StateVerified))
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

func (db *DB) SetBlockRestored(ctx context.Context, tx repair.Tx, ref block.Ref, dataVolumeID int64) error {
	_, err := db.execer(tx).ExecContext(ctx,
		`INSERT INTO blocks(hash, size, volume_id) VALUES(?, ?, ?)
		 ON CONFLICT(hash, size) DO UPDATE SET volume_id = excluded.volume_id`,
		string(ref.Hash), ref.Size, dataVolumeID)
	return err
}

func (db *DB) GetMissingBlocks(ctx context.Context, volumeName string) ([]block.Ref, error) {
	// "Missing blocks for volumeName" means every (hash,size) pair the
	// blocks table still attributes to that named volume but whose
	// content we don't yet have recovered in this repair run — since
	// this table only ever records where a block *is*, the set the
	// locator must recover is exactly the rows still pointing at the
	// (now-missing) volume's id.
	rv, err := db.GetRemoteVolume(ctx, volumeName)
	if err != nil {
		return nil, err
	}
	if rv == nil {
		return nil, nil
	}
	return db.GetBlocks(ctx, rv.ID)
}

func (db *DB) GetFilesetsUsingMissingBlocks(ctx context.Context, volumeName string) ([]string, error) {
	rv, err := db.GetRemoteVolume(ctx, volumeName)
	if err != nil {
		return nil, err
	}
	if rv == nil {
		return nil, nil
	}
	rows, err := db.raw.QueryContext(ctx,
		`SELECT DISTINCT CAST(fe.fileset_id AS TEXT) FROM file_entries fe
		 JOIN blocks b ON b.hash = fe.block_hash AND b.size = fe.block_size
		 WHERE b.volume_id = ?`, rv.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (db *DB) CheckAllBlocksAreInVolume(ctx context.Context, dataVolumeName string, refs []block.Ref) (bool, error) {
	rv, err := db.GetRemoteVolume(ctx, dataVolumeName)
	if err != nil {
		return false, err
	}
	if rv == nil {
		return false, nil
	}
	for _, ref := range refs {
		var n int
		err := db.raw.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM blocks WHERE hash = ? AND size = ? AND volume_id = ?`,
			string(ref.Hash), ref.Size, rv.ID).Scan(&n)
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
	}
	return true, nil
}

func (db *DB) CheckBlocklistCorrect(ctx context.Context, ref block.Ref, raw []byte, blocksize int64, hashSize int) (bool, error) {
	decoded, err := block.Decode(raw, hashSize)
	if err != nil {
		return false, nil
	}
	reencoded, err := decoded.Encode()
	if err != nil {
		return false, nil
	}
	return string(reencoded) == string(raw), nil
}
