package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SignedKey is a prekey plus its XEdDSA signature, as persisted.
type SignedKey struct {
	ID  int64
	Key []byte
	Sig []byte
}

// PlainKey is a classical one-time prekey, as persisted.
type PlainKey struct {
	ID  int64
	Key []byte
}

// NewIdentity is the full registration payload: everything required to
// insert an identities row plus its initial prekey pools in one
// transaction.
type NewIdentity struct {
	Handle              string
	IK                  []byte
	SPK                 SignedKey
	PQSPK               SignedKey
	OneTimePrekeys      []PlainKey
	OneTimePQKEMPrekeys []SignedKey
}

// IdentityRow is an identities row as read back, minus the prekey pools.
type IdentityRow struct {
	ID                  int64
	Handle              string
	IK                  []byte
	SPK                 SignedKey
	PQSPK               SignedKey
	NotifiedLowPrekeys  bool
}

// InsertIdentity registers a new identity and its initial prekey pools in
// a single transaction. A handle collision rolls back and returns
// ErrConflict.
func (s *Store) InsertIdentity(ctx context.Context, rec NewIdentity) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrDB, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO identities
			(handle, ik, spk, spk_id, spk_sig, pqspk, pqspk_id, pqspk_sig)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Handle, rec.IK,
		rec.SPK.Key, rec.SPK.ID, rec.SPK.Sig,
		rec.PQSPK.Key, rec.PQSPK.ID, rec.PQSPK.Sig,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: insert identity: %v", ErrDB, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", ErrDB, err)
	}
	if n == 0 {
		return 0, ErrConflict
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: last insert id: %v", ErrDB, err)
	}

	if err := insertOneTimePrekeys(ctx, tx, id, rec.OneTimePrekeys); err != nil {
		return 0, err
	}
	if err := insertOneTimePQKEMPrekeys(ctx, tx, id, rec.OneTimePQKEMPrekeys); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrDB, err)
	}
	return id, nil
}

func insertOneTimePrekeys(ctx context.Context, tx *sql.Tx, forID int64, keys []PlainKey) error {
	if len(keys) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO opks (id, "for", key) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: prepare opk insert: %v", ErrDB, err)
	}
	defer stmt.Close()
	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k.ID, forID, k.Key); err != nil {
			return fmt.Errorf("%w: insert opk: %v", ErrDB, err)
		}
	}
	return nil
}

func insertOneTimePQKEMPrekeys(ctx context.Context, tx *sql.Tx, forID int64, keys []SignedKey) error {
	if len(keys) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO pqopks (id, "for", key, sig) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: prepare pqopk insert: %v", ErrDB, err)
	}
	defer stmt.Close()
	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k.ID, forID, k.Key, k.Sig); err != nil {
			return fmt.Errorf("%w: insert pqopk: %v", ErrDB, err)
		}
	}
	return nil
}

// GetIdentityByHandle resolves the identities row for handle, without its
// prekey pools. ErrNotFound if no such handle exists.
func (s *Store) GetIdentityByHandle(ctx context.Context, handle string) (IdentityRow, error) {
	return s.scanIdentity(ctx, `WHERE handle = ?`, handle)
}

// GetIdentityByID resolves the identities row by primary key.
func (s *Store) GetIdentityByID(ctx context.Context, id int64) (IdentityRow, error) {
	return s.scanIdentity(ctx, `WHERE id = ?`, id)
}

func (s *Store) scanIdentity(ctx context.Context, where string, arg interface{}) (IdentityRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, handle, ik, spk, spk_id, spk_sig, pqspk, pqspk_id, pqspk_sig, notified_low_prekeys
		FROM identities `+where, arg)

	var (
		r                          IdentityRow
		spkBytes, pqspkBytes       []byte
		spkSig, pqspkSig           []byte
		spkID, pqspkID             sql.NullInt64
		notified                   int
	)
	if err := row.Scan(&r.ID, &r.Handle, &r.IK, &spkBytes, &spkID, &spkSig, &pqspkBytes, &pqspkID, &pqspkSig, &notified); err != nil {
		if err == sql.ErrNoRows {
			return IdentityRow{}, ErrNotFound
		}
		return IdentityRow{}, fmt.Errorf("%w: scan identity: %v", ErrDB, err)
	}
	r.SPK = SignedKey{ID: spkID.Int64, Key: spkBytes, Sig: spkSig}
	r.PQSPK = SignedKey{ID: pqspkID.Int64, Key: pqspkBytes, Sig: pqspkSig}
	r.NotifiedLowPrekeys = notified != 0
	return r, nil
}

// IdentityPatch describes the optional fields of an authenticated PATCH.
type IdentityPatch struct {
	HasSPK              bool
	SPK                 SignedKey
	HasPQSPK            bool
	PQSPK               SignedKey
	OneTimePrekeys      []PlainKey
	OneTimePQKEMPrekeys []SignedKey
}

// ApplyPatch updates the signed-prekey slots that are present (never
// nulling out the slots that are absent) and appends any new one-time
// prekeys, all in one transaction. It never deletes a prekey row.
func (s *Store) ApplyPatch(ctx context.Context, id int64, patch IdentityPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrDB, err)
	}
	defer tx.Rollback()

	switch {
	case patch.HasSPK && patch.HasPQSPK:
		_, err = tx.ExecContext(ctx, `
			UPDATE identities SET spk=?, spk_id=?, spk_sig=?, pqspk=?, pqspk_id=?, pqspk_sig=? WHERE id=?`,
			patch.SPK.Key, patch.SPK.ID, patch.SPK.Sig,
			patch.PQSPK.Key, patch.PQSPK.ID, patch.PQSPK.Sig, id)
	case patch.HasSPK:
		_, err = tx.ExecContext(ctx, `UPDATE identities SET spk=?, spk_id=?, spk_sig=? WHERE id=?`,
			patch.SPK.Key, patch.SPK.ID, patch.SPK.Sig, id)
	case patch.HasPQSPK:
		_, err = tx.ExecContext(ctx, `UPDATE identities SET pqspk=?, pqspk_id=?, pqspk_sig=? WHERE id=?`,
			patch.PQSPK.Key, patch.PQSPK.ID, patch.PQSPK.Sig, id)
	}
	if err != nil {
		return fmt.Errorf("%w: update identity: %v", ErrDB, err)
	}

	if err := insertOneTimePrekeys(ctx, tx, id, patch.OneTimePrekeys); err != nil {
		return err
	}
	if err := insertOneTimePQKEMPrekeys(ctx, tx, id, patch.OneTimePQKEMPrekeys); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrDB, err)
	}

	if len(patch.OneTimePrekeys) > 0 || len(patch.OneTimePQKEMPrekeys) > 0 {
		// Best-effort: the PATCH has already succeeded from the caller's
		// point of view; a failure here is logged, not surfaced.
		if _, err := s.db.ExecContext(ctx, `UPDATE identities SET notified_low_prekeys = 0 WHERE id = ?`, id); err != nil {
			s.log.Warnf("clear notified_low_prekeys for identity %d: %v", id, err)
		}
	}
	return nil
}

// DeleteIdentity removes the identities row; ON DELETE CASCADE purges its
// prekey pools and offline queue.
func (s *Store) DeleteIdentity(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: delete identity: %v", ErrDB, err)
	}
	return nil
}
