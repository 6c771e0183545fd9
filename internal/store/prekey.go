package store

import (
	"context"
	"database/sql"
	"fmt"
)

// LowPrekeyThreshold is the pool size below which a bundle fetch should
// trigger a one-time low-prekey warning to the owning identity, per the
// low-prekey notification feature layered on top of the distilled spec's
// otherwise-unset notified_low_prekeys column.
const LowPrekeyThreshold = 5

// Bundle is the server's assembled PQXDH key bundle for one identity,
// consumed from at most one one-time prekey of each kind.
type Bundle struct {
	IK []byte

	HasSPK bool
	SPK    SignedKey

	HasPQKEMPrekey bool
	PQKEMPrekey    SignedKey // either an oldest pqopk or the last-resort pqspk
	FromPool       bool      // true if PQKEMPrekey came from pqopks (and was deleted)

	HasOneTimePrekey bool
	OneTimePrekey    PlainKey

	// LowPrekeyPool reports whether, after this fetch, either pool has
	// dropped below LowPrekeyThreshold.
	LowPrekeyPool bool
}

// AssembleBundle builds and, unless dryRun, atomically consumes one PQXDH
// bundle for the identity with the given id. Consumption and the read that
// selects it happen in the same transaction so two concurrent fetches
// cannot select the same row.
func (s *Store) AssembleBundle(ctx context.Context, id int64, dryRun bool) (Bundle, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Bundle{}, fmt.Errorf("%w: begin: %v", ErrDB, err)
	}
	defer tx.Rollback()

	var ik []byte
	var spkKey, spkSig, pqspkKey, pqspkSig []byte
	var spkID, pqspkID sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT ik, spk, spk_id, spk_sig, pqspk, pqspk_id, pqspk_sig FROM identities WHERE id = ?`, id).
		Scan(&ik, &spkKey, &spkID, &spkSig, &pqspkKey, &pqspkID, &pqspkSig)
	if err != nil {
		if err == sql.ErrNoRows {
			return Bundle{}, ErrNotFound
		}
		return Bundle{}, fmt.Errorf("%w: load identity: %v", ErrDB, err)
	}

	b := Bundle{IK: ik}
	if dryRun {
		if err := tx.Commit(); err != nil {
			return Bundle{}, fmt.Errorf("%w: commit: %v", ErrDB, err)
		}
		return b, nil
	}

	b.HasSPK = spkKey != nil
	b.SPK = SignedKey{ID: spkID.Int64, Key: spkKey, Sig: spkSig}

	pqUID, pqKey, pqSig, pqClientID, pqErr := selectOldest(ctx, tx, "pqopks", id, true)
	switch {
	case pqErr != nil && pqErr != sql.ErrNoRows:
		return Bundle{}, fmt.Errorf("%w: select pqopk: %v", ErrDB, pqErr)
	case pqErr == sql.ErrNoRows:
		b.HasPQKEMPrekey = pqspkKey != nil
		b.PQKEMPrekey = SignedKey{ID: pqspkID.Int64, Key: pqspkKey, Sig: pqspkSig}
		b.FromPool = false
	default:
		if _, err := tx.ExecContext(ctx, `DELETE FROM pqopks WHERE uid = ?`, pqUID); err != nil {
			return Bundle{}, fmt.Errorf("%w: delete pqopk: %v", ErrDB, err)
		}
		b.HasPQKEMPrekey = true
		b.PQKEMPrekey = SignedKey{ID: pqClientID, Key: pqKey, Sig: pqSig}
		b.FromPool = true
	}

	otUID, otKey, _, otClientID, otErr := selectOldest(ctx, tx, "opks", id, false)
	switch {
	case otErr != nil && otErr != sql.ErrNoRows:
		return Bundle{}, fmt.Errorf("%w: select opk: %v", ErrDB, otErr)
	case otErr == sql.ErrNoRows:
		b.HasOneTimePrekey = false
	default:
		if _, err := tx.ExecContext(ctx, `DELETE FROM opks WHERE uid = ?`, otUID); err != nil {
			return Bundle{}, fmt.Errorf("%w: delete opk: %v", ErrDB, err)
		}
		b.HasOneTimePrekey = true
		b.OneTimePrekey = PlainKey{ID: otClientID, Key: otKey}
	}

	pqRemaining, err := countRows(ctx, tx, "pqopks", id)
	if err != nil {
		return Bundle{}, err
	}
	otRemaining, err := countRows(ctx, tx, "opks", id)
	if err != nil {
		return Bundle{}, err
	}
	b.LowPrekeyPool = pqRemaining < LowPrekeyThreshold || otRemaining < LowPrekeyThreshold

	if err := tx.Commit(); err != nil {
		return Bundle{}, fmt.Errorf("%w: commit: %v", ErrDB, err)
	}
	return b, nil
}

// selectOldest returns the oldest (lowest uid) row of the given pool table
// for identity id. withSig controls whether the pqopks 'sig' column is
// read (opks has no sig column).
func selectOldest(ctx context.Context, tx *sql.Tx, table string, id int64, withSig bool) (uid int64, key, sig []byte, clientID int64, err error) {
	var q string
	if withSig {
		q = fmt.Sprintf(`SELECT uid, id, key, sig FROM %s WHERE "for" = ? ORDER BY uid ASC LIMIT 1`, table)
	} else {
		q = fmt.Sprintf(`SELECT uid, id, key FROM %s WHERE "for" = ? ORDER BY uid ASC LIMIT 1`, table)
	}
	row := tx.QueryRowContext(ctx, q, id)
	if withSig {
		err = row.Scan(&uid, &clientID, &key, &sig)
	} else {
		err = row.Scan(&uid, &clientID, &key)
	}
	return uid, key, sig, clientID, err
}

func countRows(ctx context.Context, tx *sql.Tx, table string, id int64) (int, error) {
	var n int
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE "for" = ?`, table)
	if err := tx.QueryRowContext(ctx, q, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count %s: %v", ErrDB, table, err)
	}
	return n, nil
}

// MarkLowPrekeyNotifiedIfUnset sets notified_low_prekeys for id if it is
// currently unset, reporting whether it transitioned (i.e. whether the
// caller should actually deliver the warning).
func (s *Store) MarkLowPrekeyNotifiedIfUnset(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE identities SET notified_low_prekeys = 1 WHERE id = ? AND notified_low_prekeys = 0`, id)
	if err != nil {
		return false, fmt.Errorf("%w: mark notified: %v", ErrDB, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", ErrDB, err)
	}
	return n > 0, nil
}

// PoolCounts reports the current one-time prekey pool sizes for id,
// primarily for tests asserting I3/I4.
func (s *Store) PoolCounts(ctx context.Context, id int64) (opks, pqopks int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM opks WHERE "for" = ?`, id).Scan(&opks); err != nil {
		return 0, 0, fmt.Errorf("%w: count opks: %v", ErrDB, err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pqopks WHERE "for" = ?`, id).Scan(&pqopks); err != nil {
		return 0, 0, fmt.Errorf("%w: count pqopks: %v", ErrDB, err)
	}
	return opks, pqopks, nil
}
