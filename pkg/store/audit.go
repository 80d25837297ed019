package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/fineprintai/engine/pkg/errkind"
)

// auditGenesis is the previous_hash of the first record in the chain.
const auditGenesis = "genesis"

// auditChainLock serializes chain appends across the pool ("fpaiaudt").
const auditChainLock int64 = 0x6670616961756474

const auditColumns = `seq, id, actor, action, resource_type, resource_id,
	before_state, after_state, correlation_id, anonymized, previous_hash, record_hash, at`

// AppendAuditParams describes one audit event.
type AppendAuditParams struct {
	Actor         *string
	Action        string
	ResourceType  string
	ResourceID    string
	BeforeState   []byte
	AfterState    []byte
	CorrelationID string
}

// AuditQuery filters the audit trail. Zero fields are ignored.
type AuditQuery struct {
	ResourceType string
	ResourceID   string
	Actor        string
	Action       string
	From         time.Time
	To           time.Time
	Limit        int
}

// AppendAudit appends one hash-chained record. The hash covers only fields
// that survive anonymization, so GDPR erasure of actor and state snapshots
// never breaks chain verification.
func (s *Store) AppendAudit(ctx context.Context, p AppendAuditParams) (*AuditRecord, error) {
	var rec *AuditRecord
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		rec, err = tx.AppendAudit(ctx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// AppendAudit is the transactional variant, used when the audited mutation
// and its record must commit together.
func (t *Tx) AppendAudit(ctx context.Context, p AppendAuditParams) (*AuditRecord, error) {
	const op = "store.AppendAudit"
	if p.Action == "" || p.ResourceType == "" {
		return nil, errkind.Errorf(errkind.BadRange, op, "action and resource_type are required")
	}

	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLock); err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}

	prev := auditGenesis
	err := t.tx.QueryRowContext(ctx,
		`SELECT record_hash FROM audit_records ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.E(errkind.Internal, op, err)
	}

	rec := AuditRecord{
		ID:            uuid.New().String(),
		Actor:         p.Actor,
		Action:        p.Action,
		ResourceType:  p.ResourceType,
		ResourceID:    p.ResourceID,
		BeforeState:   p.BeforeState,
		AfterState:    p.AfterState,
		CorrelationID: p.CorrelationID,
		PreviousHash:  prev,
		At:            t.s.clock().UTC(),
	}
	rec.RecordHash, err = auditRecordHash(&rec)
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}

	err = t.tx.QueryRowContext(ctx, `INSERT INTO audit_records
		(id, actor, action, resource_type, resource_id, before_state, after_state,
		 correlation_id, anonymized, previous_hash, record_hash, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9, $10, $11)
		RETURNING seq`,
		rec.ID, rec.Actor, rec.Action, rec.ResourceType, rec.ResourceID,
		nullJSON(rec.BeforeState), nullJSON(rec.AfterState),
		rec.CorrelationID, rec.PreviousHash, rec.RecordHash, rec.At).Scan(&rec.Seq)
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return &rec, nil
}

// QueryAudit returns matching records in chain order.
func (s *Store) QueryAudit(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	const op = "store.QueryAudit"

	where := "TRUE"
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where += " AND " + clause + " $" + strconv.Itoa(len(args))
	}
	if q.ResourceType != "" {
		add("resource_type =", q.ResourceType)
	}
	if q.ResourceID != "" {
		add("resource_id =", q.ResourceID)
	}
	if q.Actor != "" {
		add("actor =", q.Actor)
	}
	if q.Action != "" {
		add("action =", q.Action)
	}
	if !q.From.IsZero() {
		add("at >=", q.From)
	}
	if !q.To.IsZero() {
		add("at <", q.To)
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_records
		WHERE `+where+` ORDER BY seq LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Actor, &rec.Action,
			&rec.ResourceType, &rec.ResourceID, &rec.BeforeState, &rec.AfterState,
			&rec.CorrelationID, &rec.Anonymized, &rec.PreviousHash, &rec.RecordHash,
			&rec.At); err != nil {
			return nil, errkind.E(errkind.Internal, op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return out, nil
}

// AnonymizeAuditForActor clears PII from an actor's records while keeping
// the rows and the chain. This is the only mutation audit rows ever see.
func (s *Store) AnonymizeAuditForActor(ctx context.Context, actorID string) (int64, error) {
	const op = "store.AnonymizeAuditForActor"
	res, err := s.db.ExecContext(ctx, `UPDATE audit_records
		SET actor = NULL, before_state = NULL, after_state = NULL, anonymized = TRUE
		WHERE actor = $1`, actorID)
	if err != nil {
		return 0, errkind.E(errkind.Internal, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errkind.E(errkind.Internal, op, err)
	}
	return n, nil
}

// PurgeExpiredAudit deletes records older than the retention horizon.
// Verification treats the oldest surviving record as the chain anchor.
func (s *Store) PurgeExpiredAudit(ctx context.Context, before time.Time) (int64, error) {
	const op = "store.PurgeExpiredAudit"
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_records WHERE at < $1`, before)
	if err != nil {
		return 0, errkind.E(errkind.Internal, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errkind.E(errkind.Internal, op, err)
	}
	return n, nil
}

// VerifyAuditChain recomputes every record hash and checks the links between
// surviving records. Returns the number of records verified.
func (s *Store) VerifyAuditChain(ctx context.Context) (int, error) {
	const op = "store.VerifyAuditChain"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_records ORDER BY seq`)
	if err != nil {
		return 0, errkind.E(errkind.Internal, op, err)
	}
	defer func() { _ = rows.Close() }()

	var (
		n        int
		prevHash string
	)
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Actor, &rec.Action,
			&rec.ResourceType, &rec.ResourceID, &rec.BeforeState, &rec.AfterState,
			&rec.CorrelationID, &rec.Anonymized, &rec.PreviousHash, &rec.RecordHash,
			&rec.At); err != nil {
			return n, errkind.E(errkind.Internal, op, err)
		}
		if n > 0 && rec.PreviousHash != prevHash {
			return n, errkind.Errorf(errkind.Internal, op,
				"chain broken at seq %d: previous hash mismatch", rec.Seq)
		}
		computed, err := auditRecordHash(&rec)
		if err != nil {
			return n, errkind.E(errkind.Internal, op, err)
		}
		if computed != rec.RecordHash {
			return n, errkind.Errorf(errkind.Internal, op,
				"record %d content hash mismatch", rec.Seq)
		}
		prevHash = rec.RecordHash
		n++
	}
	if err := rows.Err(); err != nil {
		return n, errkind.E(errkind.Internal, op, err)
	}
	return n, nil
}

// auditRecordHash computes sha256 over the RFC 8785 canonical form of the
// PII-stable fields.
func auditRecordHash(rec *AuditRecord) (string, error) {
	stable := map[string]any{
		"id":             rec.ID,
		"action":         rec.Action,
		"resource_type":  rec.ResourceType,
		"resource_id":    rec.ResourceID,
		"correlation_id": rec.CorrelationID,
		"at":             rec.At.UTC().Format(time.RFC3339Nano),
		"previous_hash":  rec.PreviousHash,
	}
	raw, err := json.Marshal(stable)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// nullJSON maps empty byte slices to SQL NULL for JSONB columns.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
