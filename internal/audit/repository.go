package audit

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/platform/internal/document"
	"github.com/clinicore/platform/internal/shared/errors"
	"github.com/clinicore/platform/internal/shared/metrics"
	"github.com/clinicore/platform/internal/shared/types"
)

// Repository stores ledger rows. Insert must enforce at most one row per
// (document_type, document_id) at the storage boundary.
type Repository interface {
	Insert(ctx context.Context, sd *SignedDocument) error
	FindByDocument(ctx context.Context, t document.Type, documentID string) (*SignedDocument, error)
	FindByHash(ctx context.Context, signatureHash string) (*SignedDocument, error)
	ListBySigner(ctx context.Context, signerID types.ID, limit int) ([]*SignedDocument, error)
	// RecordTimestamp attaches an anchor once. A second anchor is a Conflict.
	RecordTimestamp(ctx context.Context, id types.ID, anchor Anchor) (*SignedDocument, error)
}

const (
	uniqueViolation    = "23505"
	documentConstraint = "signed_documents_document_key"
)

const signedDocumentColumns = `
	id, document_type, document_id, credential_id, signer_id,
	signature_algorithm, signature_value, signature_hash, digest_algorithm,
	timestamp_authority, timestamp_token, timestamped_at,
	is_valid, validated_at, created_at`

// PostgresRepository provides append-only ledger operations
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new ledger repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Insert(ctx context.Context, sd *SignedDocument) error {
	defer metrics.ObserveDBQuery("signed_document_insert", time.Now())
	_, err := r.pool.Exec(ctx, `
		INSERT INTO signed_documents (`+signedDocumentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		sd.ID, string(sd.DocumentType), sd.DocumentID, sd.CredentialID, sd.SignerID,
		sd.SignatureAlgorithm, sd.SignatureValue, sd.SignatureHash, sd.DigestAlgorithm,
		sd.TimestampAuthority, sd.TimestampToken, sd.TimestampedAt,
		sd.IsValid, sd.ValidatedAt, sd.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == documentConstraint {
			return errors.AlreadySigned(string(sd.DocumentType), sd.DocumentID)
		}
		return errors.Wrap(err, "failed to insert signed document")
	}
	return nil
}

func (r *PostgresRepository) FindByDocument(ctx context.Context, t document.Type, documentID string) (*SignedDocument, error) {
	defer metrics.ObserveDBQuery("signed_document_find_by_document", time.Now())
	row := r.pool.QueryRow(ctx, `
		SELECT `+signedDocumentColumns+`
		FROM signed_documents
		WHERE document_type = $1 AND document_id = $2`,
		string(t), documentID,
	)
	sd, err := scanSignedDocument(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("signature", document.Key{Type: t, ID: documentID}.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find signature")
	}
	return sd, nil
}

func (r *PostgresRepository) FindByHash(ctx context.Context, signatureHash string) (*SignedDocument, error) {
	defer metrics.ObserveDBQuery("signed_document_find_by_hash", time.Now())
	row := r.pool.QueryRow(ctx, `
		SELECT `+signedDocumentColumns+`
		FROM signed_documents
		WHERE signature_hash = $1
		ORDER BY created_at
		LIMIT 1`,
		signatureHash,
	)
	sd, err := scanSignedDocument(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("signature", signatureHash)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find signature by hash")
	}
	return sd, nil
}

func (r *PostgresRepository) ListBySigner(ctx context.Context, signerID types.ID, limit int) ([]*SignedDocument, error) {
	defer metrics.ObserveDBQuery("signed_document_list_by_signer", time.Now())
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+signedDocumentColumns+`
		FROM signed_documents
		WHERE signer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		signerID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list signatures")
	}
	defer rows.Close()

	var out []*SignedDocument
	for rows.Next() {
		sd, err := scanSignedDocument(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan signature")
		}
		out = append(out, sd)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to list signatures")
	}
	return out, nil
}

func (r *PostgresRepository) RecordTimestamp(ctx context.Context, id types.ID, anchor Anchor) (*SignedDocument, error) {
	defer metrics.ObserveDBQuery("signed_document_record_timestamp", time.Now())
	row := r.pool.QueryRow(ctx, `
		UPDATE signed_documents
		SET timestamp_authority = $2, timestamp_token = $3, timestamped_at = $4
		WHERE id = $1 AND timestamped_at IS NULL
		RETURNING `+signedDocumentColumns,
		id, anchor.Authority, anchor.Token, anchor.At,
	)
	sd, err := scanSignedDocument(row)
	if err == pgx.ErrNoRows {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM signed_documents WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, errors.Wrap(err, "failed to check signature")
		}
		if !exists {
			return nil, errors.NotFound("signature", id.String())
		}
		return nil, errors.Conflict("signature already has a timestamp")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to record timestamp")
	}
	return sd, nil
}

func scanSignedDocument(row pgx.Row) (*SignedDocument, error) {
	sd := &SignedDocument{}
	var docType string
	err := row.Scan(
		&sd.ID, &docType, &sd.DocumentID, &sd.CredentialID, &sd.SignerID,
		&sd.SignatureAlgorithm, &sd.SignatureValue, &sd.SignatureHash, &sd.DigestAlgorithm,
		&sd.TimestampAuthority, &sd.TimestampToken, &sd.TimestampedAt,
		&sd.IsValid, &sd.ValidatedAt, &sd.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	sd.DocumentType = document.Type(docType)
	return sd, nil
}

// MemoryRepository is an in-memory ledger with the same uniqueness guarantee.
type MemoryRepository struct {
	mu    sync.RWMutex
	rows  map[types.ID]*SignedDocument
	byKey map[document.Key]types.ID
	order []types.ID
}

// NewMemoryRepository creates an empty in-memory ledger.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rows:  make(map[types.ID]*SignedDocument),
		byKey: make(map[document.Key]types.ID),
	}
}

func (r *MemoryRepository) Insert(ctx context.Context, sd *SignedDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKey[sd.Key()]; exists {
		return errors.AlreadySigned(string(sd.DocumentType), sd.DocumentID)
	}
	r.rows[sd.ID] = cloneRow(sd)
	r.byKey[sd.Key()] = sd.ID
	r.order = append(r.order, sd.ID)
	return nil
}

func (r *MemoryRepository) FindByDocument(ctx context.Context, t document.Type, documentID string) (*SignedDocument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := document.Key{Type: t, ID: documentID}
	id, ok := r.byKey[key]
	if !ok {
		return nil, errors.NotFound("signature", key.String())
	}
	return cloneRow(r.rows[id]), nil
}

func (r *MemoryRepository) FindByHash(ctx context.Context, signatureHash string) (*SignedDocument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if r.rows[id].SignatureHash == signatureHash {
			return cloneRow(r.rows[id]), nil
		}
	}
	return nil, errors.NotFound("signature", signatureHash)
}

func (r *MemoryRepository) ListBySigner(ctx context.Context, signerID types.ID, limit int) ([]*SignedDocument, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*SignedDocument
	for i := len(r.order) - 1; i >= 0 && len(out) < limit; i-- {
		if row := r.rows[r.order[i]]; row.SignerID == signerID {
			out = append(out, cloneRow(row))
		}
	}
	return out, nil
}

func (r *MemoryRepository) RecordTimestamp(ctx context.Context, id types.ID, anchor Anchor) (*SignedDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, errors.NotFound("signature", id.String())
	}
	if row.TimestampedAt != nil {
		return nil, errors.Conflict("signature already has a timestamp")
	}
	authority := anchor.Authority
	at := anchor.At
	row.TimestampAuthority = &authority
	row.TimestampToken = append([]byte(nil), anchor.Token...)
	row.TimestampedAt = &at
	return cloneRow(row), nil
}

// Len returns the number of ledger rows.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}

func cloneRow(sd *SignedDocument) *SignedDocument {
	cp := *sd
	cp.SignatureValue = append([]byte(nil), sd.SignatureValue...)
	if sd.TimestampToken != nil {
		cp.TimestampToken = append([]byte(nil), sd.TimestampToken...)
	}
	if sd.TimestampAuthority != nil {
		s := *sd.TimestampAuthority
		cp.TimestampAuthority = &s
	}
	if sd.TimestampedAt != nil {
		t := *sd.TimestampedAt
		cp.TimestampedAt = &t
	}
	return &cp
}

var (
	_ Repository = (*PostgresRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
)
