package document

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/platform/internal/shared/errors"
	"github.com/clinicore/platform/internal/shared/metrics"
	"github.com/clinicore/platform/internal/shared/types"
)

// Lookup returns the current signable state of a document.
type Lookup interface {
	Find(ctx context.Context, t Type, id string) (Document, error)
}

// Repository provides database operations for signable documents
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new document repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Save inserts or replaces the signable payload of a document.
func (r *Repository) Save(ctx context.Context, doc Document) error {
	defer metrics.ObserveDBQuery("document_save", time.Now())
	payload, err := Encode(doc)
	if err != nil {
		return errors.Wrap(err, "failed to encode document")
	}

	updatedAt := doc.LastUpdated()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO documents (
			document_type, document_id, signer_id, schema_version, payload, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (document_type, document_id) DO UPDATE SET
			signer_id = EXCLUDED.signer_id,
			schema_version = EXCLUDED.schema_version,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at`

	_, err = r.pool.Exec(ctx, query,
		string(doc.Type()), doc.ID(), doc.SignerID(), doc.SchemaVersion(), payload, updatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save document")
	}
	return nil
}

// Find loads a document and decodes it into its typed schema.
func (r *Repository) Find(ctx context.Context, t Type, id string) (Document, error) {
	defer metrics.ObserveDBQuery("document_find", time.Now())
	query := `
		SELECT signer_id, schema_version, payload, updated_at
		FROM documents
		WHERE document_type = $1 AND document_id = $2`

	var (
		signer    types.ID
		version   int
		payload   []byte
		updatedAt time.Time
	)
	err := r.pool.QueryRow(ctx, query, string(t), id).Scan(&signer, &version, &payload, &updatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("document", Key{Type: t, ID: id}.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find document")
	}

	doc, err := Decode(t, id, signer, updatedAt, payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode document")
	}
	if doc.SchemaVersion() != version {
		return nil, errors.Internal(fmt.Errorf("%s stored with schema v%d, current is v%d", t, version, doc.SchemaVersion()))
	}
	return doc, nil
}

// MemoryRepository keeps documents in memory. Documents are stored encoded so
// callers mutating a returned value never change the stored state.
type MemoryRepository struct {
	mu   sync.RWMutex
	docs map[Key]memoryRow
}

type memoryRow struct {
	signer    types.ID
	payload   []byte
	updatedAt time.Time
}

// NewMemoryRepository creates an empty in-memory document repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{docs: make(map[Key]memoryRow)}
}

func (r *MemoryRepository) Save(ctx context.Context, doc Document) error {
	payload, err := Encode(doc)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[Key{Type: doc.Type(), ID: doc.ID()}] = memoryRow{
		signer:    doc.SignerID(),
		payload:   payload,
		updatedAt: doc.LastUpdated(),
	}
	return nil
}

func (r *MemoryRepository) Find(ctx context.Context, t Type, id string) (Document, error) {
	r.mu.RLock()
	row, ok := r.docs[Key{Type: t, ID: id}]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound("document", Key{Type: t, ID: id}.String())
	}
	return Decode(t, id, row.signer, row.updatedAt, row.payload)
}

var (
	_ Lookup = (*Repository)(nil)
	_ Lookup = (*MemoryRepository)(nil)
)
