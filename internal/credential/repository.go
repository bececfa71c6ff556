package credential

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/platform/internal/shared/errors"
	"github.com/clinicore/platform/internal/shared/metrics"
	"github.com/clinicore/platform/internal/shared/types"
)

// Repository persists credentials.
type Repository interface {
	// Insert stores a new credential. With supersede set, every other active
	// credential of the owner is deactivated in the same transaction and their ids returned.
	Insert(ctx context.Context, c *Credential, supersede bool) ([]types.ID, error)
	FindByID(ctx context.Context, id types.ID) (*Credential, error)
	// FindUsable returns the most recently created credential of the owner usable at now.
	FindUsable(ctx context.Context, ownerID types.ID, now time.Time) (*Credential, error)
	// Latest returns the most recently created credential of the owner regardless of state.
	Latest(ctx context.Context, ownerID types.ID) (*Credential, error)
	ListByOwner(ctx context.Context, ownerID types.ID) ([]*Credential, error)
	// Revoke deactivates the credential. It reports false when it was already revoked.
	Revoke(ctx context.Context, id types.ID, reason string, at time.Time) (*Credential, bool, error)
	// RecordUse increments usage_count atomically.
	RecordUse(ctx context.Context, id types.ID, at time.Time) error
	ClearKeyRef(ctx context.Context, id types.ID) error
}

const credentialColumns = `
	id, owner_id, issuer, subject, serial_number, not_before, not_after,
	is_active, revoked_at, revoked_reason, passphrase_verifier,
	usage_count, last_used_at, key_ref, certificate_der, algorithm, created_at`

// PostgresRepository provides database operations for credentials
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new credential repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Insert(ctx context.Context, c *Credential, supersede bool) ([]types.ID, error) {
	defer metrics.ObserveDBQuery("credential_insert", time.Now())
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	var superseded []types.ID
	if supersede {
		// Serialises rotations of one owner until commit, so concurrent
		// registrations cannot both miss each other's row.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('credentials'), hashtext($1))`, c.OwnerID); err != nil {
			return nil, errors.Wrap(err, "failed to lock owner credentials")
		}
		rows, err := tx.Query(ctx, `
			UPDATE credentials
			SET is_active = false, revoked_at = $2, revoked_reason = $3
			WHERE owner_id = $1 AND is_active AND revoked_at IS NULL
			RETURNING id`,
			c.OwnerID, c.CreatedAt, ReasonSuperseded,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to supersede credentials")
		}
		superseded, err = pgx.CollectRows(rows, pgx.RowTo[types.ID])
		if err != nil {
			return nil, errors.Wrap(err, "failed to read superseded credentials")
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		c.ID, c.OwnerID, c.Issuer, c.Subject, c.SerialNumber, c.NotBefore, c.NotAfter,
		c.IsActive, c.RevokedAt, c.RevokedReason, c.PassphraseVerifier,
		c.UsageCount, c.LastUsedAt, c.KeyRef, c.CertificateDER, c.Algorithm, c.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert credential")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction")
	}
	return superseded, nil
}

func (r *PostgresRepository) FindByID(ctx context.Context, id types.ID) (*Credential, error) {
	defer metrics.ObserveDBQuery("credential_find_by_id", time.Now())
	row := r.pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id)
	c, err := scanCredential(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("credential", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find credential")
	}
	return c, nil
}

func (r *PostgresRepository) FindUsable(ctx context.Context, ownerID types.ID, now time.Time) (*Credential, error) {
	defer metrics.ObserveDBQuery("credential_find_usable", time.Now())
	row := r.pool.QueryRow(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials
		WHERE owner_id = $1 AND is_active AND revoked_at IS NULL
			AND not_before <= $2 AND not_after > $2
		ORDER BY created_at DESC
		LIMIT 1`,
		ownerID, now,
	)
	c, err := scanCredential(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("active credential", ownerID.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find active credential")
	}
	return c, nil
}

func (r *PostgresRepository) Latest(ctx context.Context, ownerID types.ID) (*Credential, error) {
	defer metrics.ObserveDBQuery("credential_latest", time.Now())
	row := r.pool.QueryRow(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		ownerID,
	)
	c, err := scanCredential(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("credential", ownerID.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find credential")
	}
	return c, nil
}

func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID types.ID) ([]*Credential, error) {
	defer metrics.ObserveDBQuery("credential_list_by_owner", time.Now())
	rows, err := r.pool.Query(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials
		WHERE owner_id = $1
		ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list credentials")
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan credential")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to list credentials")
	}
	return out, nil
}

func (r *PostgresRepository) Revoke(ctx context.Context, id types.ID, reason string, at time.Time) (*Credential, bool, error) {
	defer metrics.ObserveDBQuery("credential_revoke", time.Now())
	row := r.pool.QueryRow(ctx, `
		UPDATE credentials
		SET is_active = false, revoked_at = COALESCE(revoked_at, $2), revoked_reason = $3
		WHERE id = $1 AND (revoked_at IS NULL OR revoked_reason = $4)
		RETURNING `+credentialColumns,
		id, at, reason, ReasonSuperseded,
	)
	c, err := scanCredential(row)
	if err == pgx.ErrNoRows {
		// Missing or already explicitly revoked
		existing, err := r.FindByID(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to revoke credential")
	}
	return c, true, nil
}

func (r *PostgresRepository) RecordUse(ctx context.Context, id types.ID, at time.Time) error {
	defer metrics.ObserveDBQuery("credential_record_use", time.Now())
	result, err := r.pool.Exec(ctx, `
		UPDATE credentials
		SET usage_count = usage_count + 1,
			last_used_at = GREATEST(COALESCE(last_used_at, $2), $2)
		WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record credential use")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("credential", id.String())
	}
	return nil
}

func (r *PostgresRepository) ClearKeyRef(ctx context.Context, id types.ID) error {
	defer metrics.ObserveDBQuery("credential_clear_key_ref", time.Now())
	result, err := r.pool.Exec(ctx, `UPDATE credentials SET key_ref = NULL WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "failed to clear key reference")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("credential", id.String())
	}
	return nil
}

func scanCredential(row pgx.Row) (*Credential, error) {
	c := &Credential{}
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.Issuer, &c.Subject, &c.SerialNumber, &c.NotBefore, &c.NotAfter,
		&c.IsActive, &c.RevokedAt, &c.RevokedReason, &c.PassphraseVerifier,
		&c.UsageCount, &c.LastUsedAt, &c.KeyRef, &c.CertificateDER, &c.Algorithm, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// MemoryRepository keeps credentials in memory. All mutations happen under one
// lock, so RecordUse is atomic.
type MemoryRepository struct {
	mu    sync.Mutex
	creds map[types.ID]*Credential
	seq   map[types.ID]int
	next  int
}

// NewMemoryRepository creates an empty in-memory credential repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		creds: make(map[types.ID]*Credential),
		seq:   make(map[types.ID]int),
	}
}

func (r *MemoryRepository) Insert(ctx context.Context, c *Credential, supersede bool) ([]types.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.creds[c.ID]; exists {
		return nil, errors.Conflict("credential already exists")
	}

	var superseded []types.ID
	if supersede {
		for _, other := range r.creds {
			if other.OwnerID == c.OwnerID && other.IsActive && other.RevokedAt == nil {
				at := c.CreatedAt
				reason := ReasonSuperseded
				other.IsActive = false
				other.RevokedAt = &at
				other.RevokedReason = &reason
				superseded = append(superseded, other.ID)
			}
		}
	}

	r.creds[c.ID] = clone(c)
	r.next++
	r.seq[c.ID] = r.next
	return superseded, nil
}

func (r *MemoryRepository) FindByID(ctx context.Context, id types.ID) (*Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[id]
	if !ok {
		return nil, errors.NotFound("credential", id.String())
	}
	return clone(c), nil
}

func (r *MemoryRepository) FindUsable(ctx context.Context, ownerID types.ID, now time.Time) (*Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.byOwnerLocked(ownerID) {
		if c.IsUsable(now) {
			return clone(c), nil
		}
	}
	return nil, errors.NotFound("active credential", ownerID.String())
}

func (r *MemoryRepository) Latest(ctx context.Context, ownerID types.ID) (*Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned := r.byOwnerLocked(ownerID)
	if len(owned) == 0 {
		return nil, errors.NotFound("credential", ownerID.String())
	}
	return clone(owned[0]), nil
}

func (r *MemoryRepository) ListByOwner(ctx context.Context, ownerID types.ID) ([]*Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned := r.byOwnerLocked(ownerID)
	out := make([]*Credential, 0, len(owned))
	for _, c := range owned {
		out = append(out, clone(c))
	}
	return out, nil
}

func (r *MemoryRepository) Revoke(ctx context.Context, id types.ID, reason string, at time.Time) (*Credential, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[id]
	if !ok {
		return nil, false, errors.NotFound("credential", id.String())
	}
	if c.RevokedAt != nil && (c.RevokedReason == nil || *c.RevokedReason != ReasonSuperseded) {
		return clone(c), false, nil
	}
	c.IsActive = false
	if c.RevokedAt == nil {
		c.RevokedAt = &at
	}
	c.RevokedReason = &reason
	return clone(c), true, nil
}

func (r *MemoryRepository) RecordUse(ctx context.Context, id types.ID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[id]
	if !ok {
		return errors.NotFound("credential", id.String())
	}
	c.UsageCount++
	if c.LastUsedAt == nil || at.After(*c.LastUsedAt) {
		c.LastUsedAt = &at
	}
	return nil
}

func (r *MemoryRepository) ClearKeyRef(ctx context.Context, id types.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[id]
	if !ok {
		return errors.NotFound("credential", id.String())
	}
	c.KeyRef = nil
	return nil
}

// byOwnerLocked returns the owner's credentials, newest first.
func (r *MemoryRepository) byOwnerLocked(ownerID types.ID) []*Credential {
	var owned []*Credential
	for _, c := range r.creds {
		if c.OwnerID == ownerID {
			owned = append(owned, c)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		if !owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].CreatedAt.After(owned[j].CreatedAt)
		}
		return r.seq[owned[i].ID] > r.seq[owned[j].ID]
	})
	return owned
}

func clone(c *Credential) *Credential {
	cp := *c
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		cp.RevokedAt = &t
	}
	if c.RevokedReason != nil {
		s := *c.RevokedReason
		cp.RevokedReason = &s
	}
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		cp.LastUsedAt = &t
	}
	if c.KeyRef != nil {
		s := *c.KeyRef
		cp.KeyRef = &s
	}
	cp.CertificateDER = append([]byte(nil), c.CertificateDER...)
	return &cp
}

var (
	_ Repository = (*PostgresRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
)
