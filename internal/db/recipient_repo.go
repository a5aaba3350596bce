package db

import (
	"context"
	"fmt"

	"bulkmail/internal/types"
)

// recipientQueries selects contacts per recipient kind. Rows without an email
// address, or soft-deleted, are treated as unresolvable.
var recipientQueries = map[types.RecipientKind]string{
	types.RecipientKindArtist: `
		SELECT id::text, email, COALESCE(display_name, '')
		FROM artists
		WHERE id::text = ANY($1) AND email <> '' AND deleted_at IS NULL`,
	types.RecipientKindApplication: `
		SELECT id::text, contact_email, COALESCE(applicant_name, '')
		FROM applications
		WHERE id::text = ANY($1) AND contact_email <> '' AND deleted_at IS NULL`,
}

// RecipientRepository looks up contact records for artists and applications.
type RecipientRepository struct {
	db DBTX
}

// NewRecipientRepository creates a RecipientRepository.
func NewRecipientRepository(db DBTX) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// Lookup returns the contacts found for ids, keyed by id. Ids with no row are
// absent from the map.
func (r *RecipientRepository) Lookup(ctx context.Context, kind types.RecipientKind, ids []string) (map[string]types.Recipient, error) {
	found := make(map[string]types.Recipient, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	query, ok := recipientQueries[kind]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, fmt.Sprintf("unknown recipient kind %q", kind), nil)
	}

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query recipients", err)
	}
	defer rows.Close()

	for rows.Next() {
		rc := types.Recipient{Kind: kind}
		if err := rows.Scan(&rc.ID, &rc.Email, &rc.DisplayName); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan recipient row", err)
		}
		found[rc.ID] = rc
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating recipient rows", err)
	}

	return found, nil
}
