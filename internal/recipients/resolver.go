// Package recipients resolves recipient references into contacts.
package recipients

import (
	"context"
	"fmt"

	"bulkmail/internal/types"
)

// Directory looks up contacts of one kind. Ids that do not exist are simply
// absent from the result; an error means the directory itself failed.
type Directory interface {
	Lookup(ctx context.Context, kind types.RecipientKind, ids []string) (map[string]types.Recipient, error)
}

// Resolver batches references by kind and queries the Directory once per kind.
type Resolver struct {
	dir    Directory
	logger types.Logger
}

// NewResolver creates a Resolver over dir.
func NewResolver(dir Directory, logger types.Logger) *Resolver {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Resolver{dir: dir, logger: logger}
}

// Resolve returns contacts in reference order. Unknown references and
// contacts without an email address count as unresolved. Duplicate
// references resolve once.
func (r *Resolver) Resolve(ctx context.Context, refs []types.RecipientRef) ([]types.Recipient, int, error) {
	var kinds []types.RecipientKind
	byKind := make(map[types.RecipientKind][]string)
	seen := make(map[types.RecipientRef]bool, len(refs))
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		if _, ok := byKind[ref.Kind]; !ok {
			kinds = append(kinds, ref.Kind)
		}
		byKind[ref.Kind] = append(byKind[ref.Kind], ref.ID)
	}

	found := make(map[types.RecipientRef]types.Recipient, len(seen))
	for _, kind := range kinds {
		contacts, err := r.dir.Lookup(ctx, kind, byKind[kind])
		if err != nil {
			return nil, 0, fmt.Errorf("looking up %s recipients: %w", kind, err)
		}
		for id, c := range contacts {
			found[types.RecipientRef{Kind: kind, ID: id}] = c
		}
	}

	recipients := make([]types.Recipient, 0, len(found))
	unresolved := 0
	emitted := make(map[types.RecipientRef]bool, len(found))
	for _, ref := range refs {
		if emitted[ref] {
			continue
		}
		emitted[ref] = true

		c, ok := found[ref]
		if !ok || c.Email == "" {
			unresolved++
			continue
		}
		c.ID, c.Kind = ref.ID, ref.Kind
		recipients = append(recipients, c)
	}

	r.logger.Info("recipients resolved", "requested", len(refs), "resolved", len(recipients), "unresolved", unresolved)
	return recipients, unresolved, nil
}
