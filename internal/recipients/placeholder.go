package recipients

import (
	"context"
	"fmt"

	"bulkmail/internal/types"
)

// PlaceholderDirectory fabricates a contact for every id. It backs local
// development, where no recipient database exists.
type PlaceholderDirectory struct{}

// Lookup returns artist-<id>@example.com / "Artist <id>" for artists and
// applicant-<id>@example.com / "Applicant <id>" for applications.
func (PlaceholderDirectory) Lookup(_ context.Context, kind types.RecipientKind, ids []string) (map[string]types.Recipient, error) {
	var local, label string
	switch kind {
	case types.RecipientKindArtist:
		local, label = "artist", "Artist"
	case types.RecipientKindApplication:
		local, label = "applicant", "Applicant"
	default:
		return map[string]types.Recipient{}, nil
	}

	out := make(map[string]types.Recipient, len(ids))
	for _, id := range ids {
		out[id] = types.Recipient{
			ID:          id,
			Kind:        kind,
			Email:       fmt.Sprintf("%s-%s@example.com", local, id),
			DisplayName: fmt.Sprintf("%s %s", label, id),
		}
	}
	return out, nil
}
