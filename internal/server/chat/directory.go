package chat

import (
	"context"

	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
)

// Directory resolves user ids to display profiles.
type Directory struct {
	profiles backend.Directory
}

func NewDirectory(profiles backend.Directory) Directory {
	return Directory{profiles: profiles}
}

func (d Directory) Lookup(ctx context.Context, userID string) (*models.Profile, error) {
	return d.profiles.Profile(ctx, userID)
}

// LookupMany fetches the profiles of the distinct non-empty ids in a
// single call. Ids without a profile are absent from the result.
func (d Directory) LookupMany(ctx context.Context, userIDs []string) (map[string]models.Profile, error) {
	seen := make(map[string]struct{}, len(userIDs))
	ids := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return map[string]models.Profile{}, nil
	}
	return d.profiles.Profiles(ctx, ids)
}
