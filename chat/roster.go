package chat

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// ListPeers returns the roster without the local identity, sorted by
// display name. Roster failures degrade to an empty list.
func ListPeers(ctx context.Context, roster Roster, self string, logger *zap.Logger) []Peer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if roster == nil {
		return []Peer{}
	}

	peers, err := roster.ListPeers(ctx)
	if err != nil {
		logger.Warn("roster unavailable", zap.Error(err))
		return []Peer{}
	}

	out := make([]Peer, 0, len(peers))
	for _, peer := range peers {
		if peer.Identity == "" || peer.Identity == self {
			continue
		}
		out = append(out, peer)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}
