package usecase

import (
	"sort"
	"strings"

	"wallet-discovery/go-backend/internal/domains/discovery/model"
)

// RankWallets orders wallets by preference score, highest first, then by
// name and responder id.
func RankWallets(wallets []model.QualifiedWallet) []model.QualifiedWallet {
	out := append([]model.QualifiedWallet(nil), wallets...)
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].PreferenceScore != out[b].PreferenceScore {
			return out[a].PreferenceScore > out[b].PreferenceScore
		}
		na, nb := strings.ToLower(out[a].Name), strings.ToLower(out[b].Name)
		if na != nb {
			return na < nb
		}
		return out[a].ResponderID < out[b].ResponderID
	})
	return out
}
