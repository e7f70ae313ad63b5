// Package eligibility decides whether an identity may attempt a claim.
package eligibility

import (
	"context"
	"errors"
	"fmt"

	"github.com/dropvault/dropclaim/internal/config"
	svcerr "github.com/dropvault/dropclaim/internal/errors"
	"github.com/dropvault/dropclaim/internal/kv"
	"github.com/dropvault/dropclaim/internal/logging"
	"github.com/dropvault/dropclaim/internal/oracle"
)

// ProfileFetcher is the reputation oracle boundary.
type ProfileFetcher interface {
	GetProfile(ctx context.Context, identity string) (oracle.Profile, error)
}

const blocklistPrefix = "blocklist:"

// Guard runs the eligibility checks for a claim attempt: local blocklist
// first, then reputation thresholds from the oracle. The guard fails closed:
// if the oracle cannot answer, the claim is denied as OracleUnavailable.
type Guard struct {
	oracle ProfileFetcher
	store  kv.Store
	log    *logging.Logger
}

// NewGuard creates an eligibility guard.
func NewGuard(fetcher ProfileFetcher, store kv.Store, log *logging.Logger) *Guard {
	if log == nil {
		log = logging.NewDefault("eligibility")
	}
	return &Guard{oracle: fetcher, store: store, log: log}
}

// Check returns nil when the identity may claim, or a typed rejection.
// It performs no mutation and is safe to call repeatedly.
func (g *Guard) Check(ctx context.Context, identity, wallet string, policy config.ClaimPolicy) error {
	blocked, err := g.isBlocked(ctx, identity)
	if err != nil {
		return svcerr.Internal(fmt.Sprintf("blocklist lookup: %v", err))
	}
	if blocked {
		return svcerr.Ineligible("identity is blocked")
	}

	profile, err := g.oracle.GetProfile(ctx, identity)
	if err != nil {
		if errors.Is(err, oracle.ErrUnavailable) {
			g.log.WithContext(ctx).WithError(err).Warn("reputation oracle unreachable, denying claim")
			return svcerr.OracleUnavailable(err.Error())
		}
		return svcerr.Internal(fmt.Sprintf("oracle call: %v", err))
	}

	if !profile.Exists {
		return svcerr.Ineligible("identity not known to reputation oracle")
	}
	if profile.AccountAgeDays < policy.MinAccountAgeDays {
		return svcerr.Ineligible(fmt.Sprintf("account age %d days below minimum %d", profile.AccountAgeDays, policy.MinAccountAgeDays))
	}
	if profile.Score < policy.MinScore {
		return svcerr.Ineligible(fmt.Sprintf("reputation score %.2f below minimum %.2f", profile.Score, policy.MinScore))
	}
	if profile.FollowerCount < policy.MinFollowers {
		return svcerr.Ineligible(fmt.Sprintf("follower count %d below minimum %d", profile.FollowerCount, policy.MinFollowers))
	}

	return nil
}

func (g *Guard) isBlocked(ctx context.Context, identity string) (bool, error) {
	_, found, err := g.store.Get(ctx, blocklistPrefix+identity)
	return found, err
}

// Block adds an identity to the blocklist. The entry never expires.
func (g *Guard) Block(ctx context.Context, identity string) error {
	return g.store.Set(ctx, blocklistPrefix+identity, "1", 0)
}

// Unblock removes an identity from the blocklist.
func (g *Guard) Unblock(ctx context.Context, identity string) error {
	return g.store.Del(ctx, blocklistPrefix+identity)
}
