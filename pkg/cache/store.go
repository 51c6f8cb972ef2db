// Package cache memoizes verdicts by judgment fingerprint.
//
// Entries expire after a TTL and carry the script-version tags they were
// computed with, so a rollout transition can eagerly drop every entry that
// depends on a demoted version.
package cache

import (
	"context"
	"time"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// Store is a verdict store backend.
type Store interface {
	// Get returns the live verdict stored under fingerprint.
	Get(ctx context.Context, fingerprint string) (contracts.Verdict, bool, error)
	// Put stores verdict under fingerprint for ttl, indexed by tags.
	Put(ctx context.Context, fingerprint string, verdict contracts.Verdict, ttl time.Duration, tags ...string) error
	// InvalidateTag removes every entry indexed by tag and returns how many were removed.
	InvalidateTag(ctx context.Context, tag string) (int, error)
}
