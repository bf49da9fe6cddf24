package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// MomentsVersionKey holds a counter bumped after every moments_24h refresh.
func MomentsVersionKey() string {
	return "readmodel:moments_24h:version"
}

// MomentsSnapshotKey addresses a cached snapshot for one set of partitions at
// one read-model version.
func MomentsSnapshotKey(version int64, partitionHash string) string {
	return fmt.Sprintf("readmodel:moments_24h:v%d:%s", version, partitionHash)
}

// PartitionHash is an order-independent digest of a partition id set.
func PartitionHash(ids []uuid.UUID) string {
	sorted := make([]string, len(ids))
	for i, id := range ids {
		sorted[i] = id.String()
	}
	sort.Strings(sorted)

	h := sha256.New()
	for _, s := range sorted {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
