package delivery

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// RedisContractStore satisfies ContractStore at compile time.
var _ ContractStore = (*RedisContractStore)(nil)

func TestRedisContractStoreConstruction(t *testing.T) {
	store := NewRedisContractStore("127.0.0.1:6379", 5*time.Minute)
	require.NotNil(t, store)
	require.NoError(t, store.Close())
}

func TestRedisContractStoreJSONRoundTrip(t *testing.T) {
	c := &Contract{
		SkillRef:        "osp.std.system",
		TTLSeconds:      30,
		IssuedAt:        time.Unix(1000, 0).UTC(),
		ExpiresAt:       time.Unix(1030, 0).UTC(),
		IdempotencyKey:  "idem-1",
		MaxRetries:      2,
		ExecutionStatus: StatusPending,
	}
	raw, err := json.Marshal(c)
	require.NoError(t, err)

	var decoded Contract
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, c.SkillRef, decoded.SkillRef)
	require.Equal(t, c.IdempotencyKey, decoded.IdempotencyKey)
	require.True(t, c.ExpiresAt.Equal(decoded.ExpiresAt))
}
