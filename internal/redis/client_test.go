package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func TestBuildKeys(t *testing.T) {
	assert.Equal(t, "im:user:location:alice", BuildUserLocationKey("alice"))
	assert.Equal(t, "im:token:abc", BuildTokenInfoKey("abc"))
}

// setupRedis 连接测试 Redis，不可用时跳过
func setupRedis(t *testing.T) *Client {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("跳过集成测试: INTEGRATION_TEST 未设置")
	}

	raw := redis.NewClient(&redis.Options{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := raw.Ping(ctx).Err(); err != nil {
		raw.Close()
		t.Skipf("跳过集成测试: 无法连接 Redis: %v", err)
	}

	c := newClient(raw, "node-test", time.Minute, nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestIntegration_UserLocations(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()
	userID := fmt.Sprintf("user_%d", time.Now().UnixNano())
	defer c.client.Del(ctx, BuildUserLocationKey(userID))

	require.NoError(t, c.RegisterUserLocation(ctx, userID, 1, "dev-a", "web"))
	require.NoError(t, c.RegisterUserLocation(ctx, userID, 2, "dev-b", "ios"))

	locs, err := c.GetUserLocations(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, locs, 2)
	for _, loc := range locs {
		assert.Equal(t, "node-test", loc.NodeID)
		assert.Equal(t, userID, loc.UserID)
	}

	ttl, err := c.client.TTL(ctx, BuildUserLocationKey(userID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, c.UnregisterUserLocation(ctx, userID, 1))
	locs, err = c.GetUserLocations(ctx, userID)
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, int64(2), locs[0].ConnID)
}

func TestIntegration_TokenInfo(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()
	token := fmt.Sprintf("token_%d", time.Now().UnixNano())

	info, err := c.GetTokenInfo(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, info)

	require.NoError(t, c.StoreToken(ctx, token, TokenInfo{UserID: "alice", DeviceID: "d1", Platform: "web"}, time.Minute))
	info, err = c.GetTokenInfo(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "alice", info.UserID)
	assert.Equal(t, "web", info.Platform)
}
