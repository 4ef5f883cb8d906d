package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"sudooom.im.livechat/internal/config"
)

const (
	// UserLocationKeyPrefix 用户位置 Hash，field 为 connId
	UserLocationKeyPrefix = "im:user:location:"
	// TokenInfoKeyPrefix token -> 身份 JSON
	TokenInfoKeyPrefix = "im:token:"

	DefaultLocationTTL = 24 * time.Hour
)

func BuildUserLocationKey(userID string) string {
	return UserLocationKeyPrefix + userID
}

func BuildTokenInfoKey(token string) string {
	return TokenInfoKeyPrefix + token
}

// TokenInfo 存储在 Redis 中的 token 信息（仅认证字段）
type TokenInfo struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
}

// UserLocation 用户某个连接所在的节点
type UserLocation struct {
	UserID    string    `json:"userId"`
	NodeID    string    `json:"nodeId"`
	ConnID    int64     `json:"connId"`
	DeviceID  string    `json:"deviceId"`
	Platform  string    `json:"platform"`
	LoginTime time.Time `json:"loginTime"`
}

// Client Redis 客户端
type Client struct {
	client      *redis.Client
	nodeID      string
	locationTTL time.Duration
	logger      *slog.Logger
}

// NewClient 创建 Redis 客户端
func NewClient(cfg config.RedisConfig, nodeID string, logger *slog.Logger) *Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	return newClient(client, nodeID, cfg.LocationTTL, logger)
}

func newClient(client *redis.Client, nodeID string, ttl time.Duration, logger *slog.Logger) *Client {
	if ttl <= 0 {
		ttl = DefaultLocationTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client:      client,
		nodeID:      nodeID,
		locationTTL: ttl,
		logger:      logger.With("component", "redis"),
	}
}

// RegisterUserLocation 记录连接所在节点，一个用户可有多条连接
func (c *Client) RegisterUserLocation(ctx context.Context, userID string, connID int64, deviceID, platform string) error {
	key := BuildUserLocationKey(userID)

	data, err := json.Marshal(UserLocation{
		UserID:    userID,
		NodeID:    c.nodeID,
		ConnID:    connID,
		DeviceID:  deviceID,
		Platform:  platform,
		LoginTime: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal location: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, strconv.FormatInt(connID, 10), data)
	pipe.Expire(ctx, key, c.locationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	c.logger.Debug("Registered user location",
		"user_id", userID,
		"conn_id", connID,
		"platform", platform,
		"node_id", c.nodeID)
	return nil
}

// UnregisterUserLocation 移除一条连接的位置
func (c *Client) UnregisterUserLocation(ctx context.Context, userID string, connID int64) error {
	return c.client.HDel(ctx, BuildUserLocationKey(userID), strconv.FormatInt(connID, 10)).Err()
}

// RefreshUserLocation 刷新用户位置 TTL（心跳时调用）
func (c *Client) RefreshUserLocation(ctx context.Context, userID string) error {
	return c.client.Expire(ctx, BuildUserLocationKey(userID), c.locationTTL).Err()
}

// GetUserLocations 返回用户所有连接的位置，不在线时返回空切片
func (c *Client) GetUserLocations(ctx context.Context, userID string) ([]UserLocation, error) {
	values, err := c.client.HGetAll(ctx, BuildUserLocationKey(userID)).Result()
	if err != nil {
		return nil, err
	}

	locations := make([]UserLocation, 0, len(values))
	for field, raw := range values {
		var loc UserLocation
		if err := json.Unmarshal([]byte(raw), &loc); err != nil {
			c.logger.Warn("Skipping malformed user location", "user_id", userID, "field", field, "error", err)
			continue
		}
		locations = append(locations, loc)
	}
	return locations, nil
}

// StoreToken 写入 token 信息，ttl 为 0 表示不过期
func (c *Client) StoreToken(ctx context.Context, token string, info TokenInfo, ttl time.Duration) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal token info: %w", err)
	}
	return c.client.Set(ctx, BuildTokenInfoKey(token), data, ttl).Err()
}

// GetTokenInfo 查找 token 对应的身份，token 不存在时返回 nil, nil
func (c *Client) GetTokenInfo(ctx context.Context, token string) (*TokenInfo, error) {
	data, err := c.client.Get(ctx, BuildTokenInfoKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var info TokenInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, fmt.Errorf("unmarshal token info: %w", err)
	}
	return &info, nil
}

// Ping 检查 Redis 连接
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close 关闭连接
func (c *Client) Close() error {
	return c.client.Close()
}
