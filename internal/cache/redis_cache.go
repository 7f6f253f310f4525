package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// MetadataChannel carries endpoint and datasource change notices between
// instances.
const MetadataChannel = "metadata_updates"

type CacheManager struct {
	redisClient *redis.Client
	localCache  *cache.Cache
	pubSub      *redis.PubSub
	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.RWMutex
	logger      *slog.Logger
	instanceID  string

	handlersMu sync.RWMutex
	handlers   []func(MetadataUpdate)
}

type MetadataUpdate struct {
	Kind      string `json:"kind"`
	ID        uint   `json:"id"`
	Action    string `json:"action"`
	Origin    string `json:"origin"`
	Timestamp int64  `json:"timestamp"`
}

const (
	KindEndpoint   = "endpoint"
	KindDatasource = "datasource"
)

// NewCacheManager connects to Redis at redisURL. When Redis cannot be reached
// the manager runs on the in-process cache alone.
func NewCacheManager(redisURL string, logger *slog.Logger) *CacheManager {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &CacheManager{
		ctx:        ctx,
		cancel:     cancel,
		localCache: cache.New(5*time.Minute, 10*time.Minute),
		logger:     logger,
		instanceID: uuid.New().String(),
	}
	if redisURL != "" {
		cm.initialize(redisURL)
	}
	return cm
}

// NewLocalCacheManager never touches Redis.
func NewLocalCacheManager(logger *slog.Logger) *CacheManager {
	return NewCacheManager("", logger)
}

func (cm *CacheManager) initialize(redisURL string) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		opts = &redis.Options{
			Addr: redisURL,
			DB:   0,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		cm.logger.Warn("redis connection failed, using local cache only", "error", err)
		client.Close()
		return
	}
	cm.logger.Info("redis connection established")

	cm.redisClient = client
	cm.pubSub = client.Subscribe(cm.ctx, MetadataChannel)
	go cm.listenForUpdates()
}

func (cm *CacheManager) InstanceID() string {
	return cm.instanceID
}

// OnMetadataUpdate registers fn for every metadata notice, local or remote.
func (cm *CacheManager) OnMetadataUpdate(fn func(MetadataUpdate)) {
	cm.handlersMu.Lock()
	defer cm.handlersMu.Unlock()
	cm.handlers = append(cm.handlers, fn)
}

func (cm *CacheManager) listenForUpdates() {
	if cm.pubSub == nil {
		return
	}

	for msg := range cm.pubSub.Channel() {
		cm.handleUpdateMessage(msg.Payload)
	}
}

func (cm *CacheManager) handleUpdateMessage(payload string) {
	var update MetadataUpdate
	if err := json.Unmarshal([]byte(payload), &update); err != nil {
		cm.logger.Warn("failed to parse metadata update", "error", err)
		return
	}
	cm.dispatch(update)
}

func (cm *CacheManager) dispatch(update MetadataUpdate) {
	cm.handlersMu.RLock()
	handlers := slices.Clone(cm.handlers)
	cm.handlersMu.RUnlock()

	for _, fn := range handlers {
		fn(update)
	}
}

// PublishMetadataUpdate announces a change. Without Redis the notice is
// delivered to this instance's handlers directly.
func (cm *CacheManager) PublishMetadataUpdate(kind string, id uint, action string) {
	update := MetadataUpdate{
		Kind:      kind,
		ID:        id,
		Action:    action,
		Origin:    cm.instanceID,
		Timestamp: time.Now().Unix(),
	}

	if cm.redisClient == nil {
		cm.dispatch(update)
		return
	}

	data, _ := json.Marshal(update)
	ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
	defer cancel()

	if err := cm.redisClient.Publish(ctx, MetadataChannel, data).Err(); err != nil {
		cm.logger.Warn("failed to publish metadata update, applying locally", "kind", kind, "id", id, "error", err)
		cm.dispatch(update)
	}
}

func (cm *CacheManager) Set(key string, value interface{}, ttl time.Duration) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.localCache.Set(key, value, ttl)

	if cm.redisClient != nil {
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
		defer cancel()

		return cm.redisClient.Set(ctx, key, data, ttl).Err()
	}

	return nil
}

// Get decodes the cached value of key into target.
func (cm *CacheManager) Get(key string, target interface{}) (bool, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if val, found := cm.localCache.Get(key); found {
		data, ok := val.([]byte)
		if !ok {
			var err error
			if data, err = json.Marshal(val); err != nil {
				return false, err
			}
		}
		return true, json.Unmarshal(data, target)
	}

	if cm.redisClient != nil {
		ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
		defer cancel()

		data, err := cm.redisClient.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return false, nil
		} else if err != nil {
			return false, err
		}

		cm.localCache.Set(key, data, time.Minute)

		return true, json.Unmarshal(data, target)
	}

	return false, nil
}

func (cm *CacheManager) Delete(keys ...string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, key := range keys {
		cm.localCache.Delete(key)
	}

	if cm.redisClient != nil && len(keys) > 0 {
		ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
		defer cancel()
		return cm.redisClient.Del(ctx, keys...).Err()
	}

	return nil
}

// Increment adds value to the counter at key. A new counter expires after ttl.
func (cm *CacheManager) Increment(key string, value int64, ttl time.Duration) (int64, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.redisClient != nil {
		ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
		defer cancel()

		count, err := cm.redisClient.IncrBy(ctx, key, value).Result()
		if err != nil {
			return 0, err
		}
		if count == value {
			cm.redisClient.Expire(ctx, key, ttl)
		}
		return count, nil
	}

	if err := cm.localCache.Add(key, value, ttl); err == nil {
		return value, nil
	}
	return cm.localCache.IncrementInt64(key, value)
}

func (cm *CacheManager) IsAvailable() bool {
	return cm.redisClient != nil
}

func (cm *CacheManager) Close() {
	cm.cancel()
	if cm.pubSub != nil {
		cm.pubSub.Close()
	}
	if cm.redisClient != nil {
		cm.redisClient.Close()
	}
}
