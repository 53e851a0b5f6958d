package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alisalti1992/sitescope-backend/config"
	"github.com/bradfitz/gomemcache/memcache"
)

// CachedClient keeps fetched robots.txt bodies so repeated jobs against the
// same host do not hit the origin every time.
type CachedClient interface {
	GetRobots(host string) ([]byte, bool)
	SaveRobots(host string, body []byte)
	Close()
}

type MemcachedClient struct {
	client *memcache.Client
	cfg    *config.CacheConfig
	log    *slog.Logger
}

func NewMemcachedClient(cacheConfig *config.CacheConfig, log *slog.Logger) *MemcachedClient {
	log.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	servers := strings.Split(cacheConfig.Servers, ",")
	err := ss.SetServers(servers...)
	if err != nil {
		log.Error("failed to set memcached servers.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c := &MemcachedClient{
		client: memcache.NewFromSelector(ss),
		cfg:    cacheConfig,
		log:    log,
	}
	c.log.Info("pinging the memcached.")
	err = c.client.Ping()
	if err != nil {
		log.Error("connection to the memcached is failed.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c.log.Info("connected to memcached!")

	return c
}

func (mc *MemcachedClient) GetRobots(host string) ([]byte, bool) {
	item, err := mc.client.Get(robotsKey(host))
	if err != nil {
		if !errors.Is(err, memcache.ErrCacheMiss) {
			mc.log.Warn("failed to read robots from cache.", slog.String("host", host),
				slog.String("err", err.Error()))
		}
		return nil, false
	}
	mc.log.Debug("robots cache hit.", slog.String("host", host))

	return item.Value, true
}

func (mc *MemcachedClient) SaveRobots(host string, body []byte) {
	item := &memcache.Item{
		Key:        robotsKey(host),
		Value:      body,
		Expiration: int32((mc.cfg.TtlForRobots).Seconds()),
	}
	if err := mc.client.Set(item); err != nil {
		mc.log.Error("failed to save robots to cache.", slog.String("host", host),
			slog.String("err", err.Error()))
		return
	}
	mc.log.Debug("robots saved to cache.", slog.String("host", host))
}

func (mc *MemcachedClient) Close() {
	mc.log.Info("closing memcached connection.")
	err := mc.client.Close()
	if err != nil {
		mc.log.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}

func robotsKey(host string) string {
	hash := sha256.New()
	hash.Write([]byte(strings.ToLower(host)))
	return fmt.Sprintf("%s-robots", hex.EncodeToString(hash.Sum(nil)))
}
