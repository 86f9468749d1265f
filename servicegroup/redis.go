package servicegroup

import (
	"context"
	"crypto/tls"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/log"
)

const redisKeyPrefix = "nova:servicegroup:"

// memberRedisKey is the expiring liveness key of a member.
func memberRedisKey(groupID, memberID string) string {
	return redisKeyPrefix + groupID + ":" + memberID
}

// groupRedisKey is the set of members that joined a group.
func groupRedisKey(groupID string) string {
	return redisKeyPrefix + groupID
}

type redisDriver struct {
	client     *redis.Client
	ttl        time.Duration
	logger     log.Logger
	heartbeats *heartbeats
}

func newRedisDriver(cfg Config, deps Deps, logger log.Logger) (*redisDriver, error) {
	opts, err := redisOptions(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	opts.Dialer = redisDialer(deps.Substrate.Dial, opts.TLSConfig)

	return &redisDriver{
		client:     redis.NewClient(opts),
		ttl:        cfg.ServiceDownTime,
		logger:     logger,
		heartbeats: newHeartbeats(DriverRedis, cfg, deps, logger, nil),
	}, nil
}

// redisDialer dials through dial and, for rediss:// URLs, completes the TLS
// handshake before the client writes anything.
func redisDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error), cfg *tls.Config) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if cfg == nil {
		return dial
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		raw, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		conn := tls.Client(raw, cfg)
		if err := conn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, err
		}
		return conn, nil
	}
}

// redisOptions accepts a redis:// URL or a bare host:port.
func redisOptions(raw string) (*redis.Options, error) {
	if raw == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "redis_url is required by the redis service group driver")
	}
	if strings.HasPrefix(raw, "redis://") || strings.HasPrefix(raw, "rediss://") {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, errors.Wrap(errors.CodeInvalidArgument, "servicegroup.redisOptions", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: raw}, nil
}

func (d *redisDriver) report(ctx context.Context, groupID, memberID, binary string) error {
	_, err := d.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, memberRedisKey(groupID, memberID), binary, d.ttl)
		p.SAdd(ctx, groupRedisKey(groupID), memberID)
		return nil
	})
	return err
}

func (d *redisDriver) Join(ctx context.Context, memberID, groupID string, svc ServiceInfo) error {
	if memberID == "" || groupID == "" || svc.Binary == "" {
		return errors.New(errors.CodeInvalidArgument, "member, group and binary are required")
	}
	if err := d.report(ctx, groupID, memberID, svc.Binary); err != nil {
		return errors.Wrap(errors.CodeUnavailable, "servicegroup.Join", err)
	}
	started := d.heartbeats.start(groupID, memberID, func(ctx context.Context) error {
		return d.report(ctx, groupID, memberID, svc.Binary)
	})
	if !started {
		return errors.New(errors.CodeAborted, "service group is closed")
	}
	return nil
}

// IsUp reports whether the member's key has not expired yet.
func (d *redisDriver) IsUp(ctx context.Context, m Member) (bool, error) {
	n, err := d.client.Exists(ctx, memberRedisKey(m.Topic, m.Host)).Result()
	if err != nil {
		return false, errors.Wrap(errors.CodeUnavailable, "servicegroup.IsUp", err)
	}
	return n == 1, nil
}

func (d *redisDriver) Leave(ctx context.Context, memberID, groupID string) error {
	d.heartbeats.stop(groupID, memberID)
	_, err := d.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, memberRedisKey(groupID, memberID))
		p.SRem(ctx, groupRedisKey(groupID), memberID)
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.CodeUnavailable, "servicegroup.Leave", err)
	}
	return nil
}

// GetAll returns members whose key is still alive. Expired members are
// pruned from the group set.
func (d *redisDriver) GetAll(ctx context.Context, groupID string) ([]string, error) {
	members, err := d.client.SMembers(ctx, groupRedisKey(groupID)).Result()
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "servicegroup.GetAll", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	checks := make([]*redis.IntCmd, len(members))
	_, err = d.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, m := range members {
			checks[i] = p.Exists(ctx, memberRedisKey(groupID, m))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "servicegroup.GetAll", err)
	}

	live := make([]string, 0, len(members))
	var stale []any
	for i, m := range members {
		if checks[i].Val() == 1 {
			live = append(live, m)
		} else {
			stale = append(stale, m)
		}
	}
	if len(stale) > 0 {
		if err := d.client.SRem(ctx, groupRedisKey(groupID), stale...).Err(); err != nil {
			d.logger.Warn("cannot prune expired members", log.Str("group", groupID), log.Str("reason", err.Error()))
		}
	}
	sort.Strings(live)
	return live, nil
}

func (d *redisDriver) Close() error {
	d.heartbeats.stopAll()
	return d.client.Close()
}
