// Package ratelimit implements fixed-window counters in Redis. The chat
// server throttles messages per user, connection attempts per IP and bulk
// ban requests per caller.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one throttling policy. Counters live under Key+identifier.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleMessage: 20 chat messages per user every 10s.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleConnect: 30 upgrades per client IP per minute.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: time.Minute}

	// RuleBan: 60 bulk ban calls per caller per minute.
	RuleBan = Rule{Key: "rl:ban:", Limit: 60, Window: time.Minute}
)

// Limiter counts requests in Redis.
type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow records one request for identifier and reports whether it fits in
// the current window. The counter and its TTL are set in one MULTI block, and
// EXPIRE NX leaves the window anchored at the first request.
//
// Redis failures fail open: the request is allowed and the error returned
// for the caller to log or ignore.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, rule.Window)
		return nil
	})
	if err != nil {
		log.Printf("[ratelimit] %s: %v (failing open)", key, err)
		return true, err
	}
	return incr.Val() <= int64(rule.Limit), nil
}
