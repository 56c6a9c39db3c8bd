package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sakashimaa/paybank/pkg/mylogger"
	"github.com/sakashimaa/paybank/services/payment/internal/domain"
	"go.uber.org/zap"
)

const defaultCacheTTL = 10 * time.Minute

// cache is a JSON read-through helper. Redis being down degrades to a miss.
type cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func (c cache) get(ctx context.Context, key string, dst any) bool {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			mylogger.Warn(ctx, c.logger, "Cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}

	if err := json.Unmarshal(val, dst); err != nil {
		mylogger.Warn(ctx, c.logger, "Cache entry corrupt", zap.String("key", key), zap.Error(err))
		return false
	}

	return true
}

func (c cache) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		mylogger.Warn(ctx, c.logger, "Cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c cache) del(ctx context.Context, key string) {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		mylogger.Warn(ctx, c.logger, "Cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

func paymentKey(id uuid.UUID) string { return "payment:" + id.String() }
func refundKey(id uuid.UUID) string  { return "refund:" + id.String() }

type cachedPaymentService struct {
	next  PaymentService
	cache cache
}

func NewCachedPaymentService(next PaymentService, redisClient *redis.Client, ttl time.Duration, logger *zap.Logger) PaymentService {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	return &cachedPaymentService{
		next:  next,
		cache: cache{client: redisClient, ttl: ttl, logger: logger},
	}
}

func (s *cachedPaymentService) CreatePayment(ctx context.Context, amount int64, accountReference string) (*domain.PaymentResult, error) {
	return s.next.CreatePayment(ctx, amount, accountReference)
}

// GetPayment caches freely: payments never change after they are written.
func (s *cachedPaymentService) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	key := paymentKey(id)

	var payment domain.Payment
	if s.cache.get(ctx, key, &payment) {
		return &payment, nil
	}

	p, err := s.next.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cache.set(ctx, key, p)
	return p, nil
}

// storeRefund writes a refund snapshot unless the cached one already carries a
// larger running total. Totals only grow, so a stale read can never overwrite
// a newer write.
var storeRefund = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'amount')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'amount', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

type cachedRefundService struct {
	next  RefundService
	cache cache
}

func NewCachedRefundService(next RefundService, redisClient *redis.Client, ttl time.Duration, logger *zap.Logger) RefundService {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	return &cachedRefundService{
		next:  next,
		cache: cache{client: redisClient, ttl: ttl, logger: logger},
	}
}

// CreateRefund writes the new total through once the refund has committed.
// The write runs detached from the request so a caller hanging up cannot
// leave the previous total behind.
func (s *cachedRefundService) CreateRefund(ctx context.Context, paymentID uuid.UUID, amount int64) (*domain.Refund, error) {
	refund, err := s.next.CreateRefund(ctx, paymentID, amount)
	if err != nil {
		return nil, err
	}

	writeCtx := context.WithoutCancel(ctx)
	if !s.store(writeCtx, refund) {
		s.cache.del(writeCtx, refundKey(refund.ID))
	}

	return refund, nil
}

func (s *cachedRefundService) GetRefund(ctx context.Context, id uuid.UUID) (*domain.Refund, error) {
	key := refundKey(id)

	val, err := s.cache.client.HGet(ctx, key, "data").Bytes()
	if err == nil {
		var refund domain.Refund
		if err := json.Unmarshal(val, &refund); err == nil {
			return &refund, nil
		}
		mylogger.Warn(ctx, s.cache.logger, "Cache entry corrupt", zap.String("key", key))
	} else if !errors.Is(err, redis.Nil) {
		mylogger.Warn(ctx, s.cache.logger, "Cache read failed", zap.String("key", key), zap.Error(err))
	}

	r, err := s.next.GetRefund(ctx, id)
	if err != nil {
		return nil, err
	}

	s.store(ctx, r)
	return r, nil
}

func (s *cachedRefundService) GetRefundForPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Refund, error) {
	return s.next.GetRefundForPayment(ctx, paymentID)
}

// store reports false only when redis failed; losing to a newer total is fine.
func (s *cachedRefundService) store(ctx context.Context, refund *domain.Refund) bool {
	data, err := json.Marshal(refund)
	if err != nil {
		return false
	}

	key := refundKey(refund.ID)
	keys := []string{key}
	if err := storeRefund.Run(ctx, s.cache.client, keys, refund.Amount, data, s.cache.ttl.Milliseconds()).Err(); err != nil {
		mylogger.Warn(ctx, s.cache.logger, "Cache write failed", zap.String("key", key), zap.Error(err))
		return false
	}

	return true
}
