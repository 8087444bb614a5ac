package registry

/*
Файл signals.go синхронизирует аварийные состояния групп между
инстансами контрол-плейна через Redis: Set хранит текущее множество
остановленных групп (L2), pub/sub канал транслирует изменения в
реальном времени, а локальный реестр остается L1-кэшем для Hot Path.
*/

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/aml-control-plane/internal/infra"
)

// HaltSignals — Redis-обвязка аварийных сигналов реестра.
type HaltSignals struct {
	rdb      *redis.Client
	registry *Registry
	logger   *zap.Logger
}

func NewHaltSignals(rdb *redis.Client, r *Registry, logger *zap.Logger) *HaltSignals {
	return &HaltSignals{
		rdb:      rdb,
		registry: r,
		logger:   logger.With(zap.String("mod", "halt-signals")),
	}
}

// PublishHalt реализует HaltBroadcaster: транслирует решение об остановке
// или возобновлении группы и поддерживает Redis Set в актуальном состоянии.
func (s *HaltSignals) PublishHalt(group string, halted bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if halted {
		s.rdb.SAdd(ctx, infra.RedisKeyHaltedGroups, group)
	} else {
		s.rdb.SRem(ctx, infra.RedisKeyHaltedGroups, group)
	}

	payload := group + ":off"
	if halted {
		payload = group + ":on"
	}
	if err := s.rdb.Publish(ctx, infra.RedisChanHaltSignal, payload).Err(); err != nil {
		s.logger.Error("failed to publish halt signal",
			zap.String("group", group), zap.Error(err))
	}
}

// Warmup прогревает L2 (Redis) множеством остановленных групп при старте.
// Распределенная блокировка SetNX гарантирует, что кэш греет один инстанс.
func (s *HaltSignals) Warmup(ctx context.Context) error {
	halted := s.registry.HaltedGroups()

	ok, err := s.rdb.SetNX(ctx, infra.RedisKeyLockWarmupHalted, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil // Либо ошибка сети, либо другой инстанс уже греет
	}

	count, err := s.rdb.SCard(ctx, infra.RedisKeyHaltedGroups).Result()
	if err != nil {
		count = 0
		s.logger.Warn("could not check Redis set size, proceeding with warm-up", zap.Error(err))
	}

	if count == 0 && len(halted) > 0 {
		s.logger.Info("Redis halt cache is empty, performing warm-up...",
			zap.Int("count", len(halted)))
		pipe := s.rdb.Pipeline()
		for _, g := range halted {
			pipe.SAdd(ctx, infra.RedisKeyHaltedGroups, g)
		}
		_, err = pipe.Exec(ctx)
		return err
	}
	return nil
}

// Listen — "живучая" подписка на сигналы других инстансов: обрабатывает
// переподключения и синхронизирует локальный реестр при каждом коннекте.
func (s *HaltSignals) Listen(ctx context.Context) {
	for {
		pubsub := s.rdb.Subscribe(ctx, infra.RedisChanHaltSignal)

		if _, err := pubsub.Receive(ctx); err != nil {
			s.logger.Error("failed to subscribe", zap.Error(err))
			pubsub.Close()
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		// Ресинк при каждом успешном коннекте: подтягиваем Set целиком
		if groups, err := s.rdb.SMembers(ctx, infra.RedisKeyHaltedGroups).Result(); err == nil {
			for _, g := range groups {
				s.registry.applyHaltSignal(g, true)
			}
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				s.processSignal(msg.Payload)
			}
		}

		pubsub.Close()
		time.Sleep(time.Second)
	}
}

func (s *HaltSignals) processSignal(payload string) {
	// Формат сигнала "group:on" / "group:off"
	parts := strings.Split(payload, ":")
	if len(parts) != 2 {
		s.logger.Error("invalid signal format", zap.String("payload", payload))
		return
	}
	halted := parts[1] == "on" || parts[1] == "true"
	s.registry.applyHaltSignal(parts[0], halted)
}
