package job

import (
	"context"
	"log/slog"
	"time"

	"visabilling/internal/config"
	"visabilling/internal/infrastructure/mq"
	"visabilling/internal/model"
	"visabilling/internal/repository"
	"visabilling/pkg/logger"

	"gorm.io/gorm"
)

// Locker 选主用的锁
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// OutboxSender 把 outbox 中的支付结果消息投递到 Kafka
//
// 多实例部署时通过分布式锁保证同一时刻只有一个实例在投递，避免同一条消息被并发重复发送。
// 消费方仍需按 message key（交易号）去重：标记 SENT 之前进程退出会导致重发。
type OutboxSender struct {
	outboxRepo    *repository.OutboxRepository
	publisher     mq.Publisher
	locker        Locker
	log           *slog.Logger
	stopCh        chan struct{}
	interval      time.Duration
	batchSize     int
	maxRetryCount int

	leader   bool
	requeued bool
}

func NewOutboxSender(db *gorm.DB, publisher mq.Publisher, locker Locker, cfg *config.OutboxConfig, log *slog.Logger) *OutboxSender {
	return &OutboxSender{
		outboxRepo:    repository.NewOutboxRepository(db),
		publisher:     publisher,
		locker:        locker,
		log:           log.With(slog.String("job", "outbox_sender")),
		stopCh:        make(chan struct{}),
		interval:      cfg.Interval,
		batchSize:     cfg.BatchSize,
		maxRetryCount: cfg.MaxRetryCount,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.InfoContext(ctx, "消息发送任务启动", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.release()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info("任务停止")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// RunOnce 抢到（或续上）投递锁后处理一批待发送消息
func (s *OutboxSender) RunOnce(ctx context.Context) {
	if !s.ensureLeader(ctx) {
		return
	}
	s.processPendingMessages(ctx)
}

func (s *OutboxSender) ensureLeader(ctx context.Context) bool {
	if s.leader {
		ok, err := s.locker.Refresh(ctx)
		if err == nil && ok {
			return true
		}
		if err != nil {
			s.log.WarnContext(ctx, "投递锁续期失败", logger.Error(err))
		} else {
			s.log.InfoContext(ctx, "投递锁已被其他实例持有")
		}
		s.leader = false
	}

	ok, err := s.locker.TryLock(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "获取投递锁失败", logger.Error(err))
		return false
	}
	if !ok {
		return false
	}

	s.leader = true
	s.log.InfoContext(ctx, "获得投递锁，开始投递")

	// 第一次成为投递者时，把之前超过重试次数的消息重新放回队列
	if !s.requeued {
		s.requeueFailedMessages(ctx)
		s.requeued = true
	}
	return true
}

func (s *OutboxSender) release() {
	if !s.leader {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.locker.Unlock(ctx); err != nil {
		s.log.Warn("释放投递锁失败", logger.Error(err))
	}
	s.leader = false
}

func (s *OutboxSender) requeueFailedMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetFailedMessages(ctx, s.batchSize)
	if err != nil {
		s.log.ErrorContext(ctx, "查询失败消息失败", logger.Error(err))
		return
	}
	for _, msg := range messages {
		if err := s.outboxRepo.Requeue(ctx, msg.ID); err != nil {
			s.log.ErrorContext(ctx, "失败消息重新入队失败", slog.Int64("id", msg.ID), logger.Error(err))
			continue
		}
		s.log.InfoContext(ctx, "失败消息重新入队", slog.Int64("id", msg.ID), slog.String("key", msg.MessageKey))
	}
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.ErrorContext(ctx, "查询消息失败", logger.Error(err))
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.publisher.Publish(msg.Topic, msg.MessageKey, msg.Payload)

	if err == nil {
		if updateErr := s.outboxRepo.MarkAsSent(ctx, msg.ID); updateErr != nil {
			s.log.ErrorContext(ctx, "更新消息状态失败", slog.Int64("id", msg.ID), logger.Error(updateErr))
		} else {
			s.log.DebugContext(ctx, "消息发送成功",
				slog.Int64("id", msg.ID),
				slog.String("topic", msg.Topic),
				slog.String("key", msg.MessageKey),
			)
		}
		return
	}

	s.log.WarnContext(ctx, "消息发送失败",
		slog.Int64("id", msg.ID),
		slog.Int("retry_count", msg.RetryCount),
		logger.Error(err),
	)

	if msg.RetryCount+1 >= s.maxRetryCount {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			s.log.ErrorContext(ctx, "标记消息失败状态失败", slog.Int64("id", msg.ID), logger.Error(err))
		} else {
			s.log.ErrorContext(ctx, "消息超过最大重试次数，标记为失败", slog.Int64("id", msg.ID), slog.String("key", msg.MessageKey))
		}
		return
	}

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		s.log.ErrorContext(ctx, "增加重试次数失败", slog.Int64("id", msg.ID), logger.Error(err))
	}
}
