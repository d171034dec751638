package job

import (
	"context"
	"log"
	"time"

	"customerledger/internal/config"
	"customerledger/internal/infrastructure/mq"
	"customerledger/internal/model"
	"customerledger/internal/repository"

	"gorm.io/gorm"
)

// SendFunc 消息投递函数，默认走 Kafka，测试可替换
type SendFunc func(topic, key, value string) error

type OutboxSender struct {
	db         *gorm.DB
	outboxRepo *repository.OutboxRepository
	cfg        *config.Config
	send       SendFunc
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, cfg *config.Config) *OutboxSender {
	return &OutboxSender{
		db:         db,
		outboxRepo: repository.NewOutboxRepository(db),
		cfg:        cfg,
		send:       mq.SendMessage,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
	}
}

// WithSender 替换投递函数（测试用）
func (s *OutboxSender) WithSender(send SendFunc) *OutboxSender {
	s.send = send
	return s
}

func (s *OutboxSender) Start(ctx context.Context) {
	log.Println("[OutboxSender] 账本事件投递任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Println("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			s.ProcessPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// ProcessPendingMessages 扫描并投递一批待发送事件
func (s *OutboxSender) ProcessPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		log.Printf("[OutboxSender] 查询事件失败: %v", err)
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.send(msg.Topic, msg.MessageKey, msg.Payload)

	if err == nil {
		if updateErr := s.outboxRepo.MarkSent(ctx, msg.ID); updateErr != nil {
			log.Printf("[OutboxSender] 更新事件状态失败: id=%d, err=%v", msg.ID, updateErr)
		} else {
			log.Printf("[OutboxSender] 事件投递成功: id=%d, topic=%s, key=%s", msg.ID, msg.Topic, msg.MessageKey)
		}
		return
	}

	log.Printf("[OutboxSender] 事件投递失败: id=%d, err=%v", msg.ID, err)

	if err := s.outboxRepo.RecordFailure(ctx, msg.ID, msg.RetryCount, s.cfg.Business.MaxRetryCount); err != nil {
		log.Printf("[OutboxSender] 记录投递失败状态失败: id=%d, err=%v", msg.ID, err)
	} else if msg.RetryCount+1 >= s.cfg.Business.MaxRetryCount {
		log.Printf("[OutboxSender] 事件超过最大重试次数，标记为失败: id=%d", msg.ID)
	}
}
