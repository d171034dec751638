package job

import (
	"context"
	"log"
	"time"

	"customerledger/internal/config"
	"customerledger/internal/service"

	"gorm.io/gorm"
)

// ReconcileJob 对账巡检任务
// 周期性全量比对余额投影与流水重算值，发现漂移告警，
// 配置允许时自动把缓存余额修复为重算真值
type ReconcileJob struct {
	cfg       *config.Config
	reconcile *service.ReconcileService
	stopCh    chan struct{}
	interval  time.Duration
}

func NewReconcileJob(db *gorm.DB, cfg *config.Config) *ReconcileJob {
	return &ReconcileJob{
		cfg:       cfg,
		reconcile: service.NewReconcileService(db, cfg),
		stopCh:    make(chan struct{}),
		interval:  time.Duration(cfg.Business.ReconcileIntervalMinutes) * time.Minute,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	log.Println("[ReconcileJob] 对账巡检任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ReconcileJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ReconcileJob] 任务停止")
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *ReconcileJob) Stop() {
	close(j.stopCh)
}

func (j *ReconcileJob) runOnce(ctx context.Context) {
	drifted, err := j.reconcile.ReconcileAll(ctx, j.cfg.Business.ReconcileAutoRepair)
	if err != nil {
		log.Printf("[ReconcileJob] 对账巡检失败: %v", err)
		return
	}

	if len(drifted) == 0 {
		return
	}

	log.Printf("[ReconcileJob] 本轮发现 %d 个账户漂移", len(drifted))
	for _, r := range drifted {
		log.Printf("[ReconcileJob] 漂移明细: customerID=%d, currency=%s, drift=%s, repaired=%v",
			r.CustomerID, r.Currency, r.Drift.String(), r.Repaired)
	}
}
