// Package scheduler 定时任务调度
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-co-op/gocron"
	tele "gopkg.in/telebot.v3"

	"github.com/smysle/doorkeeper/internal/config"
	"github.com/smysle/doorkeeper/internal/service"
	"github.com/smysle/doorkeeper/pkg/logger"
)

// 任务名称，供 RunNow 使用
const (
	TaskSweep = "sweep"
	TaskPoll  = "poll"
	TaskSync  = "sync"
)

// Engine 定时任务依赖的门禁码服务
type Engine interface {
	SweepExpired(ctx context.Context) (*service.SweepResult, error)
	PollExpired(ctx context.Context) (*service.SweepResult, error)
	SyncAllToLock(ctx context.Context) (*service.SyncResult, error)
}

// Notifier 发送报告，*tele.Bot 即满足
type Notifier interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Scheduler 定时任务调度器
type Scheduler struct {
	cron    *gocron.Scheduler
	cfg     *config.Config
	engine  Engine
	bot     Notifier
	timeout time.Duration
}

// New 创建调度器，任务在配置时区内执行
func New(cfg *config.Config, engine Engine) *Scheduler {
	s := gocron.NewScheduler(cfg.Location())
	s.SetMaxConcurrentJobs(2, gocron.RescheduleMode)

	return &Scheduler{
		cron:    s,
		cfg:     cfg,
		engine:  engine,
		timeout: 5 * time.Minute,
	}
}

// SetBot 设置 Bot 实例（用于发送报告）
func (s *Scheduler) SetBot(bot Notifier) {
	s.bot = bot
}

// Start 启动调度器
func (s *Scheduler) Start() error {
	logger.Info().Msg("启动定时任务调度器")

	if err := s.registerJobs(); err != nil {
		return err
	}
	s.cron.StartAsync()
	return nil
}

// Stop 停止调度器
func (s *Scheduler) Stop() {
	logger.Info().Msg("停止定时任务调度器")
	s.cron.Stop()
}

// registerJobs 注册所有定时任务
func (s *Scheduler) registerJobs() error {
	cfg := s.cfg.Scheduler

	if cfg.ExpireCodes {
		if _, err := s.cron.Every(1).Day().At(cfg.DailySweepAt).Tag(TaskSweep).SingletonMode().Do(s.sweepExpired); err != nil {
			return fmt.Errorf("注册每日清理任务失败: %w", err)
		}
		logger.Info().Str("at", cfg.DailySweepAt).Msg("已注册: 过期门禁码清理任务")

		if cfg.PollMinutes > 0 {
			if _, err := s.cron.Every(cfg.PollMinutes).Minutes().Tag(TaskPoll).SingletonMode().Do(s.pollExpired); err != nil {
				return fmt.Errorf("注册轮询任务失败: %w", err)
			}
			logger.Info().Int("minutes", cfg.PollMinutes).Msg("已注册: 过期门禁码轮询任务")
		}
	}

	if cfg.SyncLockAt != "" {
		if _, err := s.cron.Every(1).Day().At(cfg.SyncLockAt).Tag(TaskSync).SingletonMode().Do(s.syncLock); err != nil {
			return fmt.Errorf("注册门锁同步任务失败: %w", err)
		}
		logger.Info().Str("at", cfg.SyncLockAt).Msg("已注册: 门锁全量同步任务")
	}
	return nil
}

// JobCount 已注册任务数
func (s *Scheduler) JobCount() int {
	return len(s.cron.Jobs())
}

func (s *Scheduler) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// sweepExpired 每日清理过期码
func (s *Scheduler) sweepExpired() {
	logger.Info().Msg("执行定时任务: 过期门禁码清理")

	ctx, cancel := s.context()
	defer cancel()

	result, err := s.engine.SweepExpired(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("过期门禁码清理失败")
		s.report(fmt.Sprintf("⚠️ Expired-code sweep failed: %v", err))
		return
	}
	if result.Failed > 0 {
		s.report(FormatSweep(result))
	}
}

// pollExpired 轮询，只有存在过期码时才清理
func (s *Scheduler) pollExpired() {
	ctx, cancel := s.context()
	defer cancel()

	result, err := s.engine.PollExpired(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("过期门禁码轮询失败")
		return
	}
	if result.Failed > 0 {
		s.report(FormatSweep(result))
	}
}

// syncLock 全量同步门锁
func (s *Scheduler) syncLock() {
	logger.Info().Msg("执行定时任务: 门锁全量同步")

	ctx, cancel := s.context()
	defer cancel()

	result, err := s.engine.SyncAllToLock(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("门锁全量同步失败")
		s.report(fmt.Sprintf("⚠️ Lock sync failed: %v", err))
		return
	}
	if result.Failed > 0 {
		s.report(FormatSync(result))
	}
}

// report 向 Owner 发送报告
func (s *Scheduler) report(text string) {
	if s.bot == nil || s.cfg.Owner == 0 {
		return
	}
	if _, err := s.bot.Send(&tele.Chat{ID: s.cfg.Owner}, text); err != nil {
		logger.Warn().Err(err).Msg("发送定时任务报告失败")
	}
}

// FormatSweep 清理结果文本
func FormatSweep(r *service.SweepResult) string {
	return fmt.Sprintf("🧹 Expired-code sweep\n\nExpired: %d\nFailed: %d\nRun: %s", r.Expired, r.Failed, r.RunID)
}

// FormatSync 同步结果文本
func FormatSync(r *service.SyncResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔄 Lock sync\n\nSynced: %d\nFailed: %d\n", r.Synced, r.Failed)
	for _, item := range r.Results {
		if item.OK {
			continue
		}
		fmt.Fprintf(&b, "\n❌ slot %d %s (%s): %s", item.Slot, item.Name, item.Action, item.Error)
	}
	return b.String()
}

// RunNow 立即执行指定任务
func (s *Scheduler) RunNow(task string) error {
	switch task {
	case TaskSweep:
		s.sweepExpired()
	case TaskPoll:
		s.pollExpired()
	case TaskSync:
		s.syncLock()
	default:
		logger.Warn().Str("task", task).Msg("未知任务")
		return fmt.Errorf("unknown task %q", task)
	}
	return nil
}
