// Doorkeeper
// Keypad door code service with a Telegram bot and JSON admin API
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/smysle/doorkeeper/internal/bot"
	"github.com/smysle/doorkeeper/internal/config"
	"github.com/smysle/doorkeeper/internal/database"
	"github.com/smysle/doorkeeper/internal/lock"
	"github.com/smysle/doorkeeper/internal/scheduler"
	"github.com/smysle/doorkeeper/internal/service"
	"github.com/smysle/doorkeeper/internal/web"
	"github.com/smysle/doorkeeper/pkg/logger"
)

var (
	configPath = flag.String("config", "config.json", "配置文件路径")
	logFile    = flag.String("log", "log/doorkeeper.log", "日志文件路径，为空只输出到控制台")
	debug      = flag.Bool("debug", false, "调试模式")
)

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("加载配置失败")
	}

	// 初始化日志，时间戳使用站点时区
	logger.Init(*debug, cfg.Location(), *logFile)
	logger.Info().Str("timezone", cfg.Timezone).Msg("🔑 Doorkeeper 启动中...")
	logger.Info().Msg("✅ 配置加载完成")

	// 初始化数据库
	if err := database.Init(&cfg.Database); err != nil {
		logger.Fatal().Err(err).Msg("初始化数据库失败")
	}
	defer database.Close()
	logger.Info().Msg("✅ 数据库连接成功")

	// 门锁控制器与门禁服务
	lockClient := lock.NewClient(&cfg.Lock)
	doors := service.NewDoorService(cfg, service.DefaultStores(), lockClient, nil)

	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.LockTimeout())
	if err := lockClient.Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Str("url", cfg.Lock.URL).Msg("门锁控制器暂不可达，继续启动")
	}
	cancel()

	// 初始化定时任务调度器
	sched := scheduler.New(cfg, doors)
	if err := sched.Start(); err != nil {
		logger.Fatal().Err(err).Msg("启动定时任务失败")
	}
	defer sched.Stop()
	logger.Info().Int("jobs", sched.JobCount()).Msg("✅ 定时任务调度器启动")

	// 初始化 Web API 服务
	webServer := web.New(&cfg.API, doors,
		web.Check{Name: "database", Ping: func(ctx context.Context) error { return database.Ping() }},
		web.Check{Name: "lock", Ping: lockClient.Ping},
	)
	go func() {
		if err := webServer.Start(); err != nil {
			logger.Error().Err(err).Msg("Web API 服务启动失败")
		}
	}()
	defer webServer.Stop()

	// 初始化 Telegram Bot
	tgBot, err := bot.New(cfg, doors)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化 Telegram Bot 失败")
	}
	sched.SetBot(tgBot.Bot)
	logger.Info().Str("bot", cfg.BotName).Msg("✅ Telegram Bot 初始化完成")

	// 监听系统信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// 在后台运行 Bot
	go tgBot.Run()

	logger.Info().Msg("🚀 Doorkeeper 启动成功!")
	logger.Info().Msg("按 Ctrl+C 停止...")

	// 等待退出信号
	<-quit

	logger.Info().Msg("正在关闭服务...")
	tgBot.Stop()
	logger.Info().Msg("👋 再见!")
}
