// Package bot Telegram Bot 核心
package bot

import (
	"time"

	tele "gopkg.in/telebot.v3"

	"github.com/smysle/doorkeeper/internal/bot/handlers"
	"github.com/smysle/doorkeeper/internal/bot/middleware"
	"github.com/smysle/doorkeeper/internal/bot/session"
	"github.com/smysle/doorkeeper/internal/config"
	"github.com/smysle/doorkeeper/pkg/logger"
)

// Bot Telegram Bot 实例
type Bot struct {
	*tele.Bot
	cfg    *config.Config
	engine handlers.Engine
}

var instance *Bot

// New 创建新的 Bot 实例
func New(cfg *config.Config, engine handlers.Engine) (*Bot, error) {
	pref := tele.Settings{
		Token:  cfg.BotToken,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c tele.Context) {
			logger.Error().Err(err).Msg("Bot 错误")
		},
	}

	b, err := tele.NewBot(pref)
	if err != nil {
		return nil, err
	}

	bot := &Bot{
		Bot:    b,
		cfg:    cfg,
		engine: engine,
	}

	handlers.Setup(handlers.Deps{
		Engine:   engine,
		Sessions: session.Init(time.Duration(cfg.Session.TimeoutMinutes) * time.Minute),
		Config:   cfg,
	})

	// 注册中间件
	bot.registerMiddleware()

	// 注册处理器
	bot.registerHandlers()

	// 设置命令列表
	bot.setCommands()

	instance = bot
	return bot, nil
}

// Get 获取 Bot 单例
func Get() *Bot {
	return instance
}

// registerMiddleware 注册中间件
func (b *Bot) registerMiddleware() {
	b.Use(middleware.Logger())
	b.Use(middleware.Recover())
	b.Use(middleware.AntiFlood(3))
	b.Use(middleware.LoadMember(b.engine))
	b.Use(middleware.RateLimit(30))
}

// registerHandlers 注册所有处理器
func (b *Bot) registerHandlers() {
	b.Handle("/start", handlers.Start)
	b.Handle("/help", handlers.Help)
	b.Handle("/cancel", handlers.Cancel)

	// 会员命令，门禁码只在私聊发送
	memberGroup := b.Group()
	memberGroup.Use(middleware.PrivateOnly(), middleware.MemberOnly())

	memberGroup.Handle("/mycode", handlers.MyCode)
	memberGroup.Handle("/newcode", handlers.NewCode)
	memberGroup.Handle("/daypass", handlers.DayPass)

	// 管理员命令
	adminGroup := b.Group()
	adminGroup.Use(middleware.PrivateOnly(), middleware.AdminOnly())

	adminGroup.Handle("/quickcode", handlers.QuickCode)
	adminGroup.Handle("/codes", handlers.Codes)
	adminGroup.Handle("/admin", handlers.Admin)
	adminGroup.Handle("/sync", handlers.Sync)
	adminGroup.Handle("/sweep", handlers.Sweep)

	// 回调查询
	b.Handle(tele.OnCallback, handlers.OnCallback)

	// 文本消息处理（用于会话状态）
	b.Handle(tele.OnText, handlers.OnText)
}

// setCommands 设置命令列表
func (b *Bot) setCommands() {
	memberCmds := []tele.Command{
		{Text: "mycode", Description: "Show your door code"},
		{Text: "newcode", Description: "Change your door code"},
		{Text: "daypass", Description: "Get a code for today"},
		{Text: "help", Description: "Show help"},
		{Text: "cancel", Description: "Cancel the current action"},
	}

	adminCmds := append(memberCmds, []tele.Command{
		{Text: "quickcode", Description: "Issue a guest code"},
		{Text: "codes", Description: "List and revoke active codes"},
		{Text: "admin", Description: "Member administration"},
		{Text: "sync", Description: "Push all codes to the lock"},
		{Text: "sweep", Description: "Expire overdue codes now"},
	}...)

	if err := b.SetCommands(memberCmds); err != nil {
		logger.Warn().Err(err).Msg("设置命令列表失败")
	}

	// Owner 专属命令列表；其他管理员靠 /help 查看
	if b.cfg.Owner != 0 {
		if err := b.SetCommands(adminCmds, tele.CommandScope{
			Type:   tele.CommandScopeChat,
			ChatID: b.cfg.Owner,
		}); err != nil {
			logger.Warn().Err(err).Msg("设置 Owner 命令列表失败")
		}
	}
}

// Run 运行 Bot
func (b *Bot) Run() {
	logger.Info().Str("bot", b.cfg.BotName).Msg("Bot 启动中...")
	b.Start()
}

// Stop 停止 Bot
func (b *Bot) Stop() {
	logger.Info().Msg("Bot 停止中...")
	b.Bot.Stop()
}
