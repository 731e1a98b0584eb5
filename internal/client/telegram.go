// Package client 外部服务客户端
package client

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/clock"
	"github.com/chanpass/fulfillment/internal/config"
	"github.com/chanpass/fulfillment/internal/metrics"
	"github.com/chanpass/fulfillment/internal/model"
	"github.com/chanpass/fulfillment/pkg/circuitbreaker"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
	"github.com/chanpass/fulfillment/pkg/logger"
)

// Telegram 拒绝请求 (用户拉黑机器人、频道不存在、权限不足等)，重试无意义
var ErrTelegramRejected = bizerr.New(bizerr.KindValidation, "TELEGRAM_REJECTED", "Telegram 拒绝请求")

// 用户已不在频道时 banChatMember 返回的描述
var absentMemberDescriptions = []string{
	"user not found",
	"PARTICIPANT_ID_INVALID",
	"USER_NOT_PARTICIPANT",
	"member not found",
}

// Bot API 的业务拒绝，其余错误 (5xx、网络、响应无法解析) 视为暂时性
var rejectedErrors = []struct {
	err  error
	code int
}{
	{bot.ErrorBadRequest, http.StatusBadRequest},
	{bot.ErrorUnauthorized, http.StatusUnauthorized},
	{bot.ErrorForbidden, http.StatusForbidden},
	{bot.ErrorNotFound, http.StatusNotFound},
}

// TelegramConfig Telegram 客户端配置
type TelegramConfig struct {
	BotToken   string
	APIURL     string
	Timeout    time.Duration
	InviteTTL  time.Duration
	HTTPClient *http.Client
	Breaker    *circuitbreaker.Config
}

// NewTelegramConfig 从配置文件构造
func NewTelegramConfig(c config.TelegramConfig) *TelegramConfig {
	breaker := circuitbreaker.DefaultConfig()
	breaker.FailureThreshold = c.BreakerFailures
	breaker.Timeout = time.Duration(c.BreakerTimeoutSeconds) * time.Second
	return &TelegramConfig{
		BotToken:  c.BotToken,
		APIURL:    c.APIURL,
		Timeout:   time.Duration(c.TimeoutSeconds) * time.Second,
		InviteTTL: time.Duration(c.InviteTTLHours) * time.Hour,
		Breaker:   breaker,
	}
}

// TelegramClient 通过 Bot API 管理频道成员
type TelegramClient struct {
	cfg     *TelegramConfig
	bot     *bot.Bot
	breaker *circuitbreaker.CircuitBreaker
	clock   clock.Clock
}

// NewTelegramClient 创建 Telegram 客户端，不在启动时调用 getMe
func NewTelegramClient(cfg *TelegramConfig, clk clock.Clock) (*TelegramClient, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	opts := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithHTTPClient(cfg.Timeout, httpClient),
	}
	if cfg.APIURL != "" {
		opts = append(opts, bot.WithServerURL(cfg.APIURL))
	}
	b, err := bot.New(cfg.BotToken, opts...)
	if err != nil {
		return nil, bizerr.Wrap(bizerr.ErrInternal, err)
	}

	breakerCfg := cfg.Breaker
	if breakerCfg == nil {
		breakerCfg = circuitbreaker.DefaultConfig()
	}
	// 只有服务端故障计入熔断，业务拒绝不计入
	breakerCfg.IsFailure = bizerr.IsRetryable
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &TelegramClient{
		cfg:     cfg,
		bot:     b,
		breaker: circuitbreaker.New("telegram", breakerCfg),
		clock:   clk,
	}, nil
}

// Invite 生成一次性邀请链接并私信给用户
func (c *TelegramClient) Invite(ctx context.Context, userID, channelID string) error {
	uid, err := parseUserID(userID)
	if err != nil {
		return err
	}

	var link *models.ChatInviteLink
	err = c.call("createChatInviteLink", func() (err error) {
		link, err = c.bot.CreateChatInviteLink(ctx, &bot.CreateChatInviteLinkParams{
			ChatID:      channelID,
			MemberLimit: 1,
			ExpireDate:  int(c.clock.Now().Add(c.cfg.InviteTTL).Unix()),
		})
		return err
	})
	if err != nil {
		return err
	}

	return c.call("sendMessage", func() error {
		_, err := c.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: uid,
			Text:   "Your subscription is active. Join the channel: " + link.InviteLink,
		})
		return err
	})
}

// Remove 踢出用户；解封后用户可在续费时重新加入。用户已不在频道视为成功
func (c *TelegramClient) Remove(ctx context.Context, userID, channelID string) error {
	uid, err := parseUserID(userID)
	if err != nil {
		return err
	}

	err = c.call("banChatMember", func() error {
		_, err := c.bot.BanChatMember(ctx, &bot.BanChatMemberParams{
			ChatID: channelID,
			UserID: uid,
		})
		return err
	})
	if err != nil {
		if isAbsentMember(err) {
			logger.Debug("member already absent",
				zap.String("channel_id", channelID),
				zap.String("user_id", userID),
			)
			return nil
		}
		return err
	}

	return c.call("unbanChatMember", func() error {
		_, err := c.bot.UnbanChatMember(ctx, &bot.UnbanChatMemberParams{
			ChatID:       channelID,
			UserID:       uid,
			OnlyIfBanned: true,
		})
		return err
	})
}

// CheckPermissions 查询机器人在频道内的权限
func (c *TelegramClient) CheckPermissions(ctx context.Context, channelID string) (*model.ChannelPermissions, error) {
	var me *models.User
	err := c.call("getMe", func() (err error) {
		me, err = c.bot.GetMe(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	var member *models.ChatMember
	err = c.call("getChatMember", func() (err error) {
		member, err = c.bot.GetChatMember(ctx, &bot.GetChatMemberParams{
			ChatID: channelID,
			UserID: me.ID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	perms := &model.ChannelPermissions{ChannelID: channelID}
	switch member.Type {
	case models.ChatMemberTypeOwner:
		perms.IsAdmin, perms.CanInvite, perms.CanBan = true, true, true
	case models.ChatMemberTypeAdministrator:
		perms.IsAdmin = true
		if admin := member.Administrator; admin != nil {
			perms.CanInvite = admin.CanInviteUsers
			perms.CanBan = admin.CanRestrictMembers
		}
	}
	return perms, nil
}

// call 经熔断器执行一次 Bot API 调用并归类错误
func (c *TelegramClient) call(method string, fn func() error) error {
	err := c.breaker.Execute(func() error {
		return classifyTelegramError(method, fn())
	})
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		metrics.RecordExternalCall("telegram", method, "circuit_open")
		return bizerr.Transient(err, "telegram %s rejected by circuit breaker", method)
	case err != nil:
		metrics.RecordExternalCall("telegram", method, "error")
		return err
	}
	metrics.RecordExternalCall("telegram", method, "ok")
	return nil
}

func classifyTelegramError(method string, err error) error {
	if err == nil {
		return nil
	}

	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return bizerr.Transient(err, "telegram %s rate limited: %s", method, tooMany.Message).
			WithDetail("retry_after", strconv.Itoa(tooMany.RetryAfter))
	}

	for _, r := range rejectedErrors {
		if errors.Is(err, r.err) {
			return ErrTelegramRejected.
				WithMessagef("telegram %s: %s", method, err.Error()).
				WithDetail("error_code", strconv.Itoa(r.code)).
				WithDetail("description", err.Error())
		}
	}

	return bizerr.Transient(err, "telegram %s request failed", method)
}

func isAbsentMember(err error) bool {
	var bizErr *bizerr.Error
	if !errors.As(err, &bizErr) || bizErr.Code != ErrTelegramRejected.Code {
		return false
	}
	desc := strings.ToLower(bizErr.Details["description"])
	for _, s := range absentMemberDescriptions {
		if strings.Contains(desc, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

func parseUserID(userID string) (int64, error) {
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return 0, ErrTelegramRejected.WithMessagef("invalid telegram user id %q", userID)
	}
	return uid, nil
}
