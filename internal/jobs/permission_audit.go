package jobs

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/model"
	"github.com/chanpass/fulfillment/internal/scheduler"
	"github.com/chanpass/fulfillment/internal/service"
	"github.com/chanpass/fulfillment/pkg/logger"
)

// ChannelLister 列出有活跃订阅的频道
type ChannelLister interface {
	ListActiveChannels(ctx context.Context) ([]string, error)
}

// PermissionChecker 查询机器人在频道内的权限
type PermissionChecker interface {
	CheckPermissions(ctx context.Context, channelID string) (*model.ChannelPermissions, error)
}

// ListingFinder 按频道查找商品
type ListingFinder interface {
	ListByChannelID(ctx context.Context, channelID string) ([]*model.Listing, error)
}

// PermissionAuditJob 频道权限巡检任务
// 机器人缺少管理员、邀请或封禁权限时通知频道所属商户
type PermissionAuditJob struct {
	scheduler.BaseJob
	channels ChannelLister
	checker  PermissionChecker
	listings ListingFinder
	notifier service.Notifier
}

// NewPermissionAuditJob 创建频道权限巡检任务
func NewPermissionAuditJob(
	channels ChannelLister,
	checker PermissionChecker,
	listings ListingFinder,
	notifier service.Notifier,
) *PermissionAuditJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNamePermissionAudit]

	return &PermissionAuditJob{
		BaseJob: scheduler.NewBaseJob(
			scheduler.JobNamePermissionAudit,
			cfg.Timeout,
			cfg.LockTTL,
			cfg.UseWatchdog,
		),
		channels: channels,
		checker:  checker,
		listings: listings,
		notifier: notifier,
	}
}

// Execute 逐个频道检查权限
func (j *PermissionAuditJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	result := &scheduler.JobResult{
		Details: make(map[string]interface{}),
	}

	channelIDs, err := j.channels.ListActiveChannels(ctx)
	if err != nil {
		return result, err
	}

	var insufficient []string
	for _, channelID := range channelIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.ProcessedCount++

		perms, err := j.checker.CheckPermissions(ctx, channelID)
		if err != nil {
			// 单个频道失败不中断巡检
			logger.Warn("check channel permissions failed",
				zap.String("channel_id", channelID),
				zap.Error(err))
			result.ErrorCount++
			continue
		}
		if perms.Sufficient() {
			continue
		}

		missing := perms.Missing()
		logger.Warn("bot lacks channel permissions",
			zap.String("channel_id", channelID),
			zap.Strings("missing", missing))
		insufficient = append(insufficient, channelID)
		result.AffectedCount++

		if err := j.notifyMerchants(ctx, channelID, missing); err != nil {
			logger.Warn("notify merchants of missing permissions failed",
				zap.String("channel_id", channelID),
				zap.Error(err))
			result.ErrorCount++
		}
	}

	result.Details["insufficient_channels"] = insufficient
	return result, nil
}

func (j *PermissionAuditJob) notifyMerchants(ctx context.Context, channelID string, missing []string) error {
	listings, err := j.listings.ListByChannelID(ctx, channelID)
	if err != nil {
		return err
	}

	notified := make(map[string]struct{}, len(listings))
	for _, listing := range listings {
		if _, ok := notified[listing.MerchantID]; ok {
			continue
		}
		notified[listing.MerchantID] = struct{}{}

		_, err := j.notifier.Notify(ctx, &service.NotifyRequest{
			UserID:  listing.MerchantID,
			Event:   model.NotificationChannelPermission,
			Title:   "Bot permissions missing",
			Message: fmt.Sprintf("The bot is missing %s in channel %s", strings.Join(missing, ", "), channelID),
			Metadata: map[string]interface{}{
				"channel_id": channelID,
				"missing":    missing,
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}
