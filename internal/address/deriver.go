package address

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/clock"
	"github.com/chanpass/fulfillment/internal/model"
	"github.com/chanpass/fulfillment/internal/repository"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
	"github.com/chanpass/fulfillment/pkg/logger"
)

// Deriver 收款地址派生与映射
type Deriver struct {
	repo  repository.DepositAddressRepository
	clock clock.Clock
}

// NewDeriver 创建地址派生器
func NewDeriver(repo repository.DepositAddressRepository, clk clock.Clock) *Deriver {
	return &Deriver{repo: repo, clock: clk}
}

// Generate 返回订单的收款地址；已存在映射时直接返回，否则派生并落库
func (d *Deriver) Generate(ctx context.Context, orderID string, currency model.Currency) (string, error) {
	existing, err := d.repo.GetByOrderID(ctx, orderID)
	if err == nil {
		if existing.Currency != currency {
			return "", bizerr.ErrAddressConflict.WithDetail("order_id", orderID)
		}
		return existing.Address, nil
	}
	if !errors.Is(err, repository.ErrDepositAddressNotFound) {
		return "", err
	}

	derivation, err := Derive(orderID, currency)
	if err != nil {
		return "", err
	}

	record := &model.DepositAddress{
		OrderID:        orderID,
		Address:        derivation.Address,
		Currency:       currency,
		Network:        derivation.Network,
		DerivationPath: derivation.Path,
		CreatedAt:      d.clock.Now().UnixMilli(),
	}
	if err := d.repo.Create(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicateAddress) {
			// 并发生成，以已落库的为准
			logger.Warn("deposit address created concurrently",
				zap.String("order_id", orderID))
			existing, getErr := d.repo.GetByOrderID(ctx, orderID)
			if getErr != nil {
				return "", getErr
			}
			return existing.Address, nil
		}
		return "", err
	}

	logger.Debug("deposit address derived",
		zap.String("order_id", orderID),
		zap.String("currency", string(currency)),
		zap.String("path", derivation.Path))
	return derivation.Address, nil
}

// GetOrderIDByAddress 按地址反查订单 (大小写无关)
func (d *Deriver) GetOrderIDByAddress(ctx context.Context, addr string) (string, error) {
	record, err := d.repo.GetByAddress(ctx, addr)
	if err != nil {
		return "", err
	}
	return record.OrderID, nil
}

// GetAddressByOrderID 查询订单收款地址
func (d *Deriver) GetAddressByOrderID(ctx context.Context, orderID string) (string, error) {
	record, err := d.repo.GetByOrderID(ctx, orderID)
	if err != nil {
		return "", err
	}
	return record.Address, nil
}

// VerifyOwnership 地址是否属于该订单
func (d *Deriver) VerifyOwnership(ctx context.Context, orderID, addr string) (bool, error) {
	record, err := d.repo.GetByOrderID(ctx, orderID)
	if errors.Is(err, repository.ErrDepositAddressNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strings.EqualFold(record.Address, addr), nil
}
