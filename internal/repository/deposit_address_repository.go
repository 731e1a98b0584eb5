package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/chanpass/fulfillment/internal/model"
)

var (
	ErrDepositAddressNotFound = errors.New("deposit address not found")
	ErrDuplicateAddress       = errors.New("duplicate deposit address")
)

// DepositAddressRepository 收款地址映射仓储
type DepositAddressRepository interface {
	Create(ctx context.Context, addr *model.DepositAddress) error
	GetByOrderID(ctx context.Context, orderID string) (*model.DepositAddress, error)
	GetByAddress(ctx context.Context, address string) (*model.DepositAddress, error)
}

type depositAddressRepository struct {
	*Repository
}

// NewDepositAddressRepository 创建收款地址仓储
func NewDepositAddressRepository(db *gorm.DB) DepositAddressRepository {
	return &depositAddressRepository{Repository: NewRepository(db)}
}

func (r *depositAddressRepository) Create(ctx context.Context, addr *model.DepositAddress) error {
	addr.CreatedAt = nowMillis(addr.CreatedAt)
	addr.AddressKey = model.AddressKey(addr.Address)

	err := r.DB(ctx).Create(addr).Error
	if isDuplicateKeyError(err) {
		return ErrDuplicateAddress
	}
	return err
}

func (r *depositAddressRepository) GetByOrderID(ctx context.Context, orderID string) (*model.DepositAddress, error) {
	var addr model.DepositAddress
	err := r.DB(ctx).Where("order_id = ?", orderID).First(&addr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDepositAddressNotFound
	}
	if err != nil {
		return nil, err
	}
	return &addr, nil
}

func (r *depositAddressRepository) GetByAddress(ctx context.Context, address string) (*model.DepositAddress, error) {
	var addr model.DepositAddress
	err := r.DB(ctx).Where("address_key = ?", model.AddressKey(address)).First(&addr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDepositAddressNotFound
	}
	if err != nil {
		return nil, err
	}
	return &addr, nil
}
