package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/chanpass/fulfillment/internal/model"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
)

// ListingRepository 商品目录只读仓储
type ListingRepository interface {
	GetByListingID(ctx context.Context, listingID string) (*model.Listing, error)
	// ListByChannelID 同一频道下的全部商品
	ListByChannelID(ctx context.Context, channelID string) ([]*model.Listing, error)
}

type listingRepository struct {
	*Repository
}

// NewListingRepository 创建商品仓储
func NewListingRepository(db *gorm.DB) ListingRepository {
	return &listingRepository{Repository: NewRepository(db)}
}

func (r *listingRepository) GetByListingID(ctx context.Context, listingID string) (*model.Listing, error) {
	var listing model.Listing
	err := r.DB(ctx).Where("listing_id = ?", listingID).First(&listing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bizerr.ErrListingNotFound.WithDetail("listing_id", listingID)
	}
	if err != nil {
		return nil, err
	}
	return &listing, nil
}

func (r *listingRepository) ListByChannelID(ctx context.Context, channelID string) ([]*model.Listing, error) {
	var listings []*model.Listing
	err := r.DB(ctx).Where("channel_id = ?", channelID).Order("id ASC").Find(&listings).Error
	return listings, err
}

// BuyerRepository 买家身份只读仓储
type BuyerRepository interface {
	GetByBuyerID(ctx context.Context, buyerID string) (*model.Buyer, error)
}

type buyerRepository struct {
	*Repository
}

// NewBuyerRepository 创建买家仓储
func NewBuyerRepository(db *gorm.DB) BuyerRepository {
	return &buyerRepository{Repository: NewRepository(db)}
}

func (r *buyerRepository) GetByBuyerID(ctx context.Context, buyerID string) (*model.Buyer, error) {
	var buyer model.Buyer
	err := r.DB(ctx).Where("buyer_id = ?", buyerID).First(&buyer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bizerr.ErrBuyerNotFound.WithDetail("buyer_id", buyerID)
	}
	if err != nil {
		return nil, err
	}
	return &buyer, nil
}
