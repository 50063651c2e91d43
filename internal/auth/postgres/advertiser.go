package postgres

import (
	"gorm.io/gorm"

	authpkg "github.com/helmetads/payment-service/internal/auth"
	"github.com/helmetads/payment-service/internal/core/datamodel/advertiser"
)

type AdvertiserRepository struct {
	db *gorm.DB
}

func NewAdvertiserRepository(db *gorm.DB) authpkg.AdvertiserRepository {
	return &AdvertiserRepository{db: db}
}

func (r *AdvertiserRepository) GetByAPIKey(apiKey string) (*advertiser.Advertiser, error) {
	var adv advertiser.Advertiser
	err := r.db.Where("api_key = ?", apiKey).First(&adv).Error
	if err != nil {
		return nil, err
	}
	return &adv, nil
}

func (r *AdvertiserRepository) GetByID(id int64) (*advertiser.Advertiser, error) {
	var adv advertiser.Advertiser
	err := r.db.First(&adv, id).Error
	if err != nil {
		return nil, err
	}
	return &adv, nil
}
