package advertiser

import "time"

// Advertiser is the tenant boundary for payments. Only the fields needed for
// API credential exchange and tenant scoping live here; the wider advertiser
// profile belongs to the platform, not this service.
type Advertiser struct {
	ID            int64     `gorm:"primaryKey"`
	Name          string    `gorm:"column:name;not null"`
	APIKey        string    `gorm:"column:api_key;not null;uniqueIndex"`
	APISecretHash string    `gorm:"column:api_secret_hash;not null"`
	IsActive      bool      `gorm:"column:is_active;default:true"`
	CreatedAt     time.Time `gorm:"column:created_at;default:now()"`
	UpdatedAt     time.Time `gorm:"column:updated_at;default:now()"`
}

func (Advertiser) TableName() string {
	return "advertisers"
}
