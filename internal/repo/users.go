package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrUserNotFound = errors.New("user not found")

type User struct {
	UserID      int64  `gorm:"column:user_id;primaryKey"`
	FullName    string `gorm:"size:100"`
	Email       string `gorm:"size:100;uniqueIndex"`
	PhoneNumber string `gorm:"size:20;uniqueIndex"`
	Verified    bool
	CreatedAt   time.Time
}

func (User) TableName() string {
	return "users"
}

// UserDirectory resolves the account behind a paying phone number.
type UserDirectory interface {
	FindByPhone(ctx context.Context, phone string) (*User, error)
}

type GormUserDirectory struct {
	db *gorm.DB
}

func NewGormUserDirectory(db *gorm.DB) *GormUserDirectory {
	return &GormUserDirectory{db: db}
}

func (d *GormUserDirectory) FindByPhone(ctx context.Context, phone string) (*User, error) {
	var u User
	err := d.db.WithContext(ctx).First(&u, "phone_number = ?", phone).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
