package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrDuplicateUsername is returned when the username is already taken.
var ErrDuplicateUsername = errors.New("username already exists")

// User is a registered account. Only the password hash is stored.
type User struct {
	ID           uint      `gorm:"primaryKey"`
	Username     string    `gorm:"column:username;uniqueIndex;size:64;not null"`
	PasswordHash string    `gorm:"column:password_hash;not null"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (User) TableName() string {
	return "users"
}

type UserRepository struct {
	db *gorm.DB
	retrier
}

func NewUserRepository(db *gorm.DB, logger *zap.Logger) *UserRepository {
	return &UserRepository{
		db:      db,
		retrier: newRetrier(logger.Named("user_repository")),
	}
}

// Create inserts a user, failing with ErrDuplicateUsername on conflict.
func (r *UserRepository) Create(ctx context.Context, user *User) error {
	return r.executeWithRetry(ctx, "repository.create_user", "", func() error {
		var count int64
		if err := r.db.WithContext(ctx).Model(&User{}).Where("username = ?", user.Username).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateUsername
		}
		err := r.db.WithContext(ctx).Create(user).Error
		if isUniqueViolation(err) {
			return ErrDuplicateUsername
		}
		return err
	})
}

// FindByUsername looks a user up by name.
func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := r.executeWithRetry(ctx, "repository.find_user", "", func() error {
		err := r.db.WithContext(ctx).First(&user, "username = ?", username).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
