package main

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// NonceStore provides persistent replay protection for signed device
// requests using the database.
type NonceStore struct {
	db     *gorm.DB
	window time.Duration
}

func NewNonceStore(db *gorm.DB, window time.Duration) *NonceStore {
	return &NonceStore{db: db, window: window}
}

// CheckAndStore attempts to store a nonce for a device, returning an error
// on replay. Nonces older than the freshness window are pruned on the way
// in, keeping the table bounded by recent traffic.
func (s *NonceStore) CheckAndStore(deviceID, nonce string, ts time.Time) error {
	if deviceID == "" || nonce == "" {
		return errors.New("missing device or nonce")
	}

	cutoff := time.Now().Add(-s.window)
	if err := s.db.Where("seen_at < ?", cutoff).Delete(&DeviceNonce{}).Error; err != nil {
		return err
	}

	record := DeviceNonce{DeviceID: deviceID, Nonce: nonce, SeenAt: ts}
	if err := s.db.Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errors.New("nonce replay detected")
		}
		return err
	}

	return nil
}
