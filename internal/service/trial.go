package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"alamor/internal/provision"
	"alamor/internal/repository"
)

// ErrFreeTrialUsed is returned when a user already took the free test.
var ErrFreeTrialUsed = errors.New("free test already used")

// TrialService hands out one free test account per user.
type TrialService struct {
	trials    *repository.TrialRepository
	purchases *PurchaseService
	volumeGB  float64
	days      int
	logger    *zap.Logger
	now       func() time.Time
}

func NewTrialService(trials *repository.TrialRepository, purchases *PurchaseService, volumeGB float64, days int, logger *zap.Logger) *TrialService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrialService{
		trials:    trials,
		purchases: purchases,
		volumeGB:  volumeGB,
		days:      days,
		logger:    logger,
		now:       time.Now,
	}
}

// Used reports whether the user currently holds the free test.
func (s *TrialService) Used(ctx context.Context, userID int64) (bool, error) {
	u, err := s.trials.Find(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.Used(), nil
}

// Claim provisions the free test on target. Each claim is approved under its
// own payment reference, so concurrent claims provision at most once.
func (s *TrialService) Claim(ctx context.Context, userID int64, target provision.TargetSet) (*Approval, error) {
	if userID == 0 || target.ID == 0 {
		return nil, fmt.Errorf("%w: user_id and a server or profile are required", ErrInvalidRequest)
	}
	u, err := s.trials.Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Used() {
		return nil, ErrFreeTrialUsed
	}

	claim := u.Claims + 1
	approval, err := s.purchases.Approve(ctx, ApproveRequest{
		PaymentRef:   fmt.Sprintf("free-test:%d:%d", userID, claim),
		UserID:       userID,
		Target:       target,
		QuotaGB:      s.volumeGB,
		DurationDays: s.days,
	})
	if errors.Is(err, ErrInProgress) {
		return nil, ErrFreeTrialUsed
	}
	if err != nil {
		return nil, err
	}
	if approval.Duplicate {
		return nil, ErrFreeTrialUsed
	}

	if err := s.trials.Record(ctx, userID, claim, s.now().UTC()); err != nil {
		s.logger.Error("Free test delivered but not recorded",
			zap.Int64("user_id", userID), zap.Uint("purchase_id", approval.Purchase.ID), zap.Error(err))
		return nil, err
	}
	s.logger.Info("Free test delivered", zap.Int64("user_id", userID), zap.Uint("purchase_id", approval.Purchase.ID))
	return approval, nil
}

// Reset lets the user claim the free test again.
func (s *TrialService) Reset(ctx context.Context, userID int64) error {
	if userID == 0 {
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	return s.trials.Reset(ctx, userID)
}
