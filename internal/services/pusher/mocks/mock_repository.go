package mocks

import (
	"context"
	"time"

	"github.com/BearBump/ManifestSync/internal/models"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (_m *MockRepository) ClaimPush(ctx context.Context, id uint64, force bool, now time.Time, lease time.Duration) (bool, error) {
	ret := _m.Called(ctx, id, force, now, lease)
	return ret.Bool(0), ret.Error(1)
}

func (_m *MockRepository) GetConfirmationContext(ctx context.Context, id uint64) (*models.ConfirmationContext, error) {
	ret := _m.Called(ctx, id)
	var r0 *models.ConfirmationContext
	if v := ret.Get(0); v != nil {
		r0 = v.(*models.ConfirmationContext)
	}
	return r0, ret.Error(1)
}

func (_m *MockRepository) MarkPushFailed(ctx context.Context, id uint64, errText string) error {
	return _m.Called(ctx, id, errText).Error(0)
}

func (_m *MockRepository) MarkPushed(ctx context.Context, id uint64, at time.Time) error {
	return _m.Called(ctx, id, at).Error(0)
}

func (_m *MockRepository) ReleasePushClaim(ctx context.Context, id uint64) error {
	return _m.Called(ctx, id).Error(0)
}

func (_m *MockRepository) RequeuePush(ctx context.Context, id uint64) error {
	return _m.Called(ctx, id).Error(0)
}

type MockNotifier struct {
	mock.Mock
}

func (_m *MockNotifier) NotifyFailure(ctx context.Context, confirmationID uint64, errorText string) error {
	return _m.Called(ctx, confirmationID, errorText).Error(0)
}
