package mocks

import (
	"context"

	"github.com/BearBump/ManifestSync/internal/models"
	"github.com/BearBump/ManifestSync/internal/storage/pgmanifest"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (_m *MockRepository) GetSearchLog(ctx context.Context, id uint64) (*models.SearchLog, error) {
	ret := _m.Called(ctx, id)
	var r0 *models.SearchLog
	if v := ret.Get(0); v != nil {
		r0 = v.(*models.SearchLog)
	}
	return r0, ret.Error(1)
}

func (_m *MockRepository) SetSearchStatus(ctx context.Context, id uint64, status string, errMsg *string) error {
	ret := _m.Called(ctx, id, status, errMsg)
	return ret.Error(0)
}

func (_m *MockRepository) GetDriver(ctx context.Context, id uint64) (*models.Driver, error) {
	ret := _m.Called(ctx, id)
	var r0 *models.Driver
	if v := ret.Get(0); v != nil {
		r0 = v.(*models.Driver)
	}
	return r0, ret.Error(1)
}

func (_m *MockRepository) MergeManifest(ctx context.Context, in pgmanifest.ManifestMerge) (pgmanifest.MergeResult, error) {
	ret := _m.Called(ctx, in)
	return ret.Get(0).(pgmanifest.MergeResult), ret.Error(1)
}
