package mocks

import (
	"context"

	"github.com/BearBump/ManifestSync/internal/models"
	"github.com/BearBump/ManifestSync/internal/storage/pgmanifest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (_m *MockRepository) GetDriver(ctx context.Context, id uint64) (*models.Driver, error) {
	ret := _m.Called(ctx, id)
	var r0 *models.Driver
	if v := ret.Get(0); v != nil {
		r0 = v.(*models.Driver)
	}
	return r0, ret.Error(1)
}

func (_m *MockRepository) ActiveManifest(ctx context.Context, driverID uint64) (*models.Manifest, error) {
	ret := _m.Called(ctx, driverID)
	return manifestOrNil(ret.Get(0)), ret.Error(1)
}

func (_m *MockRepository) GetManifestByNumber(ctx context.Context, number string) (*models.Manifest, error) {
	ret := _m.Called(ctx, number)
	return manifestOrNil(ret.Get(0)), ret.Error(1)
}

func (_m *MockRepository) StartManifest(ctx context.Context, driverID uint64, number string, odometer decimal.Decimal) (*models.Manifest, error) {
	ret := _m.Called(ctx, driverID, number, odometer)
	return manifestOrNil(ret.Get(0)), ret.Error(1)
}

func (_m *MockRepository) FinishManifest(ctx context.Context, driverID uint64, odometer decimal.Decimal) (*models.Manifest, error) {
	ret := _m.Called(ctx, driverID, odometer)
	return manifestOrNil(ret.Get(0)), ret.Error(1)
}

func (_m *MockRepository) ListInvoices(ctx context.Context, manifestID uint64) ([]*models.InvoiceView, error) {
	ret := _m.Called(ctx, manifestID)
	var r0 []*models.InvoiceView
	if v := ret.Get(0); v != nil {
		r0 = v.([]*models.InvoiceView)
	}
	return r0, ret.Error(1)
}

func (_m *MockRepository) UpsertSearchLog(ctx context.Context, driverID uint64, manifestNumber string) (*models.SearchLog, error) {
	ret := _m.Called(ctx, driverID, manifestNumber)
	return searchLogOrNil(ret.Get(0)), ret.Error(1)
}

func (_m *MockRepository) FindSearchLog(ctx context.Context, driverID uint64, manifestNumber string) (*models.SearchLog, error) {
	ret := _m.Called(ctx, driverID, manifestNumber)
	return searchLogOrNil(ret.Get(0)), ret.Error(1)
}

func (_m *MockRepository) CreateConfirmation(ctx context.Context, in pgmanifest.ConfirmationInput) (*models.DeliveryConfirmation, error) {
	ret := _m.Called(ctx, in)
	return confirmationOrNil(ret.Get(0)), ret.Error(1)
}

func (_m *MockRepository) GetConfirmation(ctx context.Context, id uint64) (*models.DeliveryConfirmation, error) {
	ret := _m.Called(ctx, id)
	return confirmationOrNil(ret.Get(0)), ret.Error(1)
}

type MockCatalog struct {
	mock.Mock
}

func (_m *MockCatalog) List(ctx context.Context) ([]*models.OccurrenceCode, error) {
	ret := _m.Called(ctx)
	var r0 []*models.OccurrenceCode
	if v := ret.Get(0); v != nil {
		r0 = v.([]*models.OccurrenceCode)
	}
	return r0, ret.Error(1)
}

func (_m *MockCatalog) Lookup(ctx context.Context, code int) (*models.OccurrenceCode, error) {
	ret := _m.Called(ctx, code)
	var r0 *models.OccurrenceCode
	if v := ret.Get(0); v != nil {
		r0 = v.(*models.OccurrenceCode)
	}
	return r0, ret.Error(1)
}

type MockProducer struct {
	mock.Mock
}

func (_m *MockProducer) PublishJSON(ctx context.Context, topic, key string, v any) error {
	return _m.Called(ctx, topic, key, v).Error(0)
}

func manifestOrNil(v any) *models.Manifest {
	if v == nil {
		return nil
	}
	return v.(*models.Manifest)
}

func searchLogOrNil(v any) *models.SearchLog {
	if v == nil {
		return nil
	}
	return v.(*models.SearchLog)
}

func confirmationOrNil(v any) *models.DeliveryConfirmation {
	if v == nil {
		return nil
	}
	return v.(*models.DeliveryConfirmation)
}
