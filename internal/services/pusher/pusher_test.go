package pusher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BearBump/ManifestSync/internal/integrations/tms"
	"github.com/BearBump/ManifestSync/internal/integrations/tms/fake"
	"github.com/BearBump/ManifestSync/internal/models"
	"github.com/BearBump/ManifestSync/internal/retry"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	pushermocks "github.com/BearBump/ManifestSync/internal/services/pusher/mocks"
)

func confirmationContext(code int) *models.ConfirmationContext {
	lat := decimal.RequireFromString("-23.55052")
	return &models.ConfirmationContext{
		Confirmation: models.DeliveryConfirmation{
			ID:               7,
			OccurrenceCode:   code,
			PhotoURL:         "https://cdn.example.com/p.jpg",
			ReceiverName:     "MARIA",
			ReceiverDocument: "98765432100",
			Note:             "portaria",
			Latitude:         &lat,
			ConfirmedAt:      time.Date(2024, 5, 2, 7, 30, 0, 0, time.FixedZone("BRT", -3*3600)),
		},
		Invoice:        models.Invoice{AccessKey: "KEY1", Number: "123"},
		ManifestNumber: "1001",
		DriverName:     "JOAO",
	}
}

func TestBuildPayload_DeliveryPhotoOnInvoice(t *testing.T) {
	for _, code := range []int{1, 2} {
		p := BuildPayload(confirmationContext(code))
		require.Equal(t, "https://cdn.example.com/p.jpg", p.Invoice.PhotoURL)
		require.Nil(t, p.Freight)
	}

	p := BuildPayload(confirmationContext(1))
	require.Equal(t, "MARIA", p.Receiver)
	require.Equal(t, "98765432100", p.Document)
	require.Equal(t, "JOAO: portaria", p.Comments)
	require.Equal(t, "2024-05-02T10:30:00Z", p.OccurrenceAt)
	require.Equal(t, "KEY1", p.Invoice.Key)
	require.Equal(t, "123", p.Invoice.Number)

	b, err := json.Marshal(p)
	require.NoError(t, err)
	require.NotContains(t, string(b), "freight")
	require.NotContains(t, string(b), "longitude")
}

func TestBuildPayload_ProblemPhotoOnFreight(t *testing.T) {
	p := BuildPayload(confirmationContext(3))
	require.Empty(t, p.Invoice.PhotoURL)
	require.NotNil(t, p.Freight)
	require.Equal(t, "https://cdn.example.com/p.jpg", p.Freight.PhotoURL)
}

func TestBuildPayload_CommentsWithoutNote(t *testing.T) {
	cc := confirmationContext(1)
	cc.Confirmation.Note = " "
	require.Equal(t, "JOAO", BuildPayload(cc).Comments)

	cc.DriverName = ""
	cc.Confirmation.Note = "so a nota"
	require.Equal(t, "so a nota", BuildPayload(cc).Comments)
}

type PusherSuite struct {
	suite.Suite

	repo     *pushermocks.MockRepository
	notifier *pushermocks.MockNotifier
	tms      *fake.Client
	pusher   *Pusher
}

func (s *PusherSuite) SetupTest() {
	s.repo = &pushermocks.MockRepository{}
	s.notifier = &pushermocks.MockNotifier{}
	s.tms = fake.New()
	s.pusher = New(s.repo, s.tms, s.notifier).WithSettings(3, 0, time.Minute)

	s.repo.On("GetConfirmationContext", mock.Anything, uint64(7)).Return(confirmationContext(1), nil).Maybe()
}

func (s *PusherSuite) claim(force bool, ok bool) {
	s.repo.On("ClaimPush", mock.Anything, uint64(7), force, mock.Anything, time.Minute).Return(ok, nil).Once()
}

func (s *PusherSuite) TestPush_Success() {
	s.claim(false, true)
	s.repo.On("MarkPushed", mock.Anything, uint64(7), mock.Anything).Return(nil).Once()

	res, err := s.pusher.Push(context.Background(), 7, false)
	s.Require().NoError(err)
	s.Require().Equal(retry.Succeeded, res.Outcome)
	s.Require().Equal(1, res.Attempts)
	s.Require().Len(s.tms.Pushed(), 1)
	s.repo.AssertExpectations(s.T())
	s.notifier.AssertNotCalled(s.T(), "NotifyFailure", mock.Anything, mock.Anything, mock.Anything)
}

func (s *PusherSuite) TestPush_RetryableThenSuccess() {
	s.tms.FailPushes(&tms.RemoteError{Endpoint: tms.EndpointConfirmationPush, StatusCode: 502})
	s.claim(false, true)
	s.repo.On("MarkPushFailed", mock.Anything, uint64(7), mock.Anything).Return(nil).Once()
	s.repo.On("MarkPushed", mock.Anything, uint64(7), mock.Anything).Return(nil).Once()

	res, err := s.pusher.Push(context.Background(), 7, false)
	s.Require().NoError(err)
	s.Require().True(res.OK())
	s.Require().Equal(2, res.Attempts)
	s.repo.AssertExpectations(s.T())
}

func (s *PusherSuite) TestPush_Always5xxExhaustsAndNotifiesOnce() {
	e := &tms.RemoteError{Endpoint: tms.EndpointConfirmationPush, StatusCode: 503, Body: "down"}
	s.tms.FailPushes(e, e, e, e)
	s.claim(false, true)
	s.repo.On("MarkPushFailed", mock.Anything, uint64(7), e.Error()).Return(nil).Times(3)
	s.repo.On("ReleasePushClaim", mock.Anything, uint64(7)).Return(nil).Once()
	s.notifier.On("NotifyFailure", mock.Anything, uint64(7), e.Error()).Return(nil).Once()

	res, err := s.pusher.Push(context.Background(), 7, false)
	s.Require().NoError(err)
	s.Require().Equal(retry.RetryableFailure, res.Outcome)
	s.Require().Equal(3, res.Attempts)
	s.Require().Equal(3, s.tms.Calls(tms.EndpointConfirmationPush))
	s.repo.AssertNotCalled(s.T(), "MarkPushed", mock.Anything, mock.Anything, mock.Anything)
	s.repo.AssertExpectations(s.T())
	s.notifier.AssertExpectations(s.T())
}

func (s *PusherSuite) TestPush_4xxIsFinalAtOnce() {
	e := &tms.RemoteError{Endpoint: tms.EndpointConfirmationPush, StatusCode: 422, Body: "invalid occurrence"}
	s.tms.FailPushes(e)
	s.claim(false, true)
	s.repo.On("MarkPushFailed", mock.Anything, uint64(7), e.Error()).Return(nil).Once()
	s.repo.On("ReleasePushClaim", mock.Anything, uint64(7)).Return(nil).Once()
	s.notifier.On("NotifyFailure", mock.Anything, uint64(7), e.Error()).Return(nil).Once()

	res, err := s.pusher.Push(context.Background(), 7, false)
	s.Require().NoError(err)
	s.Require().Equal(retry.PermanentFailure, res.Outcome)
	s.Require().Equal(1, res.Attempts)
	s.Require().Equal(1, s.tms.Calls(tms.EndpointConfirmationPush))
	s.notifier.AssertNumberOfCalls(s.T(), "NotifyFailure", 1)
}

func (s *PusherSuite) TestPush_429IsRetried() {
	s.tms.FailPushes(&tms.RemoteError{Endpoint: tms.EndpointConfirmationPush, StatusCode: 429})
	s.claim(false, true)
	s.repo.On("MarkPushFailed", mock.Anything, uint64(7), mock.Anything).Return(nil).Once()
	s.repo.On("MarkPushed", mock.Anything, uint64(7), mock.Anything).Return(nil).Once()

	res, err := s.pusher.Push(context.Background(), 7, false)
	s.Require().NoError(err)
	s.Require().True(res.OK())
}

func (s *PusherSuite) TestPush_NotifierErrorIsOnlyLogged() {
	e := &tms.RemoteError{Endpoint: tms.EndpointConfirmationPush, StatusCode: 400}
	s.tms.FailPushes(e)
	s.claim(false, true)
	s.repo.On("MarkPushFailed", mock.Anything, uint64(7), mock.Anything).Return(nil).Once()
	s.repo.On("ReleasePushClaim", mock.Anything, uint64(7)).Return(nil).Once()
	s.notifier.On("NotifyFailure", mock.Anything, uint64(7), mock.Anything).Return(errors.New("smtp down")).Once()

	_, err := s.pusher.Push(context.Background(), 7, false)
	s.Require().NoError(err)
}

func (s *PusherSuite) TestPush_NotClaimed() {
	s.claim(false, false)

	_, err := s.pusher.Push(context.Background(), 7, false)
	s.Require().True(errors.Is(err, ErrNotClaimed))
	s.Require().Zero(s.tms.Calls(tms.EndpointConfirmationPush))
}

func (s *PusherSuite) TestPush_ForcePassedToClaim() {
	s.claim(true, true)
	s.repo.On("MarkPushed", mock.Anything, uint64(7), mock.Anything).Return(nil).Once()

	_, err := s.pusher.Push(context.Background(), 7, true)
	s.Require().NoError(err)
	s.repo.AssertExpectations(s.T())
}

func (s *PusherSuite) TestPush_LoadFailureReleasesClaim() {
	s.repo.ExpectedCalls = nil
	s.claim(false, true)
	s.repo.On("GetConfirmationContext", mock.Anything, uint64(7)).Return(nil, errors.New("db down")).Once()
	s.repo.On("ReleasePushClaim", mock.Anything, uint64(7)).Return(nil).Once()

	_, err := s.pusher.Push(context.Background(), 7, false)
	s.Require().Error(err)
	s.repo.AssertExpectations(s.T())
}

func (s *PusherSuite) TestPush_ShutdownDuringRetryDelayRequeues() {
	e := &tms.RemoteError{Endpoint: tms.EndpointConfirmationPush, StatusCode: 503}
	s.tms.FailPushes(e, e, e)
	s.pusher.WithSettings(3, time.Second, time.Minute)
	s.claim(false, true)
	s.repo.On("MarkPushFailed", mock.Anything, uint64(7), e.Error()).Return(nil).Once()
	s.repo.On("RequeuePush", mock.Anything, uint64(7)).Return(nil).Once()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := s.pusher.Push(ctx, 7, false)
	s.Require().ErrorIs(err, context.DeadlineExceeded)
	s.Require().Equal(1, res.Attempts)
	s.Require().Equal(1, s.tms.Calls(tms.EndpointConfirmationPush))
	s.repo.AssertExpectations(s.T())
	s.repo.AssertNotCalled(s.T(), "ReleasePushClaim", mock.Anything, mock.Anything)
	s.notifier.AssertNotCalled(s.T(), "NotifyFailure", mock.Anything, mock.Anything, mock.Anything)
}

func TestPusherSuite(t *testing.T) {
	suite.Run(t, new(PusherSuite))
}
