package scheduling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/libitip/calendar"
	"github.com/cyp0633/libitip/itip"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Send(ctx context.Context, n Notification) error {
	return m.Called(ctx, n).Error(0)
}

func (e *testEnv) service(t *testing.T, opts ...ServiceOption) *Service {
	t.Helper()
	s, err := NewService(ServiceConfig{
		Storage:    e.store,
		Resolver:   e.dir,
		Recurrence: e.engine,
		Contacts:   e.dir,
		ServerUID:  testServerUID,
		ContextID:  testContextID,
		Now:        func() time.Time { return testNow },
	}, opts...)
	require.NoError(t, err)
	return s
}

func TestNewServiceValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := NewService(ServiceConfig{Resolver: env.dir})
	assert.EqualError(t, err, "storage is required")

	_, err = NewService(ServiceConfig{Storage: env.store})
	assert.EqualError(t, err, "entity resolver is required")

	_, err = NewService(ServiceConfig{Storage: env.store, Resolver: env.dir}, WithAutoProcess("sometimes"))
	assert.Error(t, err)

	s, err := NewService(ServiceConfig{Storage: env.store, Resolver: env.dir})
	require.NoError(t, err)
	assert.Equal(t, AutoProcessKnown, s.config.AutoProcess)
	assert.Equal(t, DefaultRetryPolicy().MaxAttempts, s.config.Retry.MaxAttempts)
}

func TestServiceAutoProcessing(t *testing.T) {
	friend := externalUser("friend@external.org")
	invitation := func(organizer calendar.CalendarUser) calendar.Event {
		return testEvent("svc-1", organizer,
			attendeeOf(organizer, calendar.PartStatAccepted),
			attendeeOf(asTransmitted(internalUser(bob)), calendar.PartStatNeedsAction))
	}

	tests := []struct {
		name      string
		mode      AutoProcess
		source    Source
		organizer calendar.CalendarUser
		want      MessageStatus
	}{
		{"always", AutoProcessAlways, SourceMail, boss, StatusApplied},
		{"never", AutoProcessNever, SourceMail, boss, StatusNeedsUserInteraction},
		{"never from api", AutoProcessNever, SourceAPI, boss, StatusApplied},
		{"known, stranger", AutoProcessKnown, SourceMail, boss, StatusNeedsUserInteraction},
		{"known, contact", AutoProcessKnown, SourceMail, friend, StatusApplied},
		{"known, internal colleague", AutoProcessKnown, SourceMail, asTransmitted(internalUser(carol)), StatusApplied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			s := env.service(t, WithAutoProcess(tt.mode))

			res, err := s.Process(context.Background(), bob, tt.source, message(itip.MethodRequest, tt.organizer, bob, invitation(tt.organizer)))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			stored := env.stored(t, "svc-1", bob)
			if tt.want == StatusApplied {
				require.NotNil(t, res.Result)
				assert.Len(t, res.Result.Creations(), 1)
				assert.True(t, stored.IsPresent())
			} else {
				assert.Nil(t, res.Result)
				assert.True(t, stored.IsAbsent())
			}
		})
	}
}

func TestServiceAutoProcessesKnownParticipants(t *testing.T) {
	env := newTestEnv(t)
	e := bobsCopy("svc-2")
	env.seed(t, bob, e)
	s := env.service(t, WithAutoProcess(AutoProcessKnown))

	update := e.Copy()
	update.Sequence = 1
	update.Location = "Room 7"
	res, err := s.Process(context.Background(), bob, SourceMail, message(itip.MethodRequest, boss, bob, update))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	require.Len(t, res.Result.Updates(), 1)
	assert.Equal(t, "Room 7", res.Result.Updates()[0].Event.Location)
}

func TestServiceLeavesDecisionsToTheUser(t *testing.T) {
	env := newTestEnv(t)
	e := organizedByAlice("svc-3", attendeeOf(guest, calendar.PartStatNeedsAction))
	env.seed(t, alice, e)
	s := env.service(t, WithAutoProcess(AutoProcessAlways))

	for _, method := range []itip.Method{itip.MethodCounter, itip.MethodDeclineCounter} {
		res, err := s.Process(context.Background(), alice, SourceMail, message(method, guest, alice, counterProposal(e, guest, time.Hour)))
		require.NoError(t, err, method)
		assert.Equal(t, StatusNeedsUserInteraction, res.Status, method)
	}

	res, err := s.Process(context.Background(), alice, SourceAPI, message(itip.MethodCounter, guest, alice, counterProposal(e, guest, time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
}

func TestServiceRejectsInvalidMessages(t *testing.T) {
	env := newTestEnv(t)
	s := env.service(t)

	_, err := s.Process(context.Background(), bob, SourceAPI, nil)
	assert.ErrorIs(t, err, calendar.ErrInvalidData)

	_, err = s.Process(context.Background(), bob, SourceAPI, message(itip.MethodRequest, boss, bob))
	assert.ErrorIs(t, err, calendar.ErrInvalidData)

	_, err = s.Process(context.Background(), bob, SourceAPI, message(itip.MethodRequest, boss, 0, bobsCopy("svc-4")))
	assert.ErrorIs(t, err, calendar.ErrInvalidData)

	_, err = s.Process(context.Background(), 99, SourceAPI, message(itip.MethodRequest, boss, 99, bobsCopy("svc-4")))
	assert.Error(t, err, "unknown target user")

	_, err = s.Process(context.Background(), bob, SourceAPI, message(itip.MethodRequest, boss, bob, bobsCopy("svc-4"), bobsCopy("svc-5")))
	assert.ErrorIs(t, err, calendar.ErrInvalidData, "mixed UIDs")

	master := weekly(bobsCopy("svc-4"))
	_, err = s.Process(context.Background(), bob, SourceAPI, message(itip.MethodRequest, boss, bob, master, master))
	assert.ErrorIs(t, err, calendar.ErrInvalidData, "two series masters")
	assert.True(t, env.stored(t, "svc-4", bob).IsAbsent())
	assert.True(t, env.stored(t, "svc-5", bob).IsAbsent())
}

func TestServiceDeliversAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	transport := new(mockTransport)
	transport.On("Send", mock.Anything, mock.MatchedBy(func(n Notification) bool {
		return n.Recipient.URI == "mailto:bob@example.com"
	})).Return(nil).Once()
	transport.On("Send", mock.Anything, mock.MatchedBy(func(n Notification) bool {
		return n.Recipient.URI == guest.URI
	})).Return(errors.New("smtp unavailable")).Once()
	s := env.service(t, WithTransport(transport))

	e := organizedByAlice("svc-5",
		attendeeOf(internalUser(bob), calendar.PartStatNeedsAction),
		attendeeOf(guest, calendar.PartStatNeedsAction))
	res, err := s.Process(context.Background(), alice, SourceAPI, message(itip.MethodRequest, internalUser(alice), alice, e))
	require.NoError(t, err)

	assert.Equal(t, StatusApplied, res.Status)
	assert.Len(t, res.Result.Notifications, 2)
	require.Len(t, res.Result.Warnings, 1)
	assert.Contains(t, res.Result.Warnings[0].Error(), "smtp unavailable")
	assert.True(t, env.stored(t, "svc-5", alice).IsPresent())
	transport.AssertExpectations(t)
}

func TestServiceRollsBackFailedHandlers(t *testing.T) {
	env := newTestEnv(t)
	failing := func(ctx context.Context, sc *Context, msg *IncomingMessage) error {
		if err := ProcessRequest(ctx, sc, msg); err != nil {
			return err
		}
		return errors.New("late failure")
	}
	transport := new(mockTransport)
	s := env.service(t, WithHandlers(map[HandlerKind]Handler{HandlerRequest: failing}), WithTransport(transport))

	e := organizedByAlice("svc-6", attendeeOf(guest, calendar.PartStatNeedsAction))
	_, err := s.Process(context.Background(), alice, SourceAPI, message(itip.MethodRequest, internalUser(alice), alice, e))
	assert.EqualError(t, err, "late failure")
	assert.True(t, env.stored(t, "svc-6", alice).IsAbsent())
	transport.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestServiceOrganizerCopy(t *testing.T) {
	env := newTestEnv(t)
	e := organizedByAlice("svc-7", attendeeOf(internalUser(bob), calendar.PartStatNeedsAction))
	env.seed(t, alice, e)
	s := env.service(t)
	token := mo.Some(itip.NewData(testServerUID, testContextID, "request", -1))

	msg := message(itip.MethodRequest, asTransmitted(internalUser(alice)), bob, e)
	msg.ITipData = token
	res, err := s.Process(context.Background(), bob, SourceMail, msg)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.True(t, res.Result.OrganizerCopy)
	assert.True(t, res.Result.IsEmpty())

	msg = message(itip.MethodRequest, asTransmitted(internalUser(alice)), bob, e)
	msg.ITipData = token
	msg.Status = &AttendeeStatus{PartStat: calendar.PartStatAccepted}
	res, err = s.Process(context.Background(), bob, SourceAPI, msg)
	require.NoError(t, err)
	assert.True(t, res.Result.OrganizerCopy)
	require.Len(t, res.Result.Updates(), 1)

	stored := env.stored(t, "svc-7", alice).MustGet().First().MustGet()
	assert.Equal(t, calendar.PartStatAccepted, attendeeIn(t, stored, internalUser(bob)).PartStat)
	assert.True(t, env.stored(t, "svc-7", bob).IsAbsent(), "no attendee copy is created")
}

func TestServiceSerializesPerUID(t *testing.T) {
	env := newTestEnv(t)
	e := organizedByAlice("svc-8", attendeeOf(guest, calendar.PartStatNeedsAction))
	env.seed(t, alice, e)
	s := env.service(t, WithAutoProcess(AutoProcessAlways))

	partStats := []calendar.ParticipationStatus{
		calendar.PartStatAccepted, calendar.PartStatTentative, calendar.PartStatDeclined,
	}
	var wg sync.WaitGroup
	errs := make([]error, len(partStats))
	for i, ps := range partStats {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := replyFrom(e, guest, ps)
			reply.Sequence = i
			_, errs[i] = s.Process(context.Background(), alice, SourceMail, message(itip.MethodReply, guest, alice, reply))
		}()
	}
	wg.Wait()

	applied := 0
	for _, err := range errs {
		if err == nil {
			applied++
			continue
		}
		assert.ErrorIs(t, err, calendar.ErrOutOfSequence)
	}
	assert.GreaterOrEqual(t, applied, 1)
	stored := env.stored(t, "svc-8", alice).MustGet().First().MustGet()
	seq, ok := attendeeIn(t, stored, guest).Sequence.Get()
	require.True(t, ok)
	assert.Equal(t, partStats[seq], attendeeIn(t, stored, guest).PartStat)
	assert.Empty(t, s.locks.locks)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Len(t, k.locks, 2)

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()
	select {
	case <-acquired:
		t.Fatal("second holder of a acquired the lock")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired
	unlockB()

	assert.Eventually(t, func() bool {
		k.mu.Lock()
		defer k.mu.Unlock()
		return len(k.locks) == 0
	}, time.Second, time.Millisecond)
}
