package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBus(t *testing.T, opts Options) *Bus {
	t.Helper()
	b := New(opts)
	t.Cleanup(b.Close)
	return b
}

func TestRouting(t *testing.T) {
	b := newTestBus(t, Options{Crews: []string{"campaign_crew"}})
	cases := []struct {
		msg  Message
		want string
	}{
		{Message{Type: "mission.assigned", Recipient: "campaign_crew"}, "crew.campaign_crew"},
		{Message{Type: "mission.assigned", Recipient: "unknown_crew"}, ChannelMissions},
		{Message{Type: "error.mission_escalated"}, ChannelErrors},
		{Message{Type: "alert.anomaly"}, ChannelErrors},
		{Message{Type: "analytics.anomaly"}, ChannelAnalytics},
		{Message{Type: "heartbeat"}, ChannelSystem},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, b.Route(tc.msg), tc.msg.Type)
	}
}

func TestHandlersReceiveByTypeAndChannel(t *testing.T) {
	b := newTestBus(t, Options{Crews: []string{"campaign_crew"}})
	ctx := context.Background()
	byType := make(chan Message, 1)
	byChan := make(chan Message, 1)
	b.RegisterHandler(TypeMissionAssigned, func(_ context.Context, m Message) error {
		byType <- m
		return nil
	})
	b.Subscribe(CrewChannel("campaign_crew"), func(_ context.Context, m Message) error {
		byChan <- m
		return nil
	})

	id, err := b.Publish(ctx, Message{Type: TypeMissionAssigned, Recipient: "campaign_crew", MissionID: "m1"})
	require.NoError(t, err)
	for _, ch := range []chan Message{byType, byChan} {
		select {
		case m := <-ch:
			assert.Equal(t, id, m.ID)
			assert.Equal(t, "m1", m.MissionID)
			assert.False(t, m.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}
}

func TestPublishBlocksInsteadOfDropping(t *testing.T) {
	b := newTestBus(t, Options{Buffer: 1})
	ctx := context.Background()
	release := make(chan struct{})
	var got atomic.Int32
	b.RegisterHandler("work", func(context.Context, Message) error {
		<-release
		got.Add(1)
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_, err := b.Publish(ctx, Message{Type: "work"})
			assert.NoError(t, err)
		}
	}()
	select {
	case <-done:
		t.Fatal("publish should block while the handler queue is full")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-done
	require.Eventually(t, func() bool { return got.Load() == 5 }, time.Second, 5*time.Millisecond)
}

func TestPublishHonoursContext(t *testing.T) {
	b := newTestBus(t, Options{Buffer: 1})
	block := make(chan struct{})
	defer close(block)
	b.RegisterHandler("work", func(context.Context, Message) error {
		<-block
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		_, err = b.Publish(ctx, Message{Type: "work"})
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPublishAndWaitResolvesOnReply(t *testing.T) {
	b := newTestBus(t, Options{})
	ctx := context.Background()
	b.RegisterHandler("crew.ping", func(ctx context.Context, m Message) error {
		_, err := b.Reply(ctx, m, map[string]any{"pong": true})
		return err
	})

	reply, err := b.PublishAndWait(ctx, Message{Type: "crew.ping", Sender: "scheduler", Recipient: "campaign_crew"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "crew.ping.reply", reply.Type)
	assert.Equal(t, "scheduler", reply.Recipient)
	assert.True(t, reply.Bool("pong"))
	assert.Zero(t, b.Stats().Pending)
}

func TestPublishAndWaitTimesOut(t *testing.T) {
	b := newTestBus(t, Options{})
	start := time.Now()
	_, err := b.PublishAndWait(context.Background(), Message{Type: "crew.ping"}, 40*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Zero(t, b.Stats().Pending)

	// A late reply resolves nothing and does not panic.
	_, err = b.Publish(context.Background(), Message{Type: "crew.ping.reply", CorrelationID: "gone"})
	assert.NoError(t, err)
}

func TestConcurrentCorrelationsResolveIndependently(t *testing.T) {
	b := newTestBus(t, Options{})
	ctx := context.Background()
	b.RegisterHandler("echo", func(ctx context.Context, m Message) error {
		_, err := b.Reply(ctx, m, map[string]any{"n": m.Data["n"]})
		return err
	})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := b.PublishAndWait(ctx, Message{Type: "echo", Data: map[string]any{"n": i}}, time.Second)
			if assert.NoError(t, err) {
				assert.Equal(t, i, reply.Data["n"])
			}
		}(i)
	}
	wg.Wait()
}

func TestHandlerFailuresAreDeadLettered(t *testing.T) {
	b := newTestBus(t, Options{})
	ctx := context.Background()
	var delivered atomic.Int32
	b.RegisterHandler("job", func(context.Context, Message) error { return errors.New("boom") })
	b.RegisterHandler("job", func(context.Context, Message) error { panic("kaboom") })
	b.RegisterHandler("job", func(context.Context, Message) error {
		delivered.Add(1)
		return nil
	})

	_, err := b.Publish(ctx, Message{Type: "job", MissionID: "m1"})
	require.NoError(t, err, "handler failures never reach the publisher")
	require.Eventually(t, func() bool { return b.DeadLetterCount() == 2 && delivered.Load() == 1 }, time.Second, 5*time.Millisecond)

	var errs []string
	for _, dl := range b.DeadLetters() {
		assert.Equal(t, "m1", dl.Message.MissionID)
		errs = append(errs, dl.Error)
	}
	assert.ElementsMatch(t, []string{"boom", "handler panic: kaboom"}, errs)
}

func TestDeadLetterStoreIsBounded(t *testing.T) {
	b := newTestBus(t, Options{DeadLetterLimit: 1000})
	ctx := context.Background()
	b.RegisterHandler("bad", func(context.Context, Message) error { return errors.New("nope") })
	for i := 0; i < 1005; i++ {
		_, err := b.Publish(ctx, Message{Type: "bad", ID: fmt.Sprintf("msg-%04d", i)})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return b.DeadLetterCount() == 1005 }, 2*time.Second, 5*time.Millisecond)

	dead := b.DeadLetters()
	require.Len(t, dead, 1000)
	assert.Equal(t, "msg-0005", dead[0].Message.ID, "oldest entries are dropped first")
	assert.Equal(t, "msg-1004", dead[999].Message.ID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t, Options{})
	ctx := context.Background()
	var n atomic.Int32
	unsub := b.Subscribe(ChannelSystem, func(context.Context, Message) error {
		n.Add(1)
		return nil
	})
	_, err := b.Publish(ctx, Message{Type: "tick"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)

	unsub()
	unsub()
	_, err = b.Publish(ctx, Message{Type: "tick"})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), n.Load())
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := New(Options{})
	b.Close()
	b.Close()
	_, err := b.Publish(context.Background(), Message{Type: "x"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = b.PublishAndWait(context.Background(), Message{Type: "x"}, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDecodeRequiresIDAndType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"mission.started"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	raw, err := Encode(Message{ID: "1", Type: "mission.started", MissionID: "m1", CorrelationID: "c1"})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"missionId":"m1"`)
	assert.Contains(t, string(raw), `"correlationId":"c1"`)
	assert.NotContains(t, string(raw), "replyTo")

	m, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "m1", m.MissionID)
	assert.NotNil(t, m.Data)
}
