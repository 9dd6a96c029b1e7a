package sweep_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alwitt/bonfire/models"
	"github.com/alwitt/bonfire/storage"
	"github.com/alwitt/bonfire/sweep"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// failingTarget always errors on sweep
type failingTarget struct{}

func (t failingTarget) DeleteExpired(_ context.Context, _ time.Time) (int, error) {
	return 0, fmt.Errorf("dummy error")
}

func testID() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

func seedRepo(
	t *testing.T, repo storage.MessageRepository[models.SenderMessage], expiration time.Time,
) string {
	id := testID()
	assert.Nil(t, repo.Create(context.Background(), id, models.SenderMessage{
		Message:    models.Message{ID: id, Expiration: expiration},
		ReceiverID: testID(),
	}))
	return id
}

func TestJanitorSweepOnce(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	senderRepo := storage.NewMemoryMessageRepository[models.SenderMessage]("ut-sender")
	otherRepo := storage.NewMemoryMessageRepository[models.SenderMessage]("ut-other")

	expiredID := seedRepo(t, senderRepo, time.Now().Add(-time.Minute))
	liveID := seedRepo(t, senderRepo, time.Now().Add(time.Hour))
	otherExpiredID := seedRepo(t, otherRepo, time.Now().Add(-time.Minute))

	uut, err := sweep.NewJanitor(0)
	assert.Nil(err)
	// A failing target must not stop the sweep of the remaining targets
	uut.AddTarget("broken", failingTarget{})
	uut.AddTarget("sender-messages", senderRepo)
	uut.AddTarget("other-messages", otherRepo)

	removed := uut.SweepOnce(utCtx)
	assert.Equal(2, removed)

	existed, err := senderRepo.Delete(utCtx, expiredID)
	assert.Nil(err)
	assert.False(existed)
	existed, err = senderRepo.Delete(utCtx, liveID)
	assert.Nil(err)
	assert.True(existed)
	existed, err = otherRepo.Delete(utCtx, otherExpiredID)
	assert.Nil(err)
	assert.False(existed)

	// Nothing left to sweep
	assert.Equal(0, uut.SweepOnce(utCtx))
}

// countingTarget records how often it was swept
type countingTarget struct {
	sweeps chan struct{}
}

func (t *countingTarget) DeleteExpired(_ context.Context, _ time.Time) (int, error) {
	select {
	case t.sweeps <- struct{}{}:
	default:
	}
	return 0, nil
}

func TestJanitorRun(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	target := &countingTarget{sweeps: make(chan struct{}, 1)}

	uut, err := sweep.NewJanitor(time.Millisecond * 10)
	assert.Nil(err)
	uut.AddTarget("counting", target)

	utCtx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		uut.Run(utCtx)
		close(stopped)
	}()

	// Sweeps happen on the interval until cancelled
	for idx := 0; idx < 3; idx++ {
		select {
		case <-target.sweeps:
		case <-time.After(time.Second):
			assert.FailNow("janitor never swept")
		}
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		assert.Fail("janitor did not stop on context cancel")
	}
}
