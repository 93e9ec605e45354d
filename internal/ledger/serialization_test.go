package ledger

import (
	"context"
	"database/sql"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ballotledger/internal/polls"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const postgresTestDSNEnv = "BALLOTLEDGER_TEST_POSTGRES_DSN"

func TestSerializationForDialects(t *testing.T) {
	pg := serializationFor(dialectPostgres)
	require.True(t, pg.advisoryLock)
	require.NotNil(t, pg.isolation)
	require.Equal(t, sql.LevelReadCommitted, pg.isolation.Isolation)

	lite := serializationFor("sqlite")
	require.False(t, lite.advisoryLock)
	require.Nil(t, lite.isolation)

	h := newHarness(t, ServiceConfig{})
	require.Nil(t, h.ledger.txOptions())
	require.False(t, h.ledger.serialization.advisoryLock)
}

// Two services share nothing in process, like two API replicas. With a single
// attempt each, any stale head read would surface as a transient error.
func TestPostgresAppendsSerializeAcrossServices(t *testing.T) {
	dsn := os.Getenv(postgresTestDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresTestDSNEnv)
	}
	database, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := database.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(&polls.Poll{}, &polls.PollOption{}, &Vote{}))

	catalog, err := polls.NewService(polls.ServiceConfig{Database: database, IDProvider: polls.NewUUIDProvider()})
	require.NoError(t, err)
	now := time.Now().UTC()
	poll, options, err := catalog.CreatePoll(context.Background(), polls.PollDraft{
		Title:     "Pool Hours",
		Kind:      polls.KindInformal,
		Anonymous: true,
		OpensAt:   now.Add(-time.Hour),
		ClosesAt:  now.Add(time.Hour),
		CreatedBy: "admin-1",
		Options: []polls.OptionDraft{
			{Text: "Extend to 10pm", DisplayOrder: 1},
			{Text: "Keep 8pm", DisplayOrder: 2},
		},
	})
	require.NoError(t, err)

	replicas := make([]*Service, 2)
	for index := range replicas {
		replicas[index], err = NewService(ServiceConfig{
			Database:    database,
			IDProvider:  polls.NewUUIDProvider(),
			MaxAttempts: 1,
			LockTimeout: 10 * time.Second,
			LookupFloor: -1,
		})
		require.NoError(t, err)
		require.True(t, replicas[index].serialization.advisoryLock)
	}

	const writers = 24
	requests := make([]VoteRequest, writers)
	for index := range requests {
		requests[index], err = NewVoteRequest(VoteRequestConfig{
			PollID:   polls.PollID(poll.PollID),
			OptionID: polls.OptionID(options[index%2].OptionID),
		})
		require.NoError(t, err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		sequences []int64
		failures  []error
	)
	for index := 0; index < writers; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			result, appendErr := replicas[index%len(replicas)].AppendVote(context.Background(), requests[index])
			mu.Lock()
			defer mu.Unlock()
			if appendErr != nil {
				failures = append(failures, appendErr)
				return
			}
			sequences = append(sequences, result.Sequence)
		}(index)
	}
	wg.Wait()

	require.Empty(t, failures)
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })
	for index, sequence := range sequences {
		require.Equal(t, int64(index+1), sequence)
	}
	report, err := replicas[0].VerifyChain(context.Background(), polls.PollID(poll.PollID))
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, writers, report.TotalVotes)
}
