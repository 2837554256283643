package runner

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/spacechat/backend-go/internal/models"
	"github.com/spacechat/backend-go/internal/scheduler"
)

// newMockDB sqlmock支撑的gorm句柄
// SkipDefaultTransaction让单条UPDATE不包事务，期望序列与生产SQL一一对应。
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 gormlogger.Discard,
	})
	require.NoError(t, err)
	return db, mock
}

var runColumns = []string{
	"id", "conversation_id", "conversation_round_id", "speaker_membership_id",
	"kind", "status", "run_after", "started_at", "heartbeat_at",
	"cancel_requested_at", "error", "debug",
}

func runRow(run *models.Run) *sqlmock.Rows {
	return sqlmock.NewRows(runColumns).AddRow(
		run.ID, run.ConversationID, run.ConversationRoundID, run.SpeakerMembershipID,
		string(run.Kind), run.Status, run.RunAfter, run.StartedAt, run.HeartbeatAt,
		run.CancelRequestedAt, run.Error, run.Debug,
	)
}

func emptyRunRows() *sqlmock.Rows {
	return sqlmock.NewRows(runColumns)
}

type stubMembers struct {
	speaker *models.SpaceMembership
}

func (s *stubMembers) Speaker(ctx context.Context, membershipID string) (*models.SpaceMembership, error) {
	return s.speaker, nil
}

func (s *stubMembers) ActiveSpeakers(ctx context.Context, conversationID string) ([]models.SpaceMembership, error) {
	if s.speaker == nil {
		return nil, nil
	}
	return []models.SpaceMembership{*s.speaker}, nil
}

func (s *stubMembers) ConsumeCopilotStep(ctx context.Context, membershipID string) error {
	return nil
}

func (s *stubMembers) DisableAutoMode(ctx context.Context, membershipID string) error {
	return nil
}

type stubMessages struct {
	latest       uint
	failedRunIDs []string
}

func (s *stubMessages) GetMessage(ctx context.Context, id uint) (*models.Message, error) {
	return nil, nil
}

func (s *stubMessages) LatestVisibleMessageID(ctx context.Context, conversationID string) (uint, error) {
	return s.latest, nil
}

func (s *stubMessages) FailPlaceholders(ctx context.Context, runID string) error {
	s.failedRunIDs = append(s.failedRunIDs, runID)
	return nil
}

type skipCall struct {
	conversationID string
	speakerID      string
	reason         string
	roundID        string
	cancelRunning  bool
}

type stubNotifier struct {
	skips    []skipCall
	failures []string
	// unhandled模拟调度器拒接的失败（独立Run或轮次已不在）
	unhandled bool
}

func (s *stubNotifier) SkipCurrentSpeaker(ctx context.Context, conversationID, speakerMembershipID, reason, expectedRoundID string, cancelRunning bool) (bool, error) {
	s.skips = append(s.skips, skipCall{
		conversationID: conversationID,
		speakerID:      speakerMembershipID,
		reason:         reason,
		roundID:        expectedRoundID,
		cancelRunning:  cancelRunning,
	})
	return true, nil
}

func (s *stubNotifier) HandleFailure(ctx context.Context, conversationID string, run *models.Run, runErr *models.RunError) (bool, error) {
	s.failures = append(s.failures, run.ID)
	return !s.unhandled, nil
}

type stubBroadcast struct {
	typing   []string
	failed   []string
	canceled []string
}

func (s *stubBroadcast) QueueUpdate(ctx context.Context, conversationID string, state scheduler.RoundState) {
}

func (s *stubBroadcast) RunFailed(ctx context.Context, conversationID, runID string, runErr *models.RunError) {
	s.failed = append(s.failed, runID)
}

func (s *stubBroadcast) RunCanceled(ctx context.Context, conversationID, runID, reason string) {
	s.canceled = append(s.canceled, runID)
}

func (s *stubBroadcast) Typing(ctx context.Context, conversationID, speakerMembershipID string) {
	s.typing = append(s.typing, speakerMembershipID)
}

type stubJobs struct {
	kicked      []string
	kickedConvs []string
	enqueued    []string
}

func (s *stubJobs) Enqueue(ctx context.Context, conversationID, runID string, notBefore time.Time) error {
	s.enqueued = append(s.enqueued, runID)
	return nil
}

func (s *stubJobs) KickNow(ctx context.Context, conversationID, runID string) error {
	s.kicked = append(s.kicked, runID)
	s.kickedConvs = append(s.kickedConvs, conversationID)
	return nil
}

func (s *stubJobs) EnqueueTurnTimeout(ctx context.Context, conversationID, speakerMembershipID, roundID string, notBefore time.Time) error {
	return nil
}

type claimerEnv struct {
	claimer   *Claimer
	mock      sqlmock.Sqlmock
	members   *stubMembers
	messages  *stubMessages
	notifier  *stubNotifier
	broadcast *stubBroadcast
}

var claimTestNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newClaimerEnv(t *testing.T, speaker *models.SpaceMembership) *claimerEnv {
	t.Helper()
	db, mock := newMockDB(t)
	env := &claimerEnv{
		mock:      mock,
		members:   &stubMembers{speaker: speaker},
		messages:  &stubMessages{},
		notifier:  &stubNotifier{},
		broadcast: &stubBroadcast{},
	}
	env.claimer = NewClaimer(db, env.members, env.messages, env.notifier, env.broadcast, 5*time.Minute)
	env.claimer.now = func() time.Time { return claimTestNow }
	return env
}

func eligibleAISpeaker(id string) *models.SpaceMembership {
	return &models.SpaceMembership{
		ID:     id,
		Kind:   models.SpeakerKindAICharacter,
		Active: true,
	}
}

func schedulerRun(id string) *models.Run {
	roundID := "round-1"
	run := &models.Run{
		ID:                  id,
		ConversationID:      "conv-1",
		ConversationRoundID: &roundID,
		SpeakerMembershipID: "ai-1",
		Kind:                models.RunKindAutoResponse,
		Status:              models.RunStatusQueued,
	}
	run.SetDebug(models.DebugKeyScheduledBy, models.ScheduledByTurnScheduler)
	return run
}
