package scheduler

import (
	"context"
	"time"

	"github.com/spacechat/backend-go/internal/config"
	"github.com/spacechat/backend-go/internal/models"
)

// 内存版Store：行锁语义在单测里退化为直接执行fn
type fakeStore struct {
	conv            *models.Conversation
	rounds          map[string]*models.ConversationRound
	runs            map[string]*models.Run
	cancelRequested []string
}

func newFakeStore(conv *models.Conversation) *fakeStore {
	return &fakeStore{
		conv:   conv,
		rounds: map[string]*models.ConversationRound{},
		runs:   map[string]*models.Run{},
	}
}

func (f *fakeStore) WithConversationLock(ctx context.Context, conversationID string, fn func(Store) error) error {
	return fn(f)
}

func (f *fakeStore) Conversation(ctx context.Context, id string) (*models.Conversation, error) {
	return f.conv, nil
}

func (f *fakeStore) UpdateConversation(ctx context.Context, id string, updates map[string]interface{}) error {
	if v, ok := updates["turns_count"].(int); ok {
		f.conv.TurnsCount = v
	}
	if v, ok := updates["auto_rounds_left"].(int); ok {
		f.conv.AutoRoundsLeft = v
	}
	return nil
}

func (f *fakeStore) ActiveRound(ctx context.Context, conversationID string) (*models.ConversationRound, error) {
	for _, r := range f.rounds {
		if r.Status == models.RoundStatusActive {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CreateRound(ctx context.Context, round *models.ConversationRound) error {
	f.rounds[round.ID] = round
	return nil
}

func (f *fakeStore) UpdateRound(ctx context.Context, roundID string, updates map[string]interface{}) error {
	r := f.rounds[roundID]
	if r == nil {
		return nil
	}
	if v, ok := updates["status"].(string); ok {
		r.Status = v
	}
	if v, ok := updates["scheduling_state"].(string); ok {
		r.SchedulingState = v
	}
	if v, ok := updates["current_position"].(int); ok {
		r.CurrentPosition = v
	}
	if v, ok := updates["ended_reason"].(string); ok {
		r.EndedReason = v
	}
	if v, ok := updates["finished_at"].(time.Time); ok {
		r.FinishedAt = &v
	}
	return nil
}

func (f *fakeStore) MarkParticipantSpoken(ctx context.Context, roundID, speakerMembershipID string) error {
	r := f.rounds[roundID]
	if r == nil {
		return nil
	}
	for i := range r.Participants {
		if r.Participants[i].SpeakerMembershipID == speakerMembershipID {
			r.Participants[i].Spoken = true
		}
	}
	return nil
}

func (f *fakeStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	return f.runs[runID], nil
}

func (f *fakeStore) QueuedRun(ctx context.Context, conversationID string) (*models.Run, error) {
	return f.runByStatus(models.RunStatusQueued), nil
}

func (f *fakeStore) RunningRun(ctx context.Context, conversationID string) (*models.Run, error) {
	return f.runByStatus(models.RunStatusRunning), nil
}

func (f *fakeStore) runByStatus(status string) *models.Run {
	for _, r := range f.runs {
		if r.Status == status {
			return r
		}
	}
	return nil
}

func (f *fakeStore) CreateRun(ctx context.Context, run *models.Run) error {
	f.runs[run.ID] = run
	return nil
}

func (f *fakeStore) CancelQueuedRuns(ctx context.Context, conversationID, canceledBy string) error {
	for _, r := range f.runs {
		if r.Status == models.RunStatusQueued {
			r.Status = models.RunStatusCanceled
			r.SetDebug(models.DebugKeyCanceledBy, canceledBy)
		}
	}
	return nil
}

func (f *fakeStore) RequestRunCancel(ctx context.Context, runID string) error {
	f.cancelRequested = append(f.cancelRequested, runID)
	if r := f.runs[runID]; r != nil && r.CancelRequestedAt == nil {
		now := time.Now()
		r.CancelRequestedAt = &now
	}
	return nil
}

type fakeMembers struct {
	speakers     map[string]*models.SpaceMembership
	order        []models.SpaceMembership
	consumed     []string
	autoDisabled []string
}

func newFakeMembers(memberships ...models.SpaceMembership) *fakeMembers {
	f := &fakeMembers{speakers: map[string]*models.SpaceMembership{}}
	for i := range memberships {
		m := memberships[i]
		f.speakers[m.ID] = &m
		f.order = append(f.order, m)
	}
	return f
}

func (f *fakeMembers) Speaker(ctx context.Context, membershipID string) (*models.SpaceMembership, error) {
	return f.speakers[membershipID], nil
}

func (f *fakeMembers) ActiveSpeakers(ctx context.Context, conversationID string) ([]models.SpaceMembership, error) {
	return f.order, nil
}

func (f *fakeMembers) ConsumeCopilotStep(ctx context.Context, membershipID string) error {
	f.consumed = append(f.consumed, membershipID)
	return nil
}

func (f *fakeMembers) DisableAutoMode(ctx context.Context, membershipID string) error {
	f.autoDisabled = append(f.autoDisabled, membershipID)
	if m := f.speakers[membershipID]; m != nil {
		m.CopilotAuto = false
	}
	return nil
}

type fakeMessages struct {
	msgs     map[uint]*models.Message
	latestID uint
	failed   []string
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{msgs: map[uint]*models.Message{}}
}

func (f *fakeMessages) GetMessage(ctx context.Context, id uint) (*models.Message, error) {
	return f.msgs[id], nil
}

func (f *fakeMessages) LatestVisibleMessageID(ctx context.Context, conversationID string) (uint, error) {
	return f.latestID, nil
}

func (f *fakeMessages) FailPlaceholders(ctx context.Context, runID string) error {
	f.failed = append(f.failed, runID)
	return nil
}

type enqueuedJob struct {
	conversationID string
	runID          string
	notBefore      time.Time
}

type timeoutJob struct {
	conversationID string
	speakerID      string
	roundID        string
	notBefore      time.Time
}

type fakeJobs struct {
	enqueued []enqueuedJob
	kicked   []string
	timeouts []timeoutJob
}

func (f *fakeJobs) Enqueue(ctx context.Context, conversationID, runID string, notBefore time.Time) error {
	f.enqueued = append(f.enqueued, enqueuedJob{conversationID: conversationID, runID: runID, notBefore: notBefore})
	return nil
}

func (f *fakeJobs) KickNow(ctx context.Context, conversationID, runID string) error {
	f.kicked = append(f.kicked, runID)
	return nil
}

func (f *fakeJobs) EnqueueTurnTimeout(ctx context.Context, conversationID, speakerMembershipID, roundID string, notBefore time.Time) error {
	f.timeouts = append(f.timeouts, timeoutJob{
		conversationID: conversationID,
		speakerID:      speakerMembershipID,
		roundID:        roundID,
		notBefore:      notBefore,
	})
	return nil
}

type fakeBroadcast struct {
	states      []RoundState
	failedRuns  []string
	canceled    []string
	typingFrom  []string
}

func (f *fakeBroadcast) QueueUpdate(ctx context.Context, conversationID string, state RoundState) {
	f.states = append(f.states, state)
}

func (f *fakeBroadcast) RunFailed(ctx context.Context, conversationID, runID string, runErr *models.RunError) {
	f.failedRuns = append(f.failedRuns, runID)
}

func (f *fakeBroadcast) RunCanceled(ctx context.Context, conversationID, runID, reason string) {
	f.canceled = append(f.canceled, runID)
}

func (f *fakeBroadcast) Typing(ctx context.Context, conversationID, speakerMembershipID string) {
	f.typingFrom = append(f.typingFrom, speakerMembershipID)
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		RunStaleTimeout:    5 * time.Minute,
		HumanTurnTimeout:   45 * time.Second,
		AutoPacingDelay:    3 * time.Second,
		DefaultAutoRounds:  5,
		HeartbeatInterval:  5 * time.Second,
		CancelPollInterval: 2 * time.Second,
		ReaperInterval:     time.Minute,
	}
}

type testEnv struct {
	svc       *Service
	store     *fakeStore
	members   *fakeMembers
	messages  *fakeMessages
	jobs      *fakeJobs
	broadcast *fakeBroadcast
}

func newTestEnv(conv *models.Conversation, memberships ...models.SpaceMembership) *testEnv {
	env := &testEnv{
		store:     newFakeStore(conv),
		members:   newFakeMembers(memberships...),
		messages:  newFakeMessages(),
		jobs:      &fakeJobs{},
		broadcast: &fakeBroadcast{},
	}
	env.svc = NewService(env.store, env.members, env.messages, env.jobs, env.broadcast, testConfig())
	env.svc.now = func() time.Time { return testNow }
	return env
}

func aiSpeaker(id string, talkativeness float64, position int) models.SpaceMembership {
	return models.SpaceMembership{
		ID:            id,
		SpaceID:       "space-1",
		Kind:          models.SpeakerKindAICharacter,
		Talkativeness: talkativeness,
		Position:      position,
		Active:        true,
	}
}

func humanSpeaker(id string, talkativeness float64, position int) models.SpaceMembership {
	return models.SpaceMembership{
		ID:            id,
		SpaceID:       "space-1",
		Kind:          models.SpeakerKindHuman,
		Talkativeness: talkativeness,
		Position:      position,
		Active:        true,
	}
}

func copilotSpeaker(id string, auto bool, stepsLeft int, position int) models.SpaceMembership {
	return models.SpaceMembership{
		ID:               id,
		SpaceID:          "space-1",
		Kind:             models.SpeakerKindCopilot,
		CopilotAuto:      auto,
		CopilotStepsLeft: stepsLeft,
		Talkativeness:    0.5,
		Position:         position,
		Active:           true,
	}
}

func testConversation() *models.Conversation {
	return &models.Conversation{
		ID:          "conv-1",
		SpaceID:     "space-1",
		ReplyPolicy: models.ReplyPolicyAuto,
	}
}
