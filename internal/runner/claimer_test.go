package runner

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/spacechat/backend-go/internal/metrics"
	"github.com/spacechat/backend-go/internal/models"
)

const (
	selectRunByID    = `SELECT \* FROM "runs" WHERE id =`
	selectRunningRun = `SELECT \* FROM "runs" WHERE conversation_id = \$1 AND status = \$2`
	updateRuns       = `UPDATE "runs" SET`
	// map更新的列按字母序生成，借此区分认领UPDATE与终态UPDATE
	claimUpdate    = `UPDATE "runs" SET "heartbeat_at"=`
	terminalUpdate = `UPDATE "runs" SET "error"=`
)

func TestClaim_Success(t *testing.T) {
	env := newClaimerEnv(t, eligibleAISpeaker("ai-1"))
	run := schedulerRun("run-1")

	env.mock.ExpectQuery(selectRunByID).WillReturnRows(runRow(run))
	env.mock.ExpectQuery(selectRunningRun).WillReturnRows(emptyRunRows())
	env.mock.ExpectExec(updateRuns).WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := env.claimer.Claim(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, models.RunStatusRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)
	assert.Equal(t, claimTestNow, *claimed.StartedAt)
	assert.Equal(t, []string{"ai-1"}, env.broadcast.typing)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestClaim_RunNotFound(t *testing.T) {
	env := newClaimerEnv(t, eligibleAISpeaker("ai-1"))

	env.mock.ExpectQuery(selectRunByID).WillReturnRows(emptyRunRows())

	claimed, err := env.claimer.Claim(context.Background(), "run-missing")
	require.NoError(t, err)
	assert.Nil(t, claimed)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestClaim_NotReadyYet(t *testing.T) {
	env := newClaimerEnv(t, eligibleAISpeaker("ai-1"))
	run := schedulerRun("run-1")
	later := claimTestNow.Add(time.Minute)
	run.RunAfter = &later

	env.mock.ExpectQuery(selectRunByID).WillReturnRows(runRow(run))

	claimed, err := env.claimer.Claim(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
	assert.Empty(t, env.broadcast.typing)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestClaim_FreshRunningRunIsContention(t *testing.T) {
	env := newClaimerEnv(t, eligibleAISpeaker("ai-1"))
	run := schedulerRun("run-1")
	running := schedulerRun("run-busy")
	running.Status = models.RunStatusRunning
	beat := claimTestNow.Add(-10 * time.Second)
	running.HeartbeatAt = &beat

	env.mock.ExpectQuery(selectRunByID).WillReturnRows(runRow(run))
	env.mock.ExpectQuery(selectRunningRun).WillReturnRows(runRow(running))

	claimed, err := env.claimer.Claim(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
	// 未过期的running Run还在干活，不做任何清理
	assert.Empty(t, env.messages.failedRunIDs)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestClaim_LostUpdateRace(t *testing.T) {
	env := newClaimerEnv(t, eligibleAISpeaker("ai-1"))
	run := schedulerRun("run-1")

	env.mock.ExpectQuery(selectRunByID).WillReturnRows(runRow(run))
	env.mock.ExpectQuery(selectRunningRun).WillReturnRows(emptyRunRows())
	env.mock.ExpectExec(updateRuns).WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := env.claimer.Claim(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
	assert.Empty(t, env.broadcast.typing)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestClaim_DuplicateKeyIsContention(t *testing.T) {
	env := newClaimerEnv(t, eligibleAISpeaker("ai-1"))
	run := schedulerRun("run-1")

	env.mock.ExpectQuery(selectRunByID).WillReturnRows(runRow(run))
	env.mock.ExpectQuery(selectRunningRun).WillReturnRows(emptyRunRows())
	env.mock.ExpectExec(updateRuns).WillReturnError(gorm.ErrDuplicatedKey)

	before := testutil.ToFloat64(metrics.RunClaimContentions)
	claimed, err := env.claimer.Claim(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
	// 唯一约束冲突只计一次竞争
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RunClaimContentions))
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestClaim_ExpectedLastMessageMismatch(t *testing.T) {
	env := newClaimerEnv(t, eligibleAISpeaker("ai-1"))
	env.messages.latest = 43
	run := schedulerRun("run-1")
	run.SetDebug(models.DebugKeyExpectedLastMessageID, "42")

	env.mock.ExpectQuery(selectRunByID).WillReturnRows(runRow(run))
	env.mock.ExpectQuery(selectRunningRun).WillReturnRows(emptyRunRows())
	env.mock.ExpectExec(updateRuns).WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := env.claimer.Claim(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
	require.Len(t, env.notifier.skips, 1)
	assert.Equal(t, "EXPECTED_LAST_MESSAGE_MISMATCH", env.notifier.skips[0].reason)
	assert.Equal(t, "round-1", env.notifier.skips[0].roundID)
	assert.False(t, env.notifier.skips[0].cancelRunning)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestClaim_RegenerateMismatchDropsQuietly(t *testing.T) {
	env := newClaimerEnv(t, eligibleAISpeaker("ai-1"))
	env.messages.latest = 43
	run := &models.Run{
		ID:                  "run-regen",
		ConversationID:      "conv-1",
		SpeakerMembershipID: "ai-1",
		Kind:                models.RunKindRegenerate,
		Status:              models.RunStatusQueued,
	}
	run.SetDebug(models.DebugKeyExpectedLastMessageID, "42")

	env.mock.ExpectQuery(selectRunByID).WillReturnRows(runRow(run))
	env.mock.ExpectQuery(selectRunningRun).WillReturnRows(emptyRunRows())
	env.mock.ExpectExec(updateRuns).WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := env.claimer.Claim(context.Background(), "run-regen")
	require.NoError(t, err)
	assert.Nil(t, claimed)
	// regenerate是独立用户操作，守卫触发后不推进轮次
	assert.Empty(t, env.notifier.skips)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestClaim_MissingSpeakerSkips(t *testing.T) {
	env := newClaimerEnv(t, nil)
	run := schedulerRun("run-1")

	env.mock.ExpectQuery(selectRunByID).WillReturnRows(runRow(run))
	env.mock.ExpectQuery(selectRunningRun).WillReturnRows(emptyRunRows())
	env.mock.ExpectExec(updateRuns).WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := env.claimer.Claim(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
	require.Len(t, env.notifier.skips, 1)
	assert.Equal(t, "MISSING_SPEAKER", env.notifier.skips[0].reason)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestClaim_MutedSpeakerSkips(t *testing.T) {
	speaker := eligibleAISpeaker("ai-1")
	speaker.Muted = true
	env := newClaimerEnv(t, speaker)
	run := schedulerRun("run-1")

	env.mock.ExpectQuery(selectRunByID).WillReturnRows(runRow(run))
	env.mock.ExpectQuery(selectRunningRun).WillReturnRows(emptyRunRows())
	env.mock.ExpectExec(updateRuns).WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := env.claimer.Claim(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
	require.Len(t, env.notifier.skips, 1)
	assert.Equal(t, "SPEAKER_UNAVAILABLE", env.notifier.skips[0].reason)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestClaim_PlainHumanSchedulerRunSkips(t *testing.T) {
	speaker := eligibleAISpeaker("ai-1")
	speaker.Kind = models.SpeakerKindHuman
	env := newClaimerEnv(t, speaker)
	run := schedulerRun("run-1")

	env.mock.ExpectQuery(selectRunByID).WillReturnRows(runRow(run))
	env.mock.ExpectQuery(selectRunningRun).WillReturnRows(emptyRunRows())
	env.mock.ExpectExec(updateRuns).WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := env.claimer.Claim(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
	require.Len(t, env.notifier.skips, 1)
	assert.Equal(t, "SPEAKER_UNAVAILABLE", env.notifier.skips[0].reason)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestClaim_StaleRunFailedBeforeClaim(t *testing.T) {
	env := newClaimerEnv(t, eligibleAISpeaker("ai-1"))
	run := schedulerRun("run-1")
	stale := schedulerRun("run-stale")
	stale.Status = models.RunStatusRunning
	beat := claimTestNow.Add(-10 * time.Minute)
	stale.HeartbeatAt = &beat

	env.mock.ExpectQuery(selectRunByID).WillReturnRows(runRow(run))
	env.mock.ExpectQuery(selectRunningRun).WillReturnRows(runRow(stale))
	// 过期Run必须先离开running：不然认领UPDATE会撞running的部分唯一索引，
	// 本应接班的Run被当成竞争失败永远搁浅
	env.mock.ExpectExec(terminalUpdate).WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec(claimUpdate).WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := env.claimer.Claim(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, models.RunStatusRunning, claimed.Status)
	// 清理（占位消息、广播）在认领之后才发生
	assert.Equal(t, []string{"run-stale"}, env.messages.failedRunIDs)
	assert.Equal(t, []string{"run-stale"}, env.broadcast.failed)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestClaim_StaleFlipLostToReaperStillClaims(t *testing.T) {
	env := newClaimerEnv(t, eligibleAISpeaker("ai-1"))
	run := schedulerRun("run-1")
	stale := schedulerRun("run-stale")
	stale.Status = models.RunStatusRunning
	beat := claimTestNow.Add(-10 * time.Minute)
	stale.HeartbeatAt = &beat

	env.mock.ExpectQuery(selectRunByID).WillReturnRows(runRow(run))
	env.mock.ExpectQuery(selectRunningRun).WillReturnRows(runRow(stale))
	// reaper抢先翻转了状态：本方0行，清理归对方，认领照常进行
	env.mock.ExpectExec(terminalUpdate).WillReturnResult(sqlmock.NewResult(0, 0))
	env.mock.ExpectExec(claimUpdate).WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := env.claimer.Claim(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Empty(t, env.messages.failedRunIDs)
	assert.Empty(t, env.broadcast.failed)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestClaim_NoHeartbeatEverIsStale(t *testing.T) {
	env := newClaimerEnv(t, eligibleAISpeaker("ai-1"))
	stale := schedulerRun("run-stale")
	stale.Status = models.RunStatusRunning

	assert.True(t, env.claimer.isStale(stale, claimTestNow))

	started := claimTestNow.Add(-time.Minute)
	stale.StartedAt = &started
	assert.False(t, env.claimer.isStale(stale, claimTestNow))
}

func TestForceFailStale_AlreadyFinalized(t *testing.T) {
	env := newClaimerEnv(t, eligibleAISpeaker("ai-1"))
	stale := schedulerRun("run-stale")
	stale.Status = models.RunStatusRunning

	env.mock.ExpectExec(updateRuns).WillReturnResult(sqlmock.NewResult(0, 0))

	err := env.claimer.ForceFailStale(context.Background(), stale)
	require.NoError(t, err)
	assert.Empty(t, env.messages.failedRunIDs)
	assert.Empty(t, env.broadcast.failed)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}
