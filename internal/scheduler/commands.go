package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spacechat/backend-go/internal/logger"
	"github.com/spacechat/backend-go/internal/metrics"
	"github.com/spacechat/backend-go/internal/models"
	"go.uber.org/zap"
)

// observeCommand 命令延迟埋点（包含行锁等待时间）
func observeCommand(command string, start time.Time) {
	metrics.CommandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
}

// StartRound 开启新轮次
// 队列为空时不创建轮次并返回false。创建前取消遗留的queued Run，
// 避免违反每对话至多一个queued的约束。
func (s *Service) StartRound(ctx context.Context, conversationID string, isUserInput bool) (bool, error) {
	defer observeCommand("start_round", time.Now())
	started := false
	err := s.store.WithConversationLock(ctx, conversationID, func(tx Store) error {
		conv, err := tx.Conversation(ctx, conversationID)
		if err != nil {
			return err
		}
		active, err := tx.ActiveRound(ctx, conversationID)
		if err != nil {
			return err
		}
		if active != nil {
			// 已有active轮次，属预期分支
			return nil
		}
		started, err = s.startRoundLocked(ctx, tx, conv, isUserInput)
		return err
	})
	return started, err
}

// startRoundLocked 在已持有对话行锁的事务内开启轮次
func (s *Service) startRoundLocked(ctx context.Context, tx Store, conv *models.Conversation, isUserInput bool) (bool, error) {
	speakers, err := s.members.ActiveSpeakers(ctx, conv.ID)
	if err != nil {
		return false, err
	}
	var queue []models.SpaceMembership
	if conv.ReplyPolicy == models.ReplyPolicyList {
		queue = BuildListQueue(speakers)
	} else {
		queue = BuildQueue(speakers)
	}
	if len(queue) == 0 {
		return false, nil
	}

	if err := tx.CancelQueuedRuns(ctx, conv.ID, "start_round"); err != nil {
		return false, err
	}

	first := queue[0]
	round := &models.ConversationRound{
		ID:              uuid.NewString(),
		ConversationID:  conv.ID,
		Status:          models.RoundStatusActive,
		CurrentPosition: 0,
		CreatedAt:       s.now(),
	}
	if first.CanAutoRespond() {
		round.SchedulingState = models.SchedulingStateAIGenerating
	} else {
		round.SchedulingState = models.SchedulingStateHumanWaiting
	}
	for i, m := range queue {
		round.Participants = append(round.Participants, models.RoundParticipant{
			RoundID:             round.ID,
			SpeakerMembershipID: m.ID,
			Position:            i,
		})
	}
	if err := tx.CreateRound(ctx, round); err != nil {
		return false, err
	}
	metrics.RoundsStarted.Inc()

	if first.CanAutoRespond() {
		if _, err := s.scheduleSpeakerLocked(ctx, tx, conv, &first, round); err != nil {
			return false, err
		}
	} else {
		// 普通人类：等待其发言，超时后由延迟任务触发SkipCurrentSpeaker
		deadline := s.now().Add(s.cfg.HumanTurnTimeout)
		if err := s.jobs.EnqueueTurnTimeout(ctx, conv.ID, first.ID, round.ID, deadline); err != nil {
			return false, err
		}
	}

	s.broadcast.QueueUpdate(ctx, conv.ID, ProjectRound(round))
	logger.Info("round started",
		zap.String("conversation_id", conv.ID),
		zap.String("round_id", round.ID),
		zap.Int("queue_size", len(queue)),
		zap.String("scheduling_state", round.SchedulingState),
		zap.Bool("is_user_input", isUserInput))
	return true, nil
}

// ScheduleSpeaker 为指定发言者创建queued Run并入队执行任务
// 不可调度的发言者（普通人类）返回nil；已有queued Run时幂等跳过。
func (s *Service) ScheduleSpeaker(ctx context.Context, conversationID, speakerMembershipID string) (*models.Run, error) {
	var run *models.Run
	err := s.store.WithConversationLock(ctx, conversationID, func(tx Store) error {
		conv, err := tx.Conversation(ctx, conversationID)
		if err != nil {
			return err
		}
		round, err := tx.ActiveRound(ctx, conversationID)
		if err != nil {
			return err
		}
		sp, err := s.members.Speaker(ctx, speakerMembershipID)
		if err != nil {
			return err
		}
		run, err = s.scheduleSpeakerLocked(ctx, tx, conv, sp, round)
		return err
	})
	return run, err
}

func (s *Service) scheduleSpeakerLocked(ctx context.Context, tx Store, conv *models.Conversation, speaker *models.SpaceMembership, round *models.ConversationRound) (*models.Run, error) {
	if speaker == nil || !speaker.CanBeScheduled() {
		// 调度器被动等待普通人类的消息
		return nil, nil
	}
	queued, err := tx.QueuedRun(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if queued != nil {
		return nil, nil
	}

	kind := models.RunKindAutoResponse
	if speaker.Kind == models.SpeakerKindCopilot {
		kind = models.RunKindCopilotResponse
	}
	runAfter := s.now()
	if conv.AutoMode && s.cfg.AutoPacingDelay > 0 {
		runAfter = runAfter.Add(s.cfg.AutoPacingDelay)
	}

	run := &models.Run{
		ID:                  uuid.NewString(),
		ConversationID:      conv.ID,
		SpeakerMembershipID: speaker.ID,
		Kind:                kind,
		Status:              models.RunStatusQueued,
		RunAfter:            &runAfter,
		CreatedAt:           s.now(),
	}
	run.SetDebug(models.DebugKeyScheduledBy, models.ScheduledByTurnScheduler)
	if round != nil {
		roundID := round.ID
		run.ConversationRoundID = &roundID
	}
	if err := tx.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	// 即使仍有running Run也只入延迟队列、不立即踢：两个worker不能抢同一对话，
	// running Run结束后由followups补踢。
	if err := s.jobs.Enqueue(ctx, run.ConversationID, run.ID, runAfter); err != nil {
		return nil, err
	}
	logger.Debug("speaker scheduled",
		zap.String("conversation_id", conv.ID),
		zap.String("run_id", run.ID),
		zap.String("speaker_id", speaker.ID),
		zap.String("kind", string(kind)))
	return run, nil
}

// AdvanceTurn 消息落库后推进轮次
// 无active轮次时仅在应当自动调度的情况下开新轮次；scheduling_state为failed时
// 无条件no-op（失败必须人工恢复）；独立Run（无轮次关联）绝不改变轮次状态。
func (s *Service) AdvanceTurn(ctx context.Context, conversationID, speakerMembershipID string, messageID *uint) (bool, error) {
	defer observeCommand("advance_turn", time.Now())
	advanced := false
	err := s.store.WithConversationLock(ctx, conversationID, func(tx Store) error {
		conv, err := tx.Conversation(ctx, conversationID)
		if err != nil {
			return err
		}
		round, err := tx.ActiveRound(ctx, conversationID)
		if err != nil {
			return err
		}

		if round == nil {
			// idle：纯人类对话不触发调度
			speakers, err := s.members.ActiveSpeakers(ctx, conv.ID)
			if err != nil {
				return err
			}
			if conv.ReplyPolicy == models.ReplyPolicyManual || !HasAutoResponder(speakers) {
				return nil
			}
			advanced, err = s.startRoundLocked(ctx, tx, conv, true)
			return err
		}

		if round.SchedulingState == models.SchedulingStateFailed {
			return nil
		}

		if messageID != nil {
			msg, err := s.messages.GetMessage(ctx, *messageID)
			if err != nil {
				return err
			}
			if msg != nil && msg.RunID != nil {
				run, err := tx.GetRun(ctx, *msg.RunID)
				if err != nil {
					return err
				}
				if run != nil {
					if run.ConversationRoundID == nil {
						// 独立Run（force_talk/regenerate）不推进轮次
						return nil
					}
					if *run.ConversationRoundID != round.ID {
						// 被新轮次取代的Run
						return nil
					}
				}
			}
		}

		if err := tx.MarkParticipantSpoken(ctx, round.ID, speakerMembershipID); err != nil {
			return err
		}
		for i := range round.Participants {
			if round.Participants[i].SpeakerMembershipID == speakerMembershipID {
				round.Participants[i].Spoken = true
			}
		}
		if err := tx.UpdateConversation(ctx, conv.ID, map[string]interface{}{
			"turns_count": conv.TurnsCount + 1,
			"update_time": s.now(),
		}); err != nil {
			return err
		}
		conv.TurnsCount++
		if err := s.members.ConsumeCopilotStep(ctx, speakerMembershipID); err != nil {
			return err
		}

		round.CurrentPosition++
		if err := tx.UpdateRound(ctx, round.ID, map[string]interface{}{
			"current_position": round.CurrentPosition,
		}); err != nil {
			return err
		}
		advanced = true

		if round.SchedulingState == models.SchedulingStatePaused {
			// 暂停中仍记录发言与位置，但不调度下一位，保证之后能正确恢复
			s.broadcast.QueueUpdate(ctx, conv.ID, ProjectRound(round))
			return nil
		}
		if round.QueueExhausted() {
			return s.completeRoundLocked(ctx, tx, conv, round)
		}
		return s.scheduleCurrentLocked(ctx, tx, conv, round)
	})
	return advanced, err
}

// scheduleCurrentLocked 为当前位置的发言者安排下一步
// 中途被移除/静音的发言者直接跳过位置。
func (s *Service) scheduleCurrentLocked(ctx context.Context, tx Store, conv *models.Conversation, round *models.ConversationRound) error {
	for !round.QueueExhausted() {
		speakerID := round.CurrentSpeakerID()
		sp, err := s.members.Speaker(ctx, speakerID)
		if err != nil {
			return err
		}
		if sp == nil || !sp.ParticipationActive() {
			round.CurrentPosition++
			if err := tx.UpdateRound(ctx, round.ID, map[string]interface{}{
				"current_position": round.CurrentPosition,
			}); err != nil {
				return err
			}
			continue
		}

		if sp.CanAutoRespond() {
			round.SchedulingState = models.SchedulingStateAIGenerating
			if err := tx.UpdateRound(ctx, round.ID, map[string]interface{}{
				"scheduling_state": round.SchedulingState,
			}); err != nil {
				return err
			}
			if _, err := s.scheduleSpeakerLocked(ctx, tx, conv, sp, round); err != nil {
				return err
			}
		} else {
			round.SchedulingState = models.SchedulingStateHumanWaiting
			if err := tx.UpdateRound(ctx, round.ID, map[string]interface{}{
				"scheduling_state": round.SchedulingState,
			}); err != nil {
				return err
			}
			deadline := s.now().Add(s.cfg.HumanTurnTimeout)
			if err := s.jobs.EnqueueTurnTimeout(ctx, conv.ID, sp.ID, round.ID, deadline); err != nil {
				return err
			}
		}
		s.broadcast.QueueUpdate(ctx, conv.ID, ProjectRound(round))
		return nil
	}
	return s.completeRoundLocked(ctx, tx, conv, round)
}

// completeRoundLocked 队列耗尽，结束本轮
// 自动模式条件仍满足时立即开启下一轮并扣减剩余轮次计数。
func (s *Service) completeRoundLocked(ctx context.Context, tx Store, conv *models.Conversation, round *models.ConversationRound) error {
	now := s.now()
	if err := tx.UpdateRound(ctx, round.ID, map[string]interface{}{
		"status":       models.RoundStatusFinished,
		"finished_at":  now,
		"ended_reason": "completed",
	}); err != nil {
		return err
	}
	logger.Info("round completed",
		zap.String("conversation_id", conv.ID),
		zap.String("round_id", round.ID))

	if conv.AutoMode && conv.AutoRoundsLeft > 0 && conv.ReplyPolicy != models.ReplyPolicyManual {
		speakers, err := s.members.ActiveSpeakers(ctx, conv.ID)
		if err != nil {
			return err
		}
		if HasAutoResponder(speakers) {
			conv.AutoRoundsLeft--
			if err := tx.UpdateConversation(ctx, conv.ID, map[string]interface{}{
				"auto_rounds_left": conv.AutoRoundsLeft,
				"update_time":      now,
			}); err != nil {
				return err
			}
			_, err := s.startRoundLocked(ctx, tx, conv, false)
			return err
		}
	}

	s.broadcast.QueueUpdate(ctx, conv.ID, IdleState())
	return nil
}

// SkipCurrentSpeaker 跳过当前发言者
// 人类超时与claim失败的前进路径共用。expectedRoundID与现轮次不一致时整条命令
// no-op（陈旧超时任务守卫）。不标记spoken，只推进位置。
func (s *Service) SkipCurrentSpeaker(ctx context.Context, conversationID, speakerMembershipID, reason, expectedRoundID string, cancelRunning bool) (bool, error) {
	defer observeCommand("skip_current_speaker", time.Now())
	skipped := false
	err := s.store.WithConversationLock(ctx, conversationID, func(tx Store) error {
		conv, err := tx.Conversation(ctx, conversationID)
		if err != nil {
			return err
		}
		round, err := tx.ActiveRound(ctx, conversationID)
		if err != nil {
			return err
		}
		if round == nil || round.ID != expectedRoundID {
			return nil
		}
		if round.CurrentSpeakerID() != speakerMembershipID {
			// 轮次已前进，超时任务作废
			return nil
		}

		if err := tx.CancelQueuedRuns(ctx, conv.ID, reason); err != nil {
			return err
		}
		if cancelRunning {
			running, err := tx.RunningRun(ctx, conv.ID)
			if err != nil {
				return err
			}
			if running != nil {
				// 协作式取消：只设置信号，由执行器轮询后自行终止
				if err := tx.RequestRunCancel(ctx, running.ID); err != nil {
					return err
				}
			}
		}

		round.CurrentPosition++
		if err := tx.UpdateRound(ctx, round.ID, map[string]interface{}{
			"current_position": round.CurrentPosition,
		}); err != nil {
			return err
		}
		skipped = true
		logger.Info("speaker skipped",
			zap.String("conversation_id", conv.ID),
			zap.String("round_id", round.ID),
			zap.String("speaker_id", speakerMembershipID),
			zap.String("reason", reason))

		if round.SchedulingState == models.SchedulingStatePaused {
			s.broadcast.QueueUpdate(ctx, conv.ID, ProjectRound(round))
			return nil
		}
		if round.QueueExhausted() {
			return s.completeRoundLocked(ctx, tx, conv, round)
		}
		return s.scheduleCurrentLocked(ctx, tx, conv, round)
	})
	return skipped, err
}

// PauseRound 暂停轮次（手动Stop按钮）
// failed状态下不可暂停。队列、位置与spoken记录全部保留以供恢复。
func (s *Service) PauseRound(ctx context.Context, conversationID, reason string) (bool, error) {
	paused := false
	err := s.store.WithConversationLock(ctx, conversationID, func(tx Store) error {
		round, err := tx.ActiveRound(ctx, conversationID)
		if err != nil {
			return err
		}
		if round == nil || round.SchedulingState == models.SchedulingStateFailed {
			return nil
		}
		if err := tx.CancelQueuedRuns(ctx, conversationID, reason); err != nil {
			return err
		}
		round.SchedulingState = models.SchedulingStatePaused
		if err := tx.UpdateRound(ctx, round.ID, map[string]interface{}{
			"scheduling_state": round.SchedulingState,
		}); err != nil {
			return err
		}
		paused = true
		s.broadcast.QueueUpdate(ctx, conversationID, ProjectRound(round))
		return nil
	})
	return paused, err
}

// RetryCurrentSpeaker 失败后重试当前发言者
// 仅当scheduling_state=failed且expectedRoundID匹配时有效；位置不变，
// 重建queued Run并把状态翻回ai_generating。这是failed状态除Stop外唯一的出路。
func (s *Service) RetryCurrentSpeaker(ctx context.Context, conversationID, speakerMembershipID, expectedRoundID, reason string) (bool, error) {
	retried := false
	err := s.store.WithConversationLock(ctx, conversationID, func(tx Store) error {
		conv, err := tx.Conversation(ctx, conversationID)
		if err != nil {
			return err
		}
		round, err := tx.ActiveRound(ctx, conversationID)
		if err != nil {
			return err
		}
		if round == nil || round.ID != expectedRoundID || round.SchedulingState != models.SchedulingStateFailed {
			return nil
		}
		if round.CurrentSpeakerID() != speakerMembershipID {
			return nil
		}
		sp, err := s.members.Speaker(ctx, speakerMembershipID)
		if err != nil {
			return err
		}
		if sp == nil || !sp.CanBeScheduled() {
			return nil
		}

		round.SchedulingState = models.SchedulingStateAIGenerating
		if err := tx.UpdateRound(ctx, round.ID, map[string]interface{}{
			"scheduling_state": round.SchedulingState,
		}); err != nil {
			return err
		}
		run, err := s.scheduleSpeakerLocked(ctx, tx, conv, sp, round)
		if err != nil {
			return err
		}
		retried = run != nil
		logger.Info("retrying current speaker",
			zap.String("conversation_id", conversationID),
			zap.String("round_id", round.ID),
			zap.String("speaker_id", speakerMembershipID),
			zap.String("reason", reason))
		s.broadcast.QueueUpdate(ctx, conversationID, ProjectRound(round))
		return nil
	})
	return retried, err
}

// HandleFailure Run失败时的轮次处理
// 只处理调度器自己创建、且轮次关联指向现役轮次的Run：陈旧轮次的失败不得污染
// 现役轮次。匹配时冻结轮次为failed（队列/位置/spoken全保留），不自动重试。
func (s *Service) HandleFailure(ctx context.Context, conversationID string, run *models.Run, runErr *models.RunError) (bool, error) {
	if run == nil || !run.IsScheduledByTurnScheduler() {
		return false, nil
	}
	handled := false
	err := s.store.WithConversationLock(ctx, conversationID, func(tx Store) error {
		round, err := tx.ActiveRound(ctx, conversationID)
		if err != nil {
			return err
		}
		if round == nil || run.ConversationRoundID == nil || *run.ConversationRoundID != round.ID {
			return nil
		}

		if err := tx.CancelQueuedRuns(ctx, conversationID, "handle_failure"); err != nil {
			return err
		}
		round.SchedulingState = models.SchedulingStateFailed
		if err := tx.UpdateRound(ctx, round.ID, map[string]interface{}{
			"scheduling_state": round.SchedulingState,
		}); err != nil {
			return err
		}

		sp, err := s.members.Speaker(ctx, run.SpeakerMembershipID)
		if err != nil {
			return err
		}
		if sp != nil && sp.Kind == models.SpeakerKindCopilot && sp.CopilotAuto {
			// 关闭自动人格，避免同一成员反复触发失败
			if err := s.members.DisableAutoMode(ctx, sp.ID); err != nil {
				return err
			}
		}

		handled = true
		logger.Warn("run failed, round frozen",
			zap.String("conversation_id", conversationID),
			zap.String("round_id", round.ID),
			zap.String("run_id", run.ID))
		s.broadcast.QueueUpdate(ctx, conversationID, ProjectRound(round))
		s.broadcast.RunFailed(ctx, conversationID, run.ID, runErr)
		return nil
	})
	return handled, err
}

// StopRound 无条件终止：取消queued Run、请求取消running Run并把轮次清到idle
func (s *Service) StopRound(ctx context.Context, conversationID string) error {
	return s.store.WithConversationLock(ctx, conversationID, func(tx Store) error {
		if err := tx.CancelQueuedRuns(ctx, conversationID, "stop_round"); err != nil {
			return err
		}
		running, err := tx.RunningRun(ctx, conversationID)
		if err != nil {
			return err
		}
		if running != nil {
			if err := tx.RequestRunCancel(ctx, running.ID); err != nil {
				return err
			}
		}
		round, err := tx.ActiveRound(ctx, conversationID)
		if err != nil {
			return err
		}
		if round != nil {
			now := s.now()
			if err := tx.UpdateRound(ctx, round.ID, map[string]interface{}{
				"status":       models.RoundStatusCanceled,
				"finished_at":  now,
				"ended_reason": "stopped",
			}); err != nil {
				return err
			}
		}
		s.broadcast.QueueUpdate(ctx, conversationID, IdleState())
		return nil
	})
}
