package scheduler

import (
	"context"

	"github.com/spacechat/backend-go/internal/models"
)

// State 轮次状态的只读投影（UI展示用，不加锁不改状态）
func (s *Service) State(ctx context.Context, conversationID string) (RoundState, error) {
	round, err := s.store.ActiveRound(ctx, conversationID)
	if err != nil {
		return IdleState(), err
	}
	return ProjectRound(round), nil
}

// NextSpeaker 预测下一位会自动发言的成员
// 有active轮次时沿队列从当前位置起找第一个可自动回复的成员；idle时基于
// 新队列的预览。previousSpeakerID配合allowSelf用于排除连续发言。
func (s *Service) NextSpeaker(ctx context.Context, conversationID, previousSpeakerID string, allowSelf bool) (*models.SpaceMembership, error) {
	round, err := s.store.ActiveRound(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var candidateIDs []string
	if round != nil {
		for i := range round.Participants {
			p := &round.Participants[i]
			if p.Position >= round.CurrentPosition {
				candidateIDs = append(candidateIDs, p.SpeakerMembershipID)
			}
		}
	} else {
		speakers, err := s.members.ActiveSpeakers(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		for _, m := range BuildQueue(speakers) {
			candidateIDs = append(candidateIDs, m.ID)
		}
	}

	for _, id := range candidateIDs {
		if !allowSelf && id == previousSpeakerID {
			continue
		}
		sp, err := s.members.Speaker(ctx, id)
		if err != nil {
			return nil, err
		}
		if sp == nil || !sp.ParticipationActive() || !sp.CanAutoRespond() {
			continue
		}
		return sp, nil
	}
	return nil, nil
}

// QueuePreview 返回当前轮次剩余的发言者；idle时返回新队列的预览
func (s *Service) QueuePreview(ctx context.Context, conversationID string, limit int) ([]models.SpaceMembership, error) {
	round, err := s.store.ActiveRound(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var preview []models.SpaceMembership
	if round != nil {
		for i := range round.Participants {
			p := &round.Participants[i]
			if p.Position < round.CurrentPosition {
				continue
			}
			sp, err := s.members.Speaker(ctx, p.SpeakerMembershipID)
			if err != nil {
				return nil, err
			}
			if sp == nil {
				continue
			}
			preview = append(preview, *sp)
			if limit > 0 && len(preview) >= limit {
				break
			}
		}
		return preview, nil
	}

	speakers, err := s.members.ActiveSpeakers(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	queue := BuildQueue(speakers)
	if limit > 0 && len(queue) > limit {
		queue = queue[:limit]
	}
	return queue, nil
}
