package scheduler

import (
	"math/rand"
	"sort"

	"github.com/spacechat/backend-go/internal/models"
)

// BuildQueue 计算新轮次的发言者队列
// 输入为Space的全部在册成员；只保留participation_active的成员。
// 普通人类也占队列槽位（等待其发言或被跳过），但不会被排入生成任务。
// 排序：talkativeness降序，position升序决胜。给定成员快照时结果确定。
func BuildQueue(memberships []models.SpaceMembership) []models.SpaceMembership {
	queue := make([]models.SpaceMembership, 0, len(memberships))
	for _, m := range memberships {
		if m.ParticipationActive() {
			queue = append(queue, m)
		}
	}

	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].Talkativeness != queue[j].Talkativeness {
			return queue[i].Talkativeness > queue[j].Talkativeness
		}
		return queue[i].Position < queue[j].Position
	})

	return queue
}

// BuildListQueue reply_policy=list时的队列：忽略talkativeness，严格按成员列表顺序
func BuildListQueue(memberships []models.SpaceMembership) []models.SpaceMembership {
	queue := make([]models.SpaceMembership, 0, len(memberships))
	for _, m := range memberships {
		if m.ParticipationActive() {
			queue = append(queue, m)
		}
	}
	sort.SliceStable(queue, func(i, j int) bool {
		return queue[i].Position < queue[j].Position
	})
	return queue
}

// HasAutoResponder 队列中是否存在可自动回复的成员
func HasAutoResponder(memberships []models.SpaceMembership) bool {
	for _, m := range memberships {
		if m.ParticipationActive() && m.CanAutoRespond() {
			return true
		}
	}
	return false
}

// SampleSpeaker 按talkativeness加权随机抽取一名可自动回复的成员
// 只用于预测/抽样场景（NextSpeaker的随机模式），基本排序从不依赖随机源。
func SampleSpeaker(memberships []models.SpaceMembership, rng *rand.Rand) *models.SpaceMembership {
	candidates := make([]models.SpaceMembership, 0, len(memberships))
	total := 0.0
	for _, m := range memberships {
		if m.ParticipationActive() && m.CanAutoRespond() {
			candidates = append(candidates, m)
			total += m.Talkativeness
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	if total <= 0 {
		return &candidates[rng.Intn(len(candidates))]
	}

	pick := rng.Float64() * total
	for i := range candidates {
		pick -= candidates[i].Talkativeness
		if pick <= 0 {
			return &candidates[i]
		}
	}
	return &candidates[len(candidates)-1]
}
