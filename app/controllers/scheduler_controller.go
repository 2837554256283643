package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/spacechat/backend-go/app/bootstrap"
	"github.com/spacechat/backend-go/internal/interfaces"
)

var validate = validator.New()

// schedulerProvider 允许测试替换调度器实现
var schedulerProvider = func() interfaces.TurnSchedulerInterface {
	app := bootstrap.GetApp()
	if app == nil {
		return nil
	}
	return app.Scheduler()
}

// SchedulerController 轮次调度HTTP接口
// 所有命令接口幂等：重复请求落在内部守卫上成为no-op，响应里的
// applied字段指示本次请求是否真正改变了状态。
type SchedulerController struct {
	BaseController
}

func (c *SchedulerController) scheduler() (interfaces.TurnSchedulerInterface, bool) {
	sched := schedulerProvider()
	if sched == nil {
		c.JSONError(http.StatusServiceUnavailable, "scheduler not initialized")
		return nil, false
	}
	return sched, true
}

func (c *SchedulerController) bindAndValidate(dst interface{}) bool {
	if len(c.Ctx.Input.RequestBody) > 0 {
		if err := json.Unmarshal(c.Ctx.Input.RequestBody, dst); err != nil {
			c.JSONError(http.StatusBadRequest, "invalid request body")
			return false
		}
	}
	if err := validate.Struct(dst); err != nil {
		c.JSONError(http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// StartRoundRequest 开启轮次请求
type StartRoundRequest struct {
	IsUserInput bool `json:"is_user_input"`
}

// StartRound POST /api/conversations/:conversation_id/rounds/start
func (c *SchedulerController) StartRound() {
	sched, ok := c.scheduler()
	if !ok {
		return
	}
	conversationID := c.Ctx.Input.Param(":conversation_id")

	var req StartRoundRequest
	if !c.bindAndValidate(&req) {
		return
	}

	started, err := sched.StartRound(c.Ctx.Request.Context(), conversationID, req.IsUserInput)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"applied": started})
}

// AdvanceTurnRequest 推进轮次请求
type AdvanceTurnRequest struct {
	SpeakerMembershipID string `json:"speaker_membership_id" validate:"required"`
	MessageID           *uint  `json:"message_id"`
}

// AdvanceTurn POST /api/conversations/:conversation_id/turns/advance
func (c *SchedulerController) AdvanceTurn() {
	sched, ok := c.scheduler()
	if !ok {
		return
	}
	conversationID := c.Ctx.Input.Param(":conversation_id")

	var req AdvanceTurnRequest
	if !c.bindAndValidate(&req) {
		return
	}

	advanced, err := sched.AdvanceTurn(c.Ctx.Request.Context(), conversationID, req.SpeakerMembershipID, req.MessageID)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"applied": advanced})
}

// SkipSpeakerRequest 跳过当前发言者请求
type SkipSpeakerRequest struct {
	SpeakerMembershipID string `json:"speaker_membership_id" validate:"required"`
	ExpectedRoundID     string `json:"expected_round_id"`
	Reason              string `json:"reason"`
	CancelRunning       bool   `json:"cancel_running"`
}

// SkipSpeaker POST /api/conversations/:conversation_id/turns/skip
func (c *SchedulerController) SkipSpeaker() {
	sched, ok := c.scheduler()
	if !ok {
		return
	}
	conversationID := c.Ctx.Input.Param(":conversation_id")

	var req SkipSpeakerRequest
	if !c.bindAndValidate(&req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual_skip"
	}

	skipped, err := sched.SkipCurrentSpeaker(c.Ctx.Request.Context(), conversationID,
		req.SpeakerMembershipID, req.Reason, req.ExpectedRoundID, req.CancelRunning)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"applied": skipped})
}

// PauseRoundRequest 暂停轮次请求
type PauseRoundRequest struct {
	Reason string `json:"reason"`
}

// PauseRound POST /api/conversations/:conversation_id/rounds/pause
func (c *SchedulerController) PauseRound() {
	sched, ok := c.scheduler()
	if !ok {
		return
	}
	conversationID := c.Ctx.Input.Param(":conversation_id")

	var req PauseRoundRequest
	if !c.bindAndValidate(&req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "user_pause"
	}

	paused, err := sched.PauseRound(c.Ctx.Request.Context(), conversationID, req.Reason)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"applied": paused})
}

// RetrySpeakerRequest 重试当前发言者请求
type RetrySpeakerRequest struct {
	SpeakerMembershipID string `json:"speaker_membership_id" validate:"required"`
	ExpectedRoundID     string `json:"expected_round_id"`
	Reason              string `json:"reason"`
}

// RetrySpeaker POST /api/conversations/:conversation_id/turns/retry
func (c *SchedulerController) RetrySpeaker() {
	sched, ok := c.scheduler()
	if !ok {
		return
	}
	conversationID := c.Ctx.Input.Param(":conversation_id")

	var req RetrySpeakerRequest
	if !c.bindAndValidate(&req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "user_retry"
	}

	retried, err := sched.RetryCurrentSpeaker(c.Ctx.Request.Context(), conversationID,
		req.SpeakerMembershipID, req.ExpectedRoundID, req.Reason)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"applied": retried})
}

// StopRound POST /api/conversations/:conversation_id/rounds/stop
func (c *SchedulerController) StopRound() {
	sched, ok := c.scheduler()
	if !ok {
		return
	}
	conversationID := c.Ctx.Input.Param(":conversation_id")

	if err := sched.StopRound(c.Ctx.Request.Context(), conversationID); err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"applied": true})
}

// ForceTalkRequest 强制发言请求
type ForceTalkRequest struct {
	SpeakerMembershipID string `json:"speaker_membership_id" validate:"required"`
}

// ForceTalk POST /api/conversations/:conversation_id/force-talk
func (c *SchedulerController) ForceTalk() {
	sched, ok := c.scheduler()
	if !ok {
		return
	}
	conversationID := c.Ctx.Input.Param(":conversation_id")

	var req ForceTalkRequest
	if !c.bindAndValidate(&req) {
		return
	}

	run, err := sched.ForceTalk(c.Ctx.Request.Context(), conversationID, req.SpeakerMembershipID)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	if run == nil {
		c.JSONSuccess(map[string]interface{}{"applied": false})
		return
	}
	c.JSONSuccess(map[string]interface{}{"applied": true, "run_id": run.ID})
}

// RegenerateRequest 重新生成请求
type RegenerateRequest struct {
	SpeakerMembershipID   string `json:"speaker_membership_id" validate:"required"`
	ExpectedLastMessageID uint   `json:"expected_last_message_id" validate:"required"`
}

// Regenerate POST /api/conversations/:conversation_id/regenerate
func (c *SchedulerController) Regenerate() {
	sched, ok := c.scheduler()
	if !ok {
		return
	}
	conversationID := c.Ctx.Input.Param(":conversation_id")

	var req RegenerateRequest
	if !c.bindAndValidate(&req) {
		return
	}

	run, err := sched.Regenerate(c.Ctx.Request.Context(), conversationID,
		req.SpeakerMembershipID, req.ExpectedLastMessageID)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	if run == nil {
		c.JSONSuccess(map[string]interface{}{"applied": false})
		return
	}
	c.JSONSuccess(map[string]interface{}{"applied": true, "run_id": run.ID})
}

// State GET /api/conversations/:conversation_id/scheduling-state
func (c *SchedulerController) State() {
	sched, ok := c.scheduler()
	if !ok {
		return
	}
	conversationID := c.Ctx.Input.Param(":conversation_id")

	state, err := sched.State(c.Ctx.Request.Context(), conversationID)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(state)
}

// QueuePreview GET /api/conversations/:conversation_id/queue-preview
func (c *SchedulerController) QueuePreview() {
	sched, ok := c.scheduler()
	if !ok {
		return
	}
	conversationID := c.Ctx.Input.Param(":conversation_id")
	limit, _ := c.GetInt("limit", 10)

	speakers, err := sched.QueuePreview(c.Ctx.Request.Context(), conversationID, limit)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(speakers)
}

// NextSpeaker GET /api/conversations/:conversation_id/next-speaker
func (c *SchedulerController) NextSpeaker() {
	sched, ok := c.scheduler()
	if !ok {
		return
	}
	conversationID := c.Ctx.Input.Param(":conversation_id")
	previous := c.GetString("previous_speaker_id")
	allowSelf, _ := c.GetBool("allow_self", false)

	speaker, err := sched.NextSpeaker(c.Ctx.Request.Context(), conversationID, previous, allowSelf)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(speaker)
}
