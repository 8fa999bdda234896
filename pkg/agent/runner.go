// Package agent drives the per-run step loop: compose context, call the LLM,
// dispatch tool calls, checkpoint, and detect suspension. The queue owns run
// status transitions and terminal events; the runner reports an Outcome.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/checkpoint"
	"github.com/loomworks/loom/pkg/llm"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/prompt"
	"github.com/loomworks/loom/pkg/retry"
	"github.com/loomworks/loom/pkg/tools"
)

const (
	// DefaultMaxSteps bounds the step loop per run.
	DefaultMaxSteps = 30

	// DefaultMaxContextTokens is the assumed model context window when the
	// provider config does not say otherwise.
	DefaultMaxContextTokens = 128_000

	// DefaultReserveTokens is held back from the window for the completion.
	DefaultReserveTokens = 8_000

	// memoryRecallLimit caps search hits folded into the prompt preamble.
	memoryRecallLimit = 5

	syntheticToolResult = "[synthetic: no result recorded]"
)

// Emitter receives run and step events. Implemented by events.Publisher.
type Emitter interface {
	Emit(ctx context.Context, event models.Event) error
}

// Suspension describes why a run stopped without finishing: it waits either
// for dispatched children or for a human approval.
type Suspension struct {
	ToolCallID  string
	ChildRunIDs []string
	Approval    bool
}

// Outcome is the runner's verdict on one execution slice of a run.
type Outcome struct {
	Status     models.RunStatus // completed, failed, cancelled, or suspended
	Result     string
	Error      *models.ErrorInfo
	Suspension *Suspension
}

// Config tunes the runner. Zero values take defaults.
type Config struct {
	MaxSteps           int
	BasePrompt         string
	ProviderHints      string
	WorkingDir         string
	Skills             []string
	MaxContextTokens   int
	ReserveTokens      int
	PreserveTurns      int
	MaxToolOutputChars int
}

// Runner executes the plan/act/observe loop for one run at a time. Stateless
// across runs; all per-run state lives in the checkpoint.
type Runner struct {
	client      llm.Client
	router      *tools.Router
	scheduler   *tools.Scheduler
	checkpoints *checkpoint.Store
	emitter     Emitter
	searcher    tools.MemorySearcher // optional
	policy      retry.Policy
	builder     *prompt.Builder
	compactor   *prompt.Compactor
	cfg         Config
	logger      *slog.Logger
}

// NewRunner wires a runner. searcher may be nil (no memory recall layer).
func NewRunner(client llm.Client, router *tools.Router, scheduler *tools.Scheduler,
	checkpoints *checkpoint.Store, emitter Emitter, searcher tools.MemorySearcher,
	policy retry.Policy, cfg Config) *Runner {

	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = DefaultMaxContextTokens
	}
	if cfg.ReserveTokens <= 0 {
		cfg.ReserveTokens = DefaultReserveTokens
	}
	return &Runner{
		client:      client,
		router:      router,
		scheduler:   scheduler,
		checkpoints: checkpoints,
		emitter:     emitter,
		searcher:    searcher,
		policy:      policy,
		builder:     prompt.NewBuilder(),
		compactor:   prompt.NewCompactor(cfg.PreserveTurns, cfg.MaxToolOutputChars),
		cfg:         cfg,
		logger:      slog.With("component", "agent_runner"),
	}
}

// Execute runs the step loop until a terminal outcome or a suspension point.
// A run with an existing checkpoint resumes from it; orphaned tool calls in
// the loaded history are repaired with synthetic results first.
func (r *Runner) Execute(ctx context.Context, run *models.Run) Outcome {
	cp, resumed, err := r.loadOrInitCheckpoint(run)
	if err != nil {
		return r.fail(run, cp, "CHECKPOINT_ERROR", err)
	}

	ac := r.agentContext(run)
	budget := prompt.NewTokenBudgetManager(r.cfg.MaxContextTokens, r.cfg.ReserveTokens)
	if resumed {
		r.emit(ctx, run, "", "", models.EventRunResumed,
			models.PayloadMap(models.RunLifecyclePayload{Status: string(models.RunStatusRunning)}))
	}

	memorySummary := r.recallMemory(ctx, run)

	for step := cp.StepNumber + 1; step <= r.cfg.MaxSteps; step++ {
		if ctx.Err() != nil {
			return Outcome{Status: models.RunStatusCancelled}
		}
		stepID := models.FormatStepID(step)
		stepSpan := models.NewSpanID()
		r.emit(ctx, run, stepID, stepSpan, models.EventStepStarted,
			models.PayloadMap(models.StepPayload{StepNumber: step}))

		warning := r.manageBudget(cp, budget, step)

		composed := r.builder.Compose(prompt.ComposeInputs{
			BasePrompt:    r.cfg.BasePrompt,
			ProviderHints: r.cfg.ProviderHints,
			AgentContext:  ac,
			Environment: prompt.Environment{
				WorkingDir: r.cfg.WorkingDir,
				Date:       time.Now().UTC().Format("2006-01-02"),
				ToolNames:  r.toolNames(),
			},
			Groups:        r.toolGroups(),
			Skills:        r.cfg.Skills,
			MemorySummary: memorySummary,
			BudgetWarning: warning,
			History:       cp.Messages,
		})

		resp, attempts, err := r.completeWithRetry(ctx, run, composed)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{Status: models.RunStatusCancelled}
			}
			return r.fail(run, cp, "LLM_ERROR", err)
		}
		budget.Observe(resp.Usage.PromptTokens)
		r.emit(ctx, run, stepID, stepSpan, models.EventLLMCalled,
			models.PayloadMap(models.LLMCalledPayload{
				Provider:         r.client.Provider(),
				Model:            r.model(run),
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
			}))
		if attempts > 1 {
			r.emit(ctx, run, stepID, stepSpan, models.EventStepRetried,
				models.PayloadMap(models.StepRetriedPayload{StepNumber: step, Attempts: attempts}))
		}

		if len(resp.ToolCalls) == 0 {
			cp.Messages = append(cp.Messages, models.AssistantMessage(resp.Content))
			cp.StepNumber = step
			if err := r.saveCheckpoint(run, cp); err != nil {
				return r.fail(run, cp, "CHECKPOINT_ERROR", err)
			}
			r.emit(ctx, run, stepID, stepSpan, models.EventMessageDecision,
				models.PayloadMap(models.DecisionPayload{Decision: "final_answer"}))
			r.emit(ctx, run, stepID, stepSpan, models.EventStepCompleted,
				models.PayloadMap(models.StepPayload{StepNumber: step}))
			return Outcome{Status: models.RunStatusCompleted, Result: resp.Content}
		}

		cp.Messages = append(cp.Messages, models.AssistantMessage(resp.Content, resp.ToolCalls...))
		outcomes := r.scheduler.ExecuteCalls(ctx, resp.ToolCalls, tools.CallContext{
			SessionKey:   run.SessionKey,
			RunID:        run.ID,
			AgentID:      run.AgentID,
			StepID:       stepID,
			SpanID:       stepSpan,
			AgentContext: ac,
		})
		cp.Messages = append(cp.Messages, tools.ResultMessages(outcomes)...)
		cp.StepNumber = step
		if err := r.saveCheckpoint(run, cp); err != nil {
			return r.fail(run, cp, "CHECKPOINT_ERROR", err)
		}

		if ctx.Err() != nil {
			return Outcome{Status: models.RunStatusCancelled}
		}
		if susp := detectSuspension(outcomes); susp != nil {
			cp.WorkingState = withValue(cp.WorkingState, "suspended_tool_call_id", susp.ToolCallID)
			if err := r.saveCheckpoint(run, cp); err != nil {
				return r.fail(run, cp, "CHECKPOINT_ERROR", err)
			}
			r.emit(ctx, run, stepID, stepSpan, models.EventRunSuspended,
				models.PayloadMap(models.RunSuspendedPayload{
					ToolCallID:  susp.ToolCallID,
					ChildRunIDs: susp.ChildRunIDs,
					Approval:    susp.Approval,
				}))
			return Outcome{Status: models.RunStatusSuspended, Suspension: susp}
		}

		r.emit(ctx, run, stepID, stepSpan, models.EventStepCompleted,
			models.PayloadMap(models.StepPayload{StepNumber: step, ToolCalls: len(resp.ToolCalls)}))
	}

	return r.fail(run, cp, "MAX_STEPS", fmt.Errorf("Max steps reached"))
}

// loadOrInitCheckpoint returns the run's checkpoint, creating a fresh one for
// first execution. A resumed history gets orphan repair before use.
func (r *Runner) loadOrInitCheckpoint(run *models.Run) (*models.Checkpoint, bool, error) {
	cp, err := r.checkpoints.LoadLatest(run.SessionKey, run.ID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return &models.Checkpoint{
				RunID:    run.ID,
				AgentID:  run.AgentID,
				Messages: []models.Message{models.UserMessage(run.Input)},
			}, false, nil
		}
		return nil, false, err
	}

	if orphans := models.OrphanedToolCalls(cp.Messages); len(orphans) > 0 {
		r.logger.Warn("repairing orphaned tool calls on resume",
			"run_id", run.ID, "orphans", len(orphans))
		for _, id := range orphans {
			cp.Messages = append(cp.Messages, models.ToolMessage(id, syntheticToolResult))
		}
		if err := r.saveCheckpoint(run, cp); err != nil {
			return cp, true, err
		}
	}
	return cp, true, nil
}

// manageBudget compacts the history when utilization crosses the threshold
// and returns the preamble warning when one applies.
func (r *Runner) manageBudget(cp *models.Checkpoint, budget *prompt.TokenBudgetManager, step int) string {
	if budget.ShouldCompact() {
		compacted, report := r.compactor.CompactMessages(cp.Messages)
		cp.Messages = compacted
		budget.RecordCompaction()
		cp.WorkingState = withValue(cp.WorkingState, "compaction_count", budget.Compactions())
		r.logger.Info("compacted conversation",
			"run_id", cp.RunID,
			"messages_before", report.MessagesBefore,
			"messages_after", report.MessagesAfter,
			"estimated_tokens_saved", report.EstimatedTokensSaved)
		return ""
	}
	if budget.ShouldWarn() {
		return fmt.Sprintf("Warning: context is %.0f%% utilized and %d steps remain. Be concise and converge.",
			budget.Utilization()*100, r.cfg.MaxSteps-step)
	}
	return ""
}

func (r *Runner) completeWithRetry(ctx context.Context, run *models.Run, messages []models.Message) (*llm.Response, int, error) {
	req := &llm.Request{
		Messages: messages,
		Tools:    r.router.List(),
		Model:    r.model(run),
	}
	if run.Model != nil {
		req.Temperature = run.Model.Temperature
		req.MaxTokens = run.Model.MaxTokens
	}
	return retry.Execute(ctx, r.policy, "llm completion", func(ctx context.Context) (*llm.Response, error) {
		return r.client.Complete(ctx, req)
	})
}

// fail saves a forensic checkpoint and returns the failed outcome. The queue
// emits run.failed and records the error on the run.
func (r *Runner) fail(run *models.Run, cp *models.Checkpoint, code string, err error) Outcome {
	r.logger.Error("run failed", "run_id", run.ID, "code", code, "error", err)
	if cp != nil {
		cp.WorkingState = withValue(cp.WorkingState, "last_error", err.Error())
		if saveErr := r.saveCheckpoint(run, cp); saveErr != nil {
			r.logger.Warn("failure checkpoint not saved", "run_id", run.ID, "error", saveErr)
		}
	}
	return Outcome{
		Status: models.RunStatusFailed,
		Error:  &models.ErrorInfo{Code: code, Message: err.Error()},
	}
}

func (r *Runner) saveCheckpoint(run *models.Run, cp *models.Checkpoint) error {
	return r.checkpoints.SaveLatest(run.SessionKey, cp)
}

func (r *Runner) agentContext(run *models.Run) *models.AgentContext {
	return &models.AgentContext{
		Scope:     run.Scope,
		AgentID:   run.AgentID,
		Delegated: run.Delegated,
	}
}

func (r *Runner) model(run *models.Run) string {
	if run.Model != nil && run.Model.Model != "" {
		return run.Model.Model
	}
	return r.client.Model()
}

func (r *Runner) toolNames() []string {
	defs := r.router.List()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names
}

// toolGroups summarizes the catalog by tool source for the preamble's group
// layer.
func (r *Runner) toolGroups() []string {
	counts := make(map[models.ToolSource]int)
	for _, d := range r.router.List() {
		counts[d.Metadata.Source]++
	}
	groups := make([]string, 0, len(counts))
	for source, n := range counts {
		groups = append(groups, fmt.Sprintf("%s (%d tools)", source, n))
	}
	sort.Strings(groups)
	return groups
}

// recallMemory folds prior memory hits for the run input into one summary
// block. Best-effort: recall failures only cost the layer.
func (r *Runner) recallMemory(ctx context.Context, run *models.Run) string {
	if r.searcher == nil {
		return ""
	}
	hits, err := r.searcher.Search(ctx, run.Scope, run.Input, memoryRecallLimit)
	if err != nil {
		r.logger.Warn("memory recall failed", "run_id", run.ID, "error", err)
		return ""
	}
	if len(hits) == 0 {
		return ""
	}
	return "- " + strings.Join(hits, "\n- ")
}

func (r *Runner) emit(ctx context.Context, run *models.Run, stepID, spanID string, t models.EventType, payload map[string]any) {
	if r.emitter == nil {
		return
	}
	e := models.NewEvent(run.SessionKey, run.ID, t, payload)
	e.AgentID = run.AgentID
	e.StepID = stepID
	if spanID != "" {
		e.ParentSpanID = spanID
	}
	if err := r.emitter.Emit(ctx, e); err != nil {
		r.logger.Warn("event emission failed", "type", string(t), "run_id", run.ID, "error", err)
	}
}

// detectSuspension returns the first suspension or approval request among the
// step's outcomes, if any.
func detectSuspension(outcomes []tools.Outcome) *Suspension {
	for _, o := range outcomes {
		if o.Result == nil {
			continue
		}
		if o.Result.RequiresSuspension {
			return &Suspension{
				ToolCallID:  callID(o),
				ChildRunIDs: o.Result.ChildRunIDs,
			}
		}
		if o.Result.RequiresApproval {
			return &Suspension{ToolCallID: callID(o), Approval: true}
		}
	}
	return nil
}

func callID(o tools.Outcome) string {
	if o.Result.ToolCallID != "" {
		return o.Result.ToolCallID
	}
	return o.Call.ID
}

func withValue(m map[string]any, key string, value any) map[string]any {
	if m == nil {
		m = make(map[string]any)
	}
	m[key] = value
	return m
}
