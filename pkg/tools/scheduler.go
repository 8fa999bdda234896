package tools

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/loomworks/loom/pkg/models"
)

// DefaultMaxParallel bounds concurrent read-only tool calls in one step.
const DefaultMaxParallel = 4

// Outcome pairs one requested call with its result, in the original order.
type Outcome struct {
	Call   models.ToolCall
	Result *Result
}

// Scheduler executes the tool calls of a single step. Read-only calls
// (non-mutating and parallel-safe) run concurrently up to MaxParallel;
// mutating calls run sequentially in LLM order, after all reads finish.
type Scheduler struct {
	router      *Router
	maxParallel int
}

// NewScheduler creates a Scheduler over the given router.
func NewScheduler(router *Router, maxParallel int) *Scheduler {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &Scheduler{router: router, maxParallel: maxParallel}
}

// ExecuteCalls runs all calls of one step and returns outcomes indexed by the
// original call order, regardless of execution interleaving. Unknown tools
// are treated as mutating so their not-found results stay ordered.
func (s *Scheduler) ExecuteCalls(ctx context.Context, calls []models.ToolCall, cctx CallContext) []Outcome {
	outcomes := make([]Outcome, len(calls))
	for i, call := range calls {
		outcomes[i] = Outcome{Call: call}
	}

	var readIdx, mutateIdx []int
	for i, call := range calls {
		def, ok := s.router.Get(call.Name)
		if ok && def.ReadOnly() {
			readIdx = append(readIdx, i)
		} else {
			mutateIdx = append(mutateIdx, i)
		}
	}

	// Reads first, bounded concurrency.
	if len(readIdx) > 0 {
		sem := make(chan struct{}, s.maxParallel)
		var wg sync.WaitGroup
		for _, i := range readIdx {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				outcomes[i].Result = s.callOne(ctx, calls[i], cctx)
			}(i)
		}
		wg.Wait()
	}

	// Then mutations, serial, in LLM order.
	for _, i := range mutateIdx {
		outcomes[i].Result = s.callOne(ctx, calls[i], cctx)
	}

	return outcomes
}

func (s *Scheduler) callOne(ctx context.Context, call models.ToolCall, cctx CallContext) *Result {
	c := cctx
	c.ToolCallID = call.ID
	return s.router.Call(ctx, call.Name, call.Parameters, c)
}

// ResultMessages converts outcomes into tool-role messages in original call
// order. Each message's content is the JSON-encoded Result. Calls that
// suspend the run stay unanswered here: fan-in or the approval endpoint
// injects their single result message on resumption, and answering them
// twice under one tool-call id would make the history invalid.
func ResultMessages(outcomes []Outcome) []models.Message {
	msgs := make([]models.Message, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Result != nil && (o.Result.RequiresSuspension || o.Result.RequiresApproval) {
			continue
		}
		content, err := json.Marshal(o.Result)
		if err != nil {
			content = []byte(`{"success":false,"error":"unserializable tool result"}`)
		}
		msgs = append(msgs, models.ToolMessage(o.Call.ID, string(content)))
	}
	return msgs
}
