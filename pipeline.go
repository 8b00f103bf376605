package main

import (
	"context"
	"log"
	"net/http"
	"time"
)

// services bundles the process-wide components handed to each pipeline
// run. Constructed once at startup, torn down in reverse order.
type services struct {
	cfg      config
	settings *runtimeSettings
	client   *upstreamClient
	web      *webClient
	store    *accountStore
	oauth    *oauthAuthenticator
	sessions *sessionManager
	tracker  *toolCallTracker
	selector *accountSelector
	usage    *usageStore
	counters *statCounters
	recent   *recentErrors
}

type stageKind int

const (
	stagePre stageKind = iota
	stageDispatch
	stagePost
	stageTerminal
)

type pipelineStage struct {
	name string
	kind stageKind
	run  func(*pipelineContext) error
}

// pipelineContext is the per-request record threaded through stages.
type pipelineContext struct {
	ctx    context.Context
	cancel context.CancelFunc
	svc    *services
	reqID  string

	req         *MessagesRequest
	clientBeta  string // client anthropic-beta header, passed through
	fingerprint string
	inputTokens int64

	sel                *selection
	pinnedConversation string
	session            *webSession

	// upstream response as produced by a dispatch stage, before
	// event-parsing normalizes it.
	upstreamResp *http.Response
	wire         string // "api" or "web"

	stream  *eventStream
	emitted bool // at least one byte reached the client

	collected    MessageResponse
	counter      streamCounter
	outputTokens int64

	toolPending bool

	w       http.ResponseWriter
	flusher http.Flusher
	done    bool
}

// pipelineStages is the fixed, ordered chain. Stages 3/4 are mutually
// exclusive on the transport decision, 11/12 on the streaming flag;
// each stage checks its own precondition and passes through otherwise.
func pipelineStages() []pipelineStage {
	return []pipelineStage{
		{name: "test-message", kind: stagePre, run: stageTestMessage},
		{name: "tool-result", kind: stagePre, run: stageToolResult},
		{name: "claude-api", kind: stageDispatch, run: stageClaudeAPI},
		{name: "claude-web", kind: stageDispatch, run: stageClaudeWeb},
		{name: "event-parsing", kind: stagePost, run: stageEventParsing},
		{name: "model-injector", kind: stagePost, run: stageModelInjector},
		{name: "stop-sequences", kind: stagePost, run: stageStopSequences},
		{name: "tool-call-event", kind: stagePost, run: stageToolCallEvent},
		{name: "message-collector", kind: stagePost, run: stageMessageCollector},
		{name: "token-counter", kind: stagePost, run: stageTokenCounter},
		{name: "streaming-response", kind: stageTerminal, run: stageStreamingResponse},
		{name: "non-streaming-response", kind: stageTerminal, run: stageNonStreamingResponse},
	}
}

// runPipeline executes the stage chain against the context. On error
// the caller decides between an HTTP error response (nothing emitted)
// and an SSE error event (stream already open).
func runPipeline(pc *pipelineContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] pipeline panic: %v", pc.reqID, r)
			err = perrorf(errInternal, "pipeline panic: %v", r)
		}
		pc.cleanup()
	}()

	for _, st := range pipelineStages() {
		if pc.done {
			return nil
		}
		if serr := st.run(pc); serr != nil {
			if pc.svc.cfg.debug {
				log.Printf("[%s] stage %s: %v", pc.reqID, st.name, serr)
			}
			return serr
		}
	}
	if !pc.done {
		return perror(errInternal, "no terminal stage produced a response")
	}
	return nil
}

// cleanup tears the request down: stop pulling from upstream, close
// the transport stream, release the session. A session that produced a
// tool_use keeps its conversation so the tool_result can be delivered.
func (pc *pipelineContext) cleanup() {
	if pc.stream != nil {
		pc.stream.Close()
	}
	if pc.upstreamResp != nil && pc.upstreamResp.Body != nil {
		pc.upstreamResp.Body.Close()
	}
	if pc.session != nil {
		// Keep the conversation when this request emitted a tool_use,
		// or when an earlier turn's tool call is still unresolved.
		keep := pc.toolPending || pc.svc.tracker.pendingFor(pc.session.conversation)
		pc.session.pendingTool = pc.session.pendingTool || keep
		pc.svc.sessions.release(pc.session, keep)
		pc.session = nil
	}
	if pc.cancel != nil {
		pc.cancel()
	}
}

// noteDispatchSuccess updates scheduling state once a dispatch yields
// a usable stream: usage counter bumps exactly once per request, and
// the fingerprint pins to the serving account.
func (pc *pipelineContext) noteDispatchSuccess() {
	now := time.Now()
	pc.sel.account.noteUse(now)
	pc.svc.store.scheduleSave()
	if pc.fingerprint != "" {
		pc.svc.selector.pin(pc.fingerprint, pc.sel.account.OrganizationUUID)
	}
}
