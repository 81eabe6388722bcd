// Package dispatch owns the session registry and the per-session turn state
// machine. It pulls user messages from registered transport channels, drives
// the agent runner, persists usage, and hands completed work to the review
// pipeline.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"foreman/pkg/build"
	"foreman/pkg/channel"
	"foreman/pkg/claude"
	"foreman/pkg/logx"
	"foreman/pkg/metrics"
	"foreman/pkg/proto"
	"foreman/pkg/session"
)

// reviewState tracks an active or suspended review pipeline.
type reviewState struct {
	round     int
	maxRounds int
	active    bool
}

// sessionState is the transient per-session record. It exists only while a
// turn is running, an answer is pending, or a review pipeline is live; it is
// empty after a process restart.
type sessionState struct {
	running        bool
	awaitingAnswer bool
	review         *reviewState
}

// Options carries the orchestrator's collaborators and tunables. Updater,
// Metrics, and Exit may be left unset.
type Options struct {
	Updater         *build.Updater
	Metrics         *metrics.Recorder
	MaxReviewRounds int
	MaxTurns        int
	MaxSpendUSD     float64

	// Exit terminates the process; Restart schedules it after the grace
	// delay. Injected so tests can observe restarts.
	Exit func()
}

// Orchestrator dispatches turns for every registered transport. At most one
// agent process runs per session at any instant, enforced by a synchronous
// check-then-set on the session's running flag.
type Orchestrator struct {
	store     session.Store
	runner    claude.Runner
	worktrees WorktreeManager
	updater   *build.Updater
	metrics   *metrics.Recorder
	logger    *logx.Logger

	maxReviewRounds int
	maxTurns        int
	maxSpendUSD     float64
	exit            func()

	mu     sync.Mutex
	states map[string]*sessionState

	wg sync.WaitGroup
}

// NewOrchestrator wires the orchestrator. Store, runner, and worktrees are
// required.
func NewOrchestrator(store session.Store, runner claude.Runner, worktrees WorktreeManager, opts Options) *Orchestrator {
	maxRounds := opts.MaxReviewRounds
	if maxRounds < 1 {
		maxRounds = 3
	}
	return &Orchestrator{
		store:           store,
		runner:          runner,
		worktrees:       worktrees,
		updater:         opts.Updater,
		metrics:         opts.Metrics,
		logger:          logx.NewLogger("dispatch"),
		maxReviewRounds: maxRounds,
		maxTurns:        opts.MaxTurns,
		maxSpendUSD:     opts.MaxSpendUSD,
		exit:            opts.Exit,
		states:          make(map[string]*sessionState),
	}
}

// RegisterTransport starts a dispatch loop pulling envelopes from the
// endpoint until ctx is done. Each user message is handled fire-and-forget so
// turns for different sessions run concurrently.
func (o *Orchestrator) RegisterTransport(ctx context.Context, name string, ep *channel.Endpoint) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.logger.Info("Transport %s registered", name)
		for {
			env, err := ep.Receive(ctx)
			if err != nil {
				o.logger.Info("Transport %s dispatch loop stopped: %v", name, err)
				return
			}
			o.dispatch(ctx, ep, env)
		}
	}()
}

// Wait blocks until every dispatch loop and in-flight turn has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// dispatch routes one envelope. The busy check and the running-flag set
// happen synchronously here, before the turn goroutine is spawned, so a
// second message for the same session can never slip past the guard.
func (o *Orchestrator) dispatch(ctx context.Context, ep *channel.Endpoint, env proto.Envelope) {
	if env.Msg.Kind != proto.MsgUser {
		o.logger.Debug("Ignoring %s message from transport on thread %s", env.Msg.Kind, env.ThreadID)
		return
	}

	sess, err := o.store.GetByThread(env.ThreadID)
	if err != nil {
		o.logger.Warn("No session for thread %s: %v", env.ThreadID, err)
		ep.Send(env.ThreadID, proto.ErrorMsg("no session is registered for this thread; start one first"))
		return
	}

	o.mu.Lock()
	st := o.states[sess.ID]
	if st == nil {
		st = &sessionState{}
		o.states[sess.ID] = st
	}
	if st.running {
		o.mu.Unlock()
		ep.Send(env.ThreadID, proto.NoticeMsg("the agent is still working on the previous message; try again when it finishes"))
		return
	}
	st.running = true
	st.awaitingAnswer = false
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runTurn(ctx, ep, sess, env.Msg.Text)
	}()
}

// runTurn executes one user turn to completion, including any review
// pipeline it triggers. Nothing may escape: every exit path leaves the
// channel terminated with done and the session state consistent.
func (o *Orchestrator) runTurn(ctx context.Context, ep *channel.Endpoint, sess *session.Session, prompt string) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Turn for session %s panicked: %v", sess.ID, r)
			o.failTurn(ep, sess, fmt.Sprintf("internal error: %v", r))
		}
	}()

	// Pre-generate the agent session id on the first-ever turn and persist
	// it before the runner starts. A second message arriving mid-turn then
	// sees a resumable id instead of forcing a fresh conversation.
	preSessionID := ""
	if sess.AgentSessionID == "" {
		preSessionID = uuid.New().String()
		if err := o.store.UpdateAgentSessionID(sess.ID, preSessionID); err != nil {
			o.failTurn(ep, sess, fmt.Sprintf("failed to persist agent session id: %v", err))
			return
		}
	}

	workDir := sess.ProjectDir
	if sess.Worktree != nil {
		workDir = sess.Worktree.Path
	}

	res, err := o.runner.Run(ctx, &claude.Request{
		Prompt:         prompt,
		ThreadID:       sess.ThreadID,
		Out:            ep,
		AgentSessionID: sess.AgentSessionID,
		PreSessionID:   preSessionID,
		WorkDir:        workDir,
		MaxTurns:       o.maxTurns,
		MaxSpendUSD:    o.maxSpendUSD,
		Verbosity:      sess.Verbosity,
	})
	if err != nil {
		o.failTurn(ep, sess, fmt.Sprintf("failed to run agent: %v", err))
		return
	}

	o.recordTurn(sess, res)

	o.mu.Lock()
	st := o.states[sess.ID]
	if res.QuestionAsked {
		// The turn already closed with done; the session waits for the
		// user's reply, which resumes via the stored agent session id.
		st.running = false
		st.awaitingAnswer = true
		o.mu.Unlock()
		return
	}

	if sess.Worktree != nil && strings.Contains(res.Text, proto.ReadyMarker) {
		if st.review == nil {
			st.review = &reviewState{round: 1, maxRounds: o.maxReviewRounds}
		} else {
			// A suspended pipeline resumes on the next round once the
			// coder answers with the ready marker again.
			st.review.round++
		}
		st.review.active = true
		o.mu.Unlock()
		o.runReview(ctx, ep, sess)
		return
	}

	st.running = false
	if st.review == nil {
		delete(o.states, sess.ID)
	}
	o.mu.Unlock()
}

// recordTurn persists the turn's side effects on the session row and the
// metrics counters.
func (o *Orchestrator) recordTurn(sess *session.Session, res *claude.Result) {
	if err := o.store.AddUsage(sess.ID, res.Usage); err != nil {
		o.logger.Warn("Failed to persist usage for session %s: %v", sess.ID, err)
	}
	if err := o.store.Touch(sess.ID); err != nil {
		o.logger.Warn("Failed to touch session %s: %v", sess.ID, err)
	}
	if res.AgentSessionID != "" && res.AgentSessionID != sess.AgentSessionID {
		if err := o.store.UpdateAgentSessionID(sess.ID, res.AgentSessionID); err != nil {
			o.logger.Warn("Failed to update agent session id for %s: %v", sess.ID, err)
		}
		sess.AgentSessionID = res.AgentSessionID
	}
	o.metrics.ObserveTurn(res.Success, res.Usage.InputTokens, res.Usage.OutputTokens, res.CostUSD, res.Duration)
}

// failTurn reports a turn-level failure and returns the session to idle. The
// done terminator goes first so the transport is never left waiting on an
// open turn.
func (o *Orchestrator) failTurn(ep *channel.Endpoint, sess *session.Session, msg string) {
	ep.Send(sess.ThreadID, proto.DoneMsg())
	ep.Send(sess.ThreadID, proto.ErrorMsg(msg))
	o.clearState(sess.ID)
}

func (o *Orchestrator) clearState(sessionID string) {
	o.mu.Lock()
	delete(o.states, sessionID)
	o.mu.Unlock()
}

// StartSession creates a durable session for a thread. The agent session id
// stays empty until the first turn pre-generates one.
func (o *Orchestrator) StartSession(threadID, channelName, projectDir, name string, metadata map[string]string) (*session.Session, error) {
	sess := &session.Session{
		ID:         uuid.New().String(),
		ThreadID:   threadID,
		Channel:    channelName,
		ProjectDir: projectDir,
		Name:       name,
		Verbosity:  session.VerbosityNormal,
		Metadata:   metadata,
	}
	if err := o.store.Create(sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	o.logger.Info("Session %s started for thread %s in %s", sess.ID, threadID, projectDir)
	return sess, nil
}

// DeleteSession removes a session, releasing its worktree first. A session
// with a turn in flight cannot be deleted.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	if st := o.states[sessionID]; st != nil && st.running {
		o.mu.Unlock()
		return fmt.Errorf("session %s has a turn in flight", sessionID)
	}
	o.mu.Unlock()

	sess, err := o.store.GetByID(sessionID)
	if err != nil {
		return err
	}
	if sess.Worktree != nil {
		if err := o.worktrees.Remove(ctx, sess.Worktree, true); err != nil {
			return fmt.Errorf("failed to release worktree: %w", err)
		}
		if err := o.store.DisableWorktree(sessionID); err != nil {
			return err
		}
	}
	if err := o.store.Delete(sessionID); err != nil {
		return err
	}
	o.clearState(sessionID)
	o.logger.Info("Session %s deleted", sessionID)
	return nil
}

// ResetSession drops the agent conversation and usage counters; the session
// row itself survives.
func (o *Orchestrator) ResetSession(sessionID string) error {
	o.mu.Lock()
	if st := o.states[sessionID]; st != nil && st.running {
		o.mu.Unlock()
		return fmt.Errorf("session %s has a turn in flight", sessionID)
	}
	delete(o.states, sessionID)
	o.mu.Unlock()
	return o.store.Reset(sessionID)
}

// SetVerbosity updates how much tool traffic the session forwards.
func (o *Orchestrator) SetVerbosity(sessionID, verbosity string) error {
	switch verbosity {
	case session.VerbosityQuiet, session.VerbosityNormal, session.VerbosityVerbose:
	default:
		return fmt.Errorf("unknown verbosity %q", verbosity)
	}
	return o.store.UpdateVerbosity(sessionID, verbosity)
}

// EnableWorktree provisions an isolated checkout for the session and records
// it. Subsequent turns run inside the worktree.
func (o *Orchestrator) EnableWorktree(ctx context.Context, sessionID string) (*session.Worktree, error) {
	sess, err := o.store.GetByID(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Worktree != nil {
		return nil, fmt.Errorf("session %s already has a worktree at %s", sessionID, sess.Worktree.Path)
	}
	wt, err := o.worktrees.Create(ctx, sess.ProjectDir, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w", err)
	}
	if err := o.store.EnableWorktree(sessionID, *wt); err != nil {
		return nil, err
	}
	return wt, nil
}

// DisableWorktree removes the session's worktree and clears the record. The
// branch is kept.
func (o *Orchestrator) DisableWorktree(ctx context.Context, sessionID string) error {
	sess, err := o.store.GetByID(sessionID)
	if err != nil {
		return err
	}
	if sess.Worktree == nil {
		return fmt.Errorf("session %s has no worktree", sessionID)
	}
	if err := o.worktrees.Remove(ctx, sess.Worktree, false); err != nil {
		return fmt.Errorf("failed to remove worktree: %w", err)
	}
	return o.store.DisableWorktree(sessionID)
}

// Update pulls the orchestrator's own checkout and rebuilds it, streaming
// tool output to stream.
func (o *Orchestrator) Update(ctx context.Context, stream io.Writer) error {
	if o.updater == nil {
		return fmt.Errorf("no updater configured")
	}
	if err := o.updater.Pull(ctx, stream); err != nil {
		return err
	}
	return o.updater.Build(ctx, stream)
}

// Restart schedules process exit after the grace delay so in-flight replies
// can flush. The actual exit is the injected Exit func.
func (o *Orchestrator) Restart(grace time.Duration) error {
	if o.exit == nil {
		return fmt.Errorf("no exit hook configured")
	}
	o.logger.Info("Restart scheduled in %s", grace)
	time.AfterFunc(grace, o.exit)
	return nil
}
