package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/pkg/claude"
	"foreman/pkg/proto"
	"foreman/pkg/session"
)

// startReviewSession creates a session with a worktree record so a ready
// marker triggers the pipeline.
func (h *harness) startReviewSession(t *testing.T, threadID string) (*session.Session, session.Worktree) {
	t.Helper()
	sess := h.startSession(t, threadID)
	wt := session.Worktree{
		RepoRoot: "/srv/projects/demo",
		Branch:   "agent/" + sess.ID,
		Path:     "/tmp/foreman-" + sess.ID,
	}
	require.NoError(t, h.store.EnableWorktree(sess.ID, wt))
	return sess, wt
}

// collectUntilError gathers messages until an error text arrives.
func (h *harness) collectUntilError(t *testing.T) []proto.Msg {
	t.Helper()
	var msgs []proto.Msg
	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		env, err := h.transport.Receive(ctx)
		cancel()
		require.NoError(t, err, "transport starved waiting for error; got %v", msgs)
		msgs = append(msgs, env.Msg)
		if env.Msg.Kind == proto.MsgText && env.Msg.Subtype == proto.TextError {
			return msgs
		}
	}
}

// drainTransport empties whatever is currently queued toward the transport.
func (h *harness) drainTransport() {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, err := h.transport.Receive(ctx)
		cancel()
		if err != nil {
			return
		}
	}
}

// reviewerRequests returns the scripted requests that ran at the repo root,
// which is where reviewer turns run.
func (h *harness) reviewerRequests(repoRoot string) []*claude.Request {
	h.runner.mu.Lock()
	defer h.runner.mu.Unlock()
	var out []*claude.Request
	for _, req := range h.runner.requests {
		if req.WorkDir == repoRoot {
			out = append(out, req)
		}
	}
	return out
}

func TestReviewApprovalOnRoundOne(t *testing.T) {
	h := newHarness(t, Options{})
	sess, wt := h.startReviewSession(t, "thread-1")

	h.runner.script(
		fakeResult{res: &claude.Result{Success: true, Text: "all done " + proto.ReadyMarker}},
		fakeResult{res: &claude.Result{Success: true, Text: "looks good " + proto.ApprovalMarker}},
	)

	h.sendUser("thread-1", "implement the feature")
	h.collectUntilNotice(t, "review approved on round 1")

	// Exactly one reviewer ran: fresh conversation, repo root.
	require.Equal(t, 2, h.runner.requestCount())
	reviewer := h.runner.request(1)
	assert.Empty(t, reviewer.AgentSessionID)
	assert.NotEmpty(t, reviewer.PreSessionID)
	assert.Equal(t, wt.RepoRoot, reviewer.WorkDir)

	// Worktree removed, branch kept, record cleared.
	require.Equal(t, 1, h.worktrees.removeCount())
	assert.False(t, h.worktrees.removed[0].deleteBranch)
	assert.Equal(t, wt, h.worktrees.removed[0].wt)

	stored, err := h.store.GetByID(sess.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Worktree)
}

func TestReviewFeedbackThenApproval(t *testing.T) {
	h := newHarness(t, Options{})
	sess, wt := h.startReviewSession(t, "thread-1")

	h.runner.script(
		fakeResult{res: &claude.Result{Success: true, Text: proto.ReadyMarker}},
		fakeResult{res: &claude.Result{Success: true, Text: proto.FeedbackMarker + " tests are missing"}},
		fakeResult{res: &claude.Result{Success: true, Text: "tests added"}},
		fakeResult{res: &claude.Result{Success: true, Text: proto.ApprovalMarker}},
	)

	h.sendUser("thread-1", "implement the feature")
	h.collectUntilNotice(t, "review approved on round 2")

	require.Equal(t, 4, h.runner.requestCount())

	// The coder resumed the session's own conversation in the worktree with
	// the reviewer's feedback embedded.
	coder := h.runner.request(2)
	assert.Equal(t, wt.Path, coder.WorkDir)
	assert.Contains(t, coder.Prompt, "tests are missing")

	stored, err := h.store.GetByID(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.AgentSessionID, coder.AgentSessionID)
}

func TestReviewExhaustionLeavesWorktree(t *testing.T) {
	h := newHarness(t, Options{MaxReviewRounds: 2})
	sess, wt := h.startReviewSession(t, "thread-1")

	h.runner.script(
		fakeResult{res: &claude.Result{Success: true, Text: proto.ReadyMarker}},
		fakeResult{res: &claude.Result{Success: true, Text: proto.FeedbackMarker + " round one gripes"}},
		fakeResult{res: &claude.Result{Success: true, Text: "addressed"}},
		fakeResult{res: &claude.Result{Success: true, Text: proto.FeedbackMarker + " still not right"}},
	)

	h.sendUser("thread-1", "implement the feature")
	h.collectUntilNotice(t, "maximum of 2 rounds")

	// Exactly maxRounds reviewer invocations, worktree and branch intact.
	assert.Len(t, h.reviewerRequests(wt.RepoRoot), 2)
	assert.Equal(t, 0, h.worktrees.removeCount())

	stored, err := h.store.GetByID(sess.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.Worktree)
}

func TestReviewUnrecognizedOutputRetriesAsFeedback(t *testing.T) {
	h := newHarness(t, Options{})
	h.startReviewSession(t, "thread-1")

	h.runner.script(
		fakeResult{res: &claude.Result{Success: true, Text: proto.ReadyMarker}},
		fakeResult{res: &claude.Result{Success: true, Text: "rambling with no marker at all"}},
		fakeResult{res: &claude.Result{Success: true, Text: "reworked"}},
		fakeResult{res: &claude.Result{Success: true, Text: proto.ApprovalMarker}},
	)

	h.sendUser("thread-1", "implement the feature")
	h.collectUntilNotice(t, "review approved on round 2")

	// The markerless reviewer output was forwarded to the coder verbatim.
	coder := h.runner.request(2)
	assert.Contains(t, coder.Prompt, "rambling with no marker at all")
}

func TestReviewCoderQuestionSuspendsAndResumes(t *testing.T) {
	h := newHarness(t, Options{})
	sess, wt := h.startReviewSession(t, "thread-1")

	h.runner.script(
		fakeResult{res: &claude.Result{Success: true, Text: proto.ReadyMarker}},
		fakeResult{res: &claude.Result{Success: true, Text: proto.FeedbackMarker + " which cache backend?"}},
		fakeResult{res: &claude.Result{Success: true, QuestionAsked: true}},
	)

	h.sendUser("thread-1", "implement the feature")

	// Pipeline suspends after the coder asks: three invocations, then idle
	// with the review still pending.
	require.Eventually(t, func() bool { return h.runner.requestCount() == 3 },
		3*time.Second, 10*time.Millisecond)
	h.waitIdle(t, sess.ID)
	h.drainTransport()

	// The user's answer flows through the normal turn path; the ready
	// marker resumes the pipeline on the next round.
	h.runner.script(
		fakeResult{res: &claude.Result{Success: true, Text: "went with redis " + proto.ReadyMarker}},
		fakeResult{res: &claude.Result{Success: true, Text: proto.ApprovalMarker}},
	)
	h.sendUser("thread-1", "use redis")
	h.collectUntilNotice(t, "review approved on round 2")

	require.Equal(t, 5, h.runner.requestCount())

	// The answer turn resumed the coder's conversation in the worktree.
	answer := h.runner.request(3)
	assert.Equal(t, wt.Path, answer.WorkDir)
	assert.NotEmpty(t, answer.AgentSessionID)
}

func TestReviewerFailureEndsPipelineWithNotice(t *testing.T) {
	h := newHarness(t, Options{})
	sess, _ := h.startReviewSession(t, "thread-1")

	h.runner.script(
		fakeResult{res: &claude.Result{Success: true, Text: proto.ReadyMarker}},
		fakeResult{err: fmt.Errorf("reviewer binary missing")},
	)

	h.sendUser("thread-1", "implement the feature")
	msgs := h.collectUntilError(t)
	assert.Contains(t, msgs[len(msgs)-1].Text, "review pipeline stopped")

	// The dispatch loop survived; the session takes new turns.
	h.waitIdle(t, sess.ID)
	h.runner.script(fakeResult{res: &claude.Result{Success: true}})
	h.sendUser("thread-1", "carry on manually")
	h.collectUntilDone(t)
}
