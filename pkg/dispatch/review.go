package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"foreman/pkg/channel"
	"foreman/pkg/claude"
	"foreman/pkg/proto"
	"foreman/pkg/session"
)

// runReview drives the bounded reviewer/coder loop for a session whose last
// turn produced the ready marker. The caller has already marked the review
// active; every exit path here leaves the state map consistent. Errors end
// the pipeline with a notice and never escape to the dispatch loop.
func (o *Orchestrator) runReview(ctx context.Context, ep *channel.Endpoint, sess *session.Session) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Review pipeline for session %s panicked: %v", sess.ID, r)
			ep.Send(sess.ThreadID, proto.ErrorMsg(fmt.Sprintf("review pipeline failed: %v", r)))
			o.clearState(sess.ID)
		}
	}()

	o.mu.Lock()
	rv := o.states[sess.ID].review
	o.mu.Unlock()
	wt := sess.Worktree

	for ; rv.round <= rv.maxRounds; rv.round++ {
		ep.Send(sess.ThreadID, proto.NoticeMsg(fmt.Sprintf("review round %d/%d", rv.round, rv.maxRounds)))

		// The reviewer always starts a fresh conversation at the repo root
		// so it judges the branch cold, without the coder's context.
		defaultBranch := o.worktrees.DefaultBranch(ctx, wt.RepoRoot)
		res, err := o.runner.Run(ctx, &claude.Request{
			Prompt:       reviewerPrompt(wt, defaultBranch),
			ThreadID:     sess.ThreadID,
			Out:          ep,
			PreSessionID: uuid.New().String(),
			WorkDir:      wt.RepoRoot,
			MaxTurns:     o.maxTurns,
			MaxSpendUSD:  o.maxSpendUSD,
			Verbosity:    sess.Verbosity,
		})
		if err != nil {
			o.endReviewWithError(ep, sess, fmt.Errorf("reviewer turn failed: %w", err))
			return
		}
		o.accrueReviewUsage(sess, res)

		if strings.Contains(res.Text, proto.ApprovalMarker) {
			o.metrics.ObserveReviewRound("approved")
			if err := o.worktrees.Remove(ctx, wt, false); err != nil {
				o.endReviewWithError(ep, sess, fmt.Errorf("merge approved but worktree removal failed: %w", err))
				return
			}
			if err := o.store.DisableWorktree(sess.ID); err != nil {
				o.logger.Warn("Failed to clear worktree record for session %s: %v", sess.ID, err)
			}
			ep.Send(sess.ThreadID, proto.NoticeMsg(fmt.Sprintf("review approved on round %d; branch %s merged and worktree removed", rv.round, wt.Branch)))
			o.clearState(sess.ID)
			return
		}

		// Feedback and unrecognized output are treated the same: retry on
		// a non-final round, give up on the last one.
		if rv.round == rv.maxRounds {
			o.metrics.ObserveReviewRound("exhausted")
			ep.Send(sess.ThreadID, proto.NoticeMsg(fmt.Sprintf("review reached the maximum of %d rounds without approval; branch %s was not merged", rv.maxRounds, wt.Branch)))
			o.clearState(sess.ID)
			return
		}
		o.metrics.ObserveReviewRound("feedback")

		// The coder resumes its own conversation inside the worktree with
		// the reviewer's feedback embedded.
		coderRes, err := o.runner.Run(ctx, &claude.Request{
			Prompt:         coderPrompt(res.Text),
			ThreadID:       sess.ThreadID,
			Out:            ep,
			AgentSessionID: sess.AgentSessionID,
			WorkDir:        wt.Path,
			MaxTurns:       o.maxTurns,
			MaxSpendUSD:    o.maxSpendUSD,
			Verbosity:      sess.Verbosity,
		})
		if err != nil {
			o.endReviewWithError(ep, sess, fmt.Errorf("coder turn failed: %w", err))
			return
		}
		o.accrueReviewUsage(sess, coderRes)

		if coderRes.QuestionAsked {
			// Pipeline suspends. The user's answer goes through the normal
			// turn flow; when the coder replies with the ready marker again
			// the pipeline resumes on the next round.
			o.mu.Lock()
			st := o.states[sess.ID]
			st.running = false
			st.awaitingAnswer = true
			o.mu.Unlock()
			return
		}
	}
}

// accrueReviewUsage charges a reviewer or coder turn to the original
// session's totals. The agent session id is deliberately left alone: the
// reviewer runs its own throwaway conversation.
func (o *Orchestrator) accrueReviewUsage(sess *session.Session, res *claude.Result) {
	if err := o.store.AddUsage(sess.ID, res.Usage); err != nil {
		o.logger.Warn("Failed to persist review usage for session %s: %v", sess.ID, err)
	}
	o.metrics.ObserveTurn(res.Success, res.Usage.InputTokens, res.Usage.OutputTokens, res.CostUSD, res.Duration)
}

func (o *Orchestrator) endReviewWithError(ep *channel.Endpoint, sess *session.Session, err error) {
	o.logger.Error("Review pipeline for session %s ended: %v", sess.ID, err)
	ep.Send(sess.ThreadID, proto.ErrorMsg(fmt.Sprintf("review pipeline stopped: %v", err)))
	o.clearState(sess.ID)
}

func reviewerPrompt(wt *session.Worktree, defaultBranch string) string {
	return fmt.Sprintf(`You are reviewing branch %s of this repository.
Inspect the changes with: git diff %s...%s
Judge whether the work is complete, correct, and safe to merge.
If it is, merge %s into %s and include the literal text %s in your reply.
If it needs changes, do not merge anything; include the literal text %s followed by a concrete list of the required changes.`,
		wt.Branch, defaultBranch, wt.Branch,
		wt.Branch, defaultBranch, proto.ApprovalMarker,
		proto.FeedbackMarker)
}

func coderPrompt(feedback string) string {
	return fmt.Sprintf(`A reviewer examined your branch and requested changes:

%s

Apply the requested changes in this worktree and commit them. When the branch is ready for review again, include the literal text %s in your reply.`,
		feedback, proto.ReadyMarker)
}
