package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"foreman/pkg/channel"
	"foreman/pkg/dispatch"
	"foreman/pkg/logx"
	"foreman/pkg/proto"
	"foreman/pkg/session"
)

// stdioTransport bridges JSON-lines on stdin/stdout to a channel endpoint.
// Each input line is a proto.Envelope; user text starting with '/' is a
// control command handled locally, everything else is forwarded to the
// orchestrator as a turn.
type stdioTransport struct {
	orch   *dispatch.Orchestrator
	store  session.Store
	ep     *channel.Endpoint
	grace  time.Duration
	logger *logx.Logger

	mu  sync.Mutex
	enc *json.Encoder
}

func newStdioTransport(orch *dispatch.Orchestrator, store session.Store, ep *channel.Endpoint, grace time.Duration, w io.Writer) *stdioTransport {
	return &stdioTransport{
		orch:   orch,
		store:  store,
		ep:     ep,
		grace:  grace,
		logger: logx.NewLogger("stdio"),
		enc:    json.NewEncoder(w),
	}
}

// emit writes one envelope to stdout. Command replies and orchestrator
// output share the encoder, hence the lock.
func (t *stdioTransport) emit(threadID string, msg proto.Msg) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enc.Encode(proto.Envelope{ThreadID: threadID, Msg: msg}); err != nil {
		t.logger.Warn("Failed to write envelope: %v", err)
	}
}

// writeLoop forwards orchestrator output to stdout until ctx ends.
func (t *stdioTransport) writeLoop(ctx context.Context) {
	for {
		env, err := t.ep.Receive(ctx)
		if err != nil {
			return
		}
		t.emit(env.ThreadID, env.Msg)
	}
}

// readLoop consumes stdin. Malformed lines are logged and skipped.
func (t *stdioTransport) readLoop(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var env proto.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			t.logger.Warn("Skipping malformed input line: %v", err)
			continue
		}
		if env.Msg.Kind == proto.MsgUser && strings.HasPrefix(env.Msg.Text, "/") {
			t.handleCommand(ctx, env.ThreadID, env.Msg.Text)
			continue
		}
		t.ep.Send(env.ThreadID, env.Msg)
	}
	if err := scanner.Err(); err != nil {
		t.logger.Warn("Input stream error: %v", err)
	}
}

func (t *stdioTransport) handleCommand(ctx context.Context, threadID, text string) {
	fields := strings.Fields(text)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/start":
		if len(args) < 1 {
			t.emit(threadID, proto.ErrorMsg("usage: /start <project-dir> [name]"))
			return
		}
		name := filepath.Base(args[0])
		if len(args) > 1 {
			name = args[1]
		}
		sess, err := t.orch.StartSession(threadID, "stdio", args[0], name, nil)
		if err != nil {
			t.emit(threadID, proto.ErrorMsg(err.Error()))
			return
		}
		t.emit(threadID, proto.NoticeMsg(fmt.Sprintf("session %s started in %s", sess.ID, sess.ProjectDir)))

	case "/delete":
		t.withSession(threadID, func(sess *session.Session) error {
			if err := t.orch.DeleteSession(ctx, sess.ID); err != nil {
				return err
			}
			t.emit(threadID, proto.NoticeMsg("session deleted"))
			return nil
		})

	case "/reset":
		t.withSession(threadID, func(sess *session.Session) error {
			if err := t.orch.ResetSession(sess.ID); err != nil {
				return err
			}
			t.emit(threadID, proto.NoticeMsg("conversation and usage reset"))
			return nil
		})

	case "/verbosity":
		if len(args) != 1 {
			t.emit(threadID, proto.ErrorMsg("usage: /verbosity quiet|normal|verbose"))
			return
		}
		t.withSession(threadID, func(sess *session.Session) error {
			if err := t.orch.SetVerbosity(sess.ID, args[0]); err != nil {
				return err
			}
			t.emit(threadID, proto.NoticeMsg("verbosity set to "+args[0]))
			return nil
		})

	case "/worktree":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			t.emit(threadID, proto.ErrorMsg("usage: /worktree on|off"))
			return
		}
		t.withSession(threadID, func(sess *session.Session) error {
			if args[0] == "on" {
				wt, err := t.orch.EnableWorktree(ctx, sess.ID)
				if err != nil {
					return err
				}
				t.emit(threadID, proto.NoticeMsg(fmt.Sprintf("worktree enabled at %s on branch %s", wt.Path, wt.Branch)))
				return nil
			}
			if err := t.orch.DisableWorktree(ctx, sess.ID); err != nil {
				return err
			}
			t.emit(threadID, proto.NoticeMsg("worktree removed"))
			return nil
		})

	case "/sessions":
		sessions, err := t.store.List()
		if err != nil {
			t.emit(threadID, proto.ErrorMsg(err.Error()))
			return
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d session(s)\n", len(sessions))
		for _, s := range sessions {
			fmt.Fprintf(&b, "  %s  thread=%s  dir=%s  turns=%d  cost=$%.2f\n",
				s.Name, s.ThreadID, s.ProjectDir, s.Usage.Turns, s.Usage.CostUSD)
		}
		t.emit(threadID, proto.NoticeMsg(strings.TrimRight(b.String(), "\n")))

	case "/usage":
		t.withSession(threadID, func(sess *session.Session) error {
			u := sess.Usage
			t.emit(threadID, proto.NoticeMsg(fmt.Sprintf(
				"turns=%d input=%d output=%d cache_read=%d cache_write=%d duration=%s cost=$%.4f",
				u.Turns, u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheWriteTokens,
				time.Duration(u.DurationMS)*time.Millisecond, u.CostUSD)))
			return nil
		})

	case "/update":
		var out bytes.Buffer
		if err := t.orch.Update(ctx, &out); err != nil {
			t.emit(threadID, proto.ErrorMsg(fmt.Sprintf("update failed: %v\n%s", err, out.String())))
			return
		}
		t.emit(threadID, proto.NoticeMsg("updated\n"+strings.TrimRight(out.String(), "\n")))

	case "/restart":
		if err := t.orch.Restart(t.grace); err != nil {
			t.emit(threadID, proto.ErrorMsg(err.Error()))
			return
		}
		t.emit(threadID, proto.NoticeMsg(fmt.Sprintf("restarting in %s", t.grace)))

	default:
		t.emit(threadID, proto.ErrorMsg(fmt.Sprintf("unknown command %s", cmd)))
	}
}

// withSession resolves the thread's session and reports failures uniformly.
func (t *stdioTransport) withSession(threadID string, fn func(*session.Session) error) {
	sess, err := t.store.GetByThread(threadID)
	if err != nil {
		t.emit(threadID, proto.ErrorMsg("no session for this thread; use /start first"))
		return
	}
	if err := fn(sess); err != nil {
		t.emit(threadID, proto.ErrorMsg(err.Error()))
	}
}
