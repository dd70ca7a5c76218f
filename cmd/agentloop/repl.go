// repl.go implements the interactive session loop and its meta-commands.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/cephiq/agentloop/internal/agent"
	"github.com/cephiq/agentloop/internal/envelope"
	"github.com/cephiq/agentloop/pkg/models"
)

// repl drives interactive sessions: plain input is a goal or a reply to a
// waiting session, lines starting with "/" are meta-commands.
type repl struct {
	st          *stack
	in          io.Reader
	out         io.Writer
	interactive bool
	autoApprove bool
	sess        *models.Session
}

func newREPL(st *stack, in io.Reader, out io.Writer) *repl {
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	return &repl{st: st, in: in, out: out, interactive: interactive}
}

// runOnce executes a single goal and maps the result to an exit condition.
func (r *repl) runOnce(ctx context.Context, goal string) error {
	r.sess = newSession(r.st.cfg, goal)
	r.sess.AutoApprove = r.autoApprove

	result := r.st.agent.Run(ctx, r.sess)
	r.persist(ctx)
	r.printResult(result)

	switch {
	case result.Cancelled:
		return errInterrupted
	case result.Success:
		return nil
	default:
		return errTaskFailed
	}
}

// loop reads goals and meta-commands until /quit, EOF, or interrupt.
func (r *repl) loop(ctx context.Context) error {
	if r.interactive {
		fmt.Fprintln(r.out, "agentloop", version, "- type a goal, or /help for commands")
	}

	scanner := bufio.NewScanner(r.in)
	for {
		if r.interactive {
			fmt.Fprint(r.out, "> ")
		}
		if !scanner.Scan() {
			if ctx.Err() != nil {
				return errInterrupted
			}
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				fmt.Fprintln(r.out, "error:", err)
			}
			if quit {
				return nil
			}
			continue
		}

		r.submit(ctx, line)
		if ctx.Err() != nil {
			return errInterrupted
		}
	}
}

// submit runs plain input: a reply when a session is waiting on one,
// otherwise a fresh goal.
func (r *repl) submit(ctx context.Context, line string) {
	if r.sess != nil && r.sess.Status == models.StatusWaiting && r.sess.PendingApproval == nil {
		r.sess.Append(models.NewEvent(models.EventUserMessage, map[string]any{"text": line}))
		r.sess.Status = models.StatusActive
	} else {
		r.sess = newSession(r.st.cfg, line)
		r.sess.AutoApprove = r.autoApprove
	}

	result := r.st.agent.Run(ctx, r.sess)
	r.persist(ctx)
	r.printResult(result)
}

// command handles one meta-command; the bool reports whether to quit.
func (r *repl) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		fmt.Fprintln(r.out, `Commands:
  /plan          show the current plan
  /stats         show cycle and token usage
  /approve       approve the pending tool call
  /deny          deny the pending tool call
  /auto on|off   toggle auto-approval of confirmations
  /clear         discard the current session
  /quit          exit`)
		return false, nil

	case "/plan":
		if r.sess == nil || r.sess.Plan == nil {
			fmt.Fprintln(r.out, "no plan")
			return false, nil
		}
		if root, ok := r.sess.Plan["root_task"].(string); ok {
			fmt.Fprintln(r.out, "Task:", root)
		}
		if steps, ok := r.sess.Plan["steps"].([]any); ok {
			for i, raw := range steps {
				step, _ := raw.(map[string]any)
				desc, _ := step["description"].(string)
				fmt.Fprintf(r.out, "%d. %s\n", i+1, desc)
			}
		}
		return false, nil

	case "/stats":
		if r.sess == nil {
			fmt.Fprintln(r.out, "no session")
			return false, nil
		}
		fmt.Fprintf(r.out, "session: %s\nstatus: %s\ncycles: %d/%d\ntokens: %d/%d\n",
			r.sess.ID, r.sess.Status,
			r.sess.Stats.CyclesUsed, r.sess.Budgets.MaxCycles,
			r.sess.Stats.TokensUsed, r.sess.Budgets.MaxTotalTokens)
		return false, nil

	case "/approve":
		if err := r.resolveApproval(ctx, true); err != nil {
			return false, err
		}
		return false, nil

	case "/deny":
		if err := r.resolveApproval(ctx, false); err != nil {
			return false, err
		}
		return false, nil

	case "/auto":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			return false, errors.New("usage: /auto on|off")
		}
		r.autoApprove = fields[1] == "on"
		if r.sess != nil {
			r.sess.AutoApprove = r.autoApprove
		}
		fmt.Fprintln(r.out, "auto-approve:", fields[1])
		return false, nil

	case "/clear":
		r.sess = nil
		fmt.Fprintln(r.out, "session cleared")
		return false, nil

	case "/quit", "/exit":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}

func (r *repl) resolveApproval(ctx context.Context, approve bool) error {
	if r.sess == nil || r.sess.PendingApproval == nil {
		return errors.New("nothing to approve")
	}

	var err error
	if approve {
		err = r.st.agent.Approve(ctx, r.sess)
	} else {
		err = r.st.agent.Deny(r.sess)
	}
	if err != nil {
		return err
	}

	result := r.st.agent.Run(ctx, r.sess)
	r.persist(ctx)
	r.printResult(result)
	return nil
}

func (r *repl) persist(ctx context.Context) {
	if r.st.store == nil || r.sess == nil {
		return
	}
	if err := r.st.store.Save(ctx, r.sess); err != nil {
		fmt.Fprintln(r.out, "warning: failed to persist session:", err)
	}
}

func (r *repl) printResult(result *agent.Result) {
	env := result.FinalEnvelope
	if env == nil {
		if result.Cancelled {
			fmt.Fprintln(r.out, "[interrupted]")
		}
		return
	}

	switch env.State {
	case envelope.StateReply:
		if env.Conversation != nil {
			fmt.Fprintln(r.out, env.Conversation.Utterance)
		}
	case envelope.StateFinish:
		if env.Finish != nil {
			fmt.Fprintln(r.out, env.Finish.Summary)
		}
	case envelope.StateClarify:
		if env.Clarify != nil {
			fmt.Fprintln(r.out, "[clarify]", env.Clarify.Question)
		}
	case envelope.StateConfirm:
		if env.Confirm != nil {
			fmt.Fprintln(r.out, "[confirm]", env.Confirm.Action, "- reply /approve or /deny")
		}
	case envelope.StateAskHuman:
		if env.AskHuman != nil {
			fmt.Fprintln(r.out, "[ask_human]", env.AskHuman.Question)
		}
	case envelope.StateWait:
		if env.Wait != nil {
			fmt.Fprintf(r.out, "[waiting for %s]\n", env.Wait.EventType)
		}
	case envelope.StateTool:
		if r.sess != nil && r.sess.PendingApproval != nil {
			fmt.Fprintf(r.out, "[approval required] %s - reply /approve or /deny\n",
				r.sess.PendingApproval.Tool)
		}
	case envelope.StateError:
		if env.Error != nil {
			fmt.Fprintf(r.out, "[error:%s] %s\n", env.Error.ErrorType, env.Error.ErrorMessage)
		}
	}
}
