// Package dispatcher implements the parent protocol described in spec.md
// §6: a line-delimited JSON reader on stdin driving task enqueue/cancel and
// worker wake-ups, guarded by a 30s stdin-liveness watchdog.
//
// New code — none of the teacher's packages face a parent process over
// stdin/stdout (Aerion is a standalone desktop sync engine); the line
// framing follows the same bufio.Scanner idiom internal/metadatastream uses
// for its newline-delimited JSON stream.
package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/hkdb/aerion/internal/logging"
	"github.com/hkdb/aerion/internal/model"
	"github.com/hkdb/aerion/internal/task"
	"github.com/rs/zerolog"
)

// ExitStdinLost is the process exit code spec.md §6 mandates when stdin
// stays unreadable for 30s straight.
const ExitStdinLost = 141

// stdinLivenessTimeout is spec.md §5's "30 s" grace period.
const stdinLivenessTimeout = 30 * time.Second

// Waker is any background loop that can be told to stop waiting and run a
// cycle immediately — satisfied by task.Engine.Wake,
// imapsync.BackgroundSyncWorker.Wake, metadataexpiry.Worker.Wake, and
// dav.Scheduler.TriggerSync via WakerFunc.
type Waker interface {
	Wake()
}

// WakerFunc adapts a plain func() to Waker.
type WakerFunc func()

// Wake implements Waker.
func (f WakerFunc) Wake() { f() }

// Dispatcher reads the parent's stdin protocol and fans messages out to the
// task engine, the background workers' wake channels, and the need-bodies
// queue.
type Dispatcher struct {
	scanner   *bufio.Scanner
	engine    *task.Engine
	wakers    []Waker
	bodies    *BodyQueue
	log       zerolog.Logger
	testCrash func()
}

// New builds a Dispatcher reading from r (typically os.Stdin).
func New(r io.Reader, engine *task.Engine, bodies *BodyQueue, wakers ...Waker) *Dispatcher {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &Dispatcher{
		scanner:   scanner,
		engine:    engine,
		wakers:    wakers,
		bodies:    bodies,
		log:       logging.WithComponent("dispatcher"),
		testCrash: func() { panic("dispatcher: test-crash requested") },
	}
}

// envelope is the common shape of every input message (spec.md §6).
type envelope struct {
	Type   string          `json:"type"`
	Task   json.RawMessage `json:"task"`
	TaskID string          `json:"taskId"`
	IDs    []string        `json:"ids"`
}

type taskMessage struct {
	ConstructorName model.ConstructorName `json:"constructorName"`
	Payload         json.RawMessage       `json:"payload"`
}

// Run reads messages until ctx is cancelled or stdin is lost for 30s
// straight, returning the process exit code spec.md §6 specifies (0 on
// ordinary cancellation, ExitStdinLost on liveness failure).
func (d *Dispatcher) Run(ctx context.Context) int {
	lines := make(chan string)
	go func() {
		defer close(lines)
		for d.scanner.Scan() {
			select {
			case lines <- d.scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	badTimer := time.NewTimer(time.Hour)
	if !badTimer.Stop() {
		<-badTimer.C
	}
	badTimerRunning := false

	for {
		select {
		case <-ctx.Done():
			return 0

		case line, ok := <-lines:
			if !ok {
				if !badTimerRunning {
					badTimer.Reset(stdinLivenessTimeout)
					badTimerRunning = true
				}
				lines = nil // stop re-selecting a closed channel every loop
				continue
			}
			if err := d.handle(line); err != nil {
				d.log.Warn().Err(err).Str("line", line).Msg("dispatcher: handle message")
			}

		case <-badTimer.C:
			d.log.Error().Msg("dispatcher: stdin unreadable for 30s, exiting")
			return ExitStdinLost
		}
	}
}

func (d *Dispatcher) handle(line string) error {
	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return err
	}

	switch env.Type {
	case "queue-task":
		var tm taskMessage
		if err := json.Unmarshal(env.Task, &tm); err != nil {
			return err
		}
		_, err := d.engine.Enqueue(tm.ConstructorName, tm.Payload)
		return err

	case "cancel-task":
		return d.engine.Cancel(env.TaskID)

	case "wake-workers":
		for _, w := range d.wakers {
			w.Wake()
		}
		return nil

	case "need-bodies":
		d.bodies.Push(env.IDs)
		return nil

	case "test-crash":
		d.testCrash()
		return nil

	default:
		d.log.Warn().Str("type", env.Type).Msg("dispatcher: unknown message type")
		return nil
	}
}
