package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/flowlite/engine"
	"git.home.luguber.info/inful/flowlite/flow"
	"git.home.luguber.info/inful/flowlite/internal/sample"
	"git.home.luguber.info/inful/flowlite/scheduler"
	"git.home.luguber.info/inful/flowlite/store/memory"
)

// DemoCmd implements the 'demo' command: one order instance runs end to end
// against the in-memory store and the in-process scheduler.
type DemoCmd struct {
	Priority bool          `help:"Mark the demo order as priority (routes via express dispatch)"`
	Timeout  time.Duration `help:"Abort the demo after this long" default:"10s"`
}

func (d *DemoCmd) Run(_ *Global, _ *CLI) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.Timeout)
	defer cancel()

	store := memory.New()
	history := memory.NewHistory()
	sched := scheduler.NewInProcess(scheduler.WithWorkers(2))

	eng, err := engine.New(engine.Options{
		Events:    store,
		History:   history,
		Scheduler: sched,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	flowDef, err := sample.Build()
	if err != nil {
		return fmt.Errorf("build sample flow: %w", err)
	}
	if err := eng.RegisterFlow(sample.FlowID, flowDef, store); err != nil {
		return fmt.Errorf("register sample flow: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = sched.Stop(stopCtx)
	}()

	state := &sample.OrderState{OrderID: "demo-1", Amount: 99.95, Priority: d.Priority}
	id, err := eng.StartInstance(ctx, sample.FlowID, state)
	if err != nil {
		return fmt.Errorf("start instance: %w", err)
	}
	fmt.Printf("started order %s as instance %s\n", state.OrderID, id)

	if err := waitForStage(ctx, eng, id, "await-payment"); err != nil {
		return err
	}
	fmt.Println("order reserved and invoiced, sending payment")
	if err := eng.SendEvent(ctx, sample.FlowID, id, sample.EventPaymentReceived); err != nil {
		return err
	}

	if err := waitForStage(ctx, eng, id, "await-shipping"); err != nil {
		return err
	}
	fmt.Println("order dispatched, sending shipping confirmation")
	if err := eng.SendEvent(ctx, sample.FlowID, id, sample.EventShipped); err != nil {
		return err
	}

	if err := waitForStatus(ctx, eng, id, engine.StatusCompleted); err != nil {
		return err
	}
	fmt.Println("order completed")

	entries, err := history.Timeline(ctx, sample.FlowID, id)
	if err != nil {
		return fmt.Errorf("read timeline: %w", err)
	}
	fmt.Println("\ntimeline:")
	for _, e := range entries {
		fmt.Printf("  %s  %s%s\n", e.Time.Format("15:04:05.000"), e.Kind, describeEntry(e))
	}
	return nil
}

func describeEntry(e engine.HistoryEntry) string {
	switch e.Kind {
	case engine.EntryStageChanged:
		return fmt.Sprintf("  %s -> %s", e.FromStage, e.ToStage)
	case engine.EntryStatusChanged:
		return fmt.Sprintf("  %s -> %s", e.FromStatus, e.ToStatus)
	case engine.EntryEventAppended:
		return fmt.Sprintf("  %s", e.Event)
	case engine.EntryInstanceStarted:
		return fmt.Sprintf("  at %s", e.Stage)
	case engine.EntryError:
		return fmt.Sprintf("  %s: %s", e.ErrorType, e.ErrorMessage)
	default:
		return ""
	}
}

func waitForStage(ctx context.Context, eng *engine.Engine, id uuid.UUID, stage flow.StageID) error {
	for {
		cur, _, err := eng.Status(ctx, sample.FlowID, id)
		if err != nil {
			return err
		}
		if cur == stage {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for stage %q: %w", stage, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func waitForStatus(ctx context.Context, eng *engine.Engine, id uuid.UUID, status engine.Status) error {
	for {
		_, cur, err := eng.Status(ctx, sample.FlowID, id)
		if err != nil {
			return err
		}
		if cur == status {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for status %q: %w", status, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
