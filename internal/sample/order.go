// Package sample ships the order-fulfillment flow used by the demo and
// visualize commands and as the default flow of the cockpit daemon.
package sample

import (
	"context"
	"fmt"

	"git.home.luguber.info/inful/flowlite/flow"
)

// FlowID is the registration id of the sample flow.
const FlowID = "order-fulfillment"

// Events accepted by the sample flow.
const (
	EventPaymentReceived flow.EventID = "payment-received"
	EventOrderCancelled  flow.EventID = "order-cancelled"
	EventShipped         flow.EventID = "shipped"
)

// OrderState is the instance state of the sample flow.
type OrderState struct {
	OrderID  string  `json:"order_id"`
	Amount   float64 `json:"amount"`
	Priority bool    `json:"priority"`
	Reserved bool    `json:"reserved"`
	Invoiced bool    `json:"invoiced"`
	Released bool    `json:"released"`
}

// NewState is the state factory for the sqlite store.
func NewState() any { return &OrderState{} }

func orderState(state any) (*OrderState, error) {
	s, ok := state.(*OrderState)
	if !ok {
		return nil, fmt.Errorf("unexpected state type %T", state)
	}
	return s, nil
}

func reserveStock(_ context.Context, state any) (any, error) {
	s, err := orderState(state)
	if err != nil {
		return nil, err
	}
	if s.Amount <= 0 {
		return nil, fmt.Errorf("order %s has non-positive amount %.2f", s.OrderID, s.Amount)
	}
	s.Reserved = true
	return s, nil
}

func sendInvoice(_ context.Context, state any) (any, error) {
	s, err := orderState(state)
	if err != nil {
		return nil, err
	}
	s.Invoiced = true
	return s, nil
}

func releaseStock(_ context.Context, state any) (any, error) {
	s, err := orderState(state)
	if err != nil {
		return nil, err
	}
	s.Released = true
	return s, nil
}

func isPriority(state any) bool {
	s, ok := state.(*OrderState)
	return ok && s.Priority
}

// Build assembles the order-fulfillment flow:
//
//	reserve → invoice → await payment
//	payment-received → (priority? express : standard dispatch) → await shipping
//	order-cancelled  → release stock (terminal)
//	shipped          → done (terminal)
func Build() (*flow.Flow, error) {
	b := flow.NewBuilder()
	b.Stage("reserve", reserveStock).
		Stage("invoice", sendInvoice).
		Stage("await-payment")
	b.WaitFor(EventPaymentReceived).If(
		flow.If(isPriority, flow.Goto("dispatch-express"), flow.Goto("dispatch-standard")),
	)
	b.WaitFor(EventOrderCancelled).Join("release")

	b.Stage("dispatch-express").Stage("await-shipping")
	b.WaitFor(EventShipped).Stage("done").End()
	b.Stage("dispatch-standard").Stage("await-shipping")
	b.Stage("release", releaseStock).End()

	return b.Build()
}
