package sample

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/flowlite/flow"
)

func TestBuildSampleFlow(t *testing.T) {
	f, err := Build()
	require.NoError(t, err)

	initial, ok := f.InitialStage()
	require.True(t, ok)
	assert.Equal(t, flow.StageID("reserve"), initial)

	await, ok := f.Stage("await-payment")
	require.True(t, ok)
	assert.Equal(t, flow.KindWaiting, await.Kind())
	assert.ElementsMatch(t, []flow.EventID{EventPaymentReceived, EventOrderCancelled}, await.EventIDs())

	done, ok := f.Stage("done")
	require.True(t, ok)
	assert.Equal(t, flow.KindTerminal, done.Kind())

	release, ok := f.Stage("release")
	require.True(t, ok)
	assert.Equal(t, flow.KindTerminal, release.Kind())
	assert.NotNil(t, release.Action())
}

func TestPriorityRouting(t *testing.T) {
	f, err := Build()
	require.NoError(t, err)

	await, ok := f.Stage("await-payment")
	require.True(t, ok)
	var cond *flow.Condition
	for _, h := range await.Handlers() {
		if h.Event == EventPaymentReceived {
			c, isCond := h.Target.(*flow.Condition)
			require.True(t, isCond)
			cond = c
		}
	}
	require.NotNil(t, cond)

	assert.Equal(t, flow.StageID("dispatch-express"), cond.Resolve(&OrderState{Priority: true}))
	assert.Equal(t, flow.StageID("dispatch-standard"), cond.Resolve(&OrderState{}))
}

func TestReserveStockRejectsBadAmount(t *testing.T) {
	_, err := reserveStock(context.Background(), &OrderState{OrderID: "o-1", Amount: 0})
	require.Error(t, err)

	out, err := reserveStock(context.Background(), &OrderState{OrderID: "o-1", Amount: 10})
	require.NoError(t, err)
	assert.True(t, out.(*OrderState).Reserved)
}
