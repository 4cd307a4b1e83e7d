package broadcast

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdeck/internal/core/domain"
)

func metricFrame(seq int) Frame {
	return Frame{Kind: FrameMetric, Channel: domain.ChannelSystem, Data: []byte(fmt.Sprintf("m%d", seq))}
}

func TestOutbox_DropsOldestMetricFrameWhenFull(t *testing.T) {
	o := newOutbox(3)
	for i := 1; i <= 5; i++ {
		o.push(metricFrame(i))
	}

	assert.Equal(t, 3, o.len())
	assert.Equal(t, uint64(2), o.droppedCount())

	// m1 and m2 were discarded; m3..m5 survive in order.
	for _, want := range []string{"m3", "m4", "m5"} {
		f, ok := o.pop()
		require.True(t, ok)
		assert.Equal(t, want, string(f.Data))
	}
}

func TestOutbox_NeverDropsAlertsOrResults(t *testing.T) {
	o := newOutbox(2)
	o.push(Frame{Kind: FrameAlert, Data: []byte("a1")})
	o.push(Frame{Kind: FrameCommandResult, Data: []byte("r1")})
	o.push(Frame{Kind: FrameAlert, Data: []byte("a2")})

	// All frames are critical: the queue exceeds its limit instead of
	// losing any of them.
	assert.Equal(t, 3, o.len())
	assert.Equal(t, uint64(0), o.droppedCount())

	o.push(metricFrame(1))
	o.push(Frame{Kind: FrameAlert, Data: []byte("a3")})

	// The metric frame is the only casualty.
	assert.Equal(t, uint64(1), o.droppedCount())
	var kinds []FrameKind
	for {
		f, ok := o.pop()
		if !ok {
			break
		}
		kinds = append(kinds, f.Kind)
	}
	assert.Equal(t, []FrameKind{FrameAlert, FrameCommandResult, FrameAlert, FrameAlert}, kinds)
}

func TestOutbox_CloseDiscardsPendingAndRejectsPushes(t *testing.T) {
	o := newOutbox(10)
	o.push(metricFrame(1))
	o.close()

	_, ok := o.pop()
	assert.False(t, ok)

	o.push(metricFrame(2))
	assert.Equal(t, 0, o.len())
}
