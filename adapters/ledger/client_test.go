package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestPollingStreamUnsubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	stream := &pollingStream{
		ch:     make(chan StatusEvent, 8),
		cancel: cancel,
	}
	stream.wg.Add(1)
	go func() {
		defer stream.wg.Done()
		<-ctx.Done()
	}()
	stream.ch <- StatusEvent{Status: StatusReady}

	// 重複取消訂閱必須是安全的
	stream.Unsubscribe()
	stream.Unsubscribe()

	// 通道已關閉，先讀到殘留事件再讀到關閉訊號
	event, ok := <-stream.Events()
	assert.True(t, ok)
	assert.Equal(t, StatusReady, event.Status)
	_, ok = <-stream.Events()
	assert.False(t, ok)
}
