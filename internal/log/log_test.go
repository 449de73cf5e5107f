package log

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLog_FormatsFields(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf)

	Info(CatBroker, "message queued", "recipient", "normalization_worker", "queue", 3)

	line := buf.String()
	require.Contains(t, line, "[INFO] [broker] message queued")
	require.Contains(t, line, "recipient=normalization_worker")
	require.Contains(t, line, "queue=3")
	require.True(t, strings.HasSuffix(line, "\n"))
}

func TestLog_OddFieldCount(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf)

	Warn(CatCoord, "dangling", "pipeline")

	require.Contains(t, buf.String(), "pipeline=<missing>")
}

func TestLog_MinLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf)
	SetMinLevel(LevelWarn)

	Debug(CatWorker, "hidden")
	Info(CatWorker, "hidden too")
	ErrorErr(CatWorker, "handler failed", errors.New("boom"))

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "[ERROR] [worker] handler failed error=boom")
}

func TestLog_Disabled(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf)
	SetEnabled(false)

	Error(CatDB, "nothing")
	require.Empty(t, buf.String())
}

func TestLog_ListenerReceivesLines(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := NewListener(ctx)
	require.NotNil(t, ch)

	Info(CatSched, "tick")

	select {
	case ev := <-ch:
		require.Contains(t, ev.Payload, "[sched] tick")
	case <-time.After(100 * time.Millisecond):
		require.Fail(t, "no log event")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"", LevelDebug, false},
		{"loud", LevelDebug, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	var buf syncBuffer
	InitWriter(&buf)

	done := make(chan struct{})
	SafeGo("boom", func() {
		defer close(done)
		panic("kaboom")
	})
	<-done

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "goroutine panicked")
	}, time.Second, 5*time.Millisecond)
}
