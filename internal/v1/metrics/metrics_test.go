package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	t.Run("FramesSkipped", func(t *testing.T) {
		before := testutil.ToFloat64(FramesSkipped.WithLabelValues("busy"))
		FramesSkipped.WithLabelValues("busy").Inc()
		if got := testutil.ToFloat64(FramesSkipped.WithLabelValues("busy")); got != before+1 {
			t.Errorf("Expected %v, got %v", before+1, got)
		}
	})

	t.Run("RedisOperationsTotal", func(t *testing.T) {
		RedisOperationsTotal.WithLabelValues("publish", "success").Inc()
		if val := testutil.ToFloat64(RedisOperationsTotal.WithLabelValues("publish", "success")); val < 1 {
			t.Errorf("Expected RedisOperationsTotal to be at least 1, got %v", val)
		}
	})

	t.Run("TransportErrors", func(t *testing.T) {
		TransportErrors.WithLabelValues("write", "transport").Add(2)
		if val := testutil.ToFloat64(TransportErrors.WithLabelValues("write", "transport")); val < 2 {
			t.Errorf("Expected at least 2, got %v", val)
		}
	})
}

func TestGauges(t *testing.T) {
	StreamQuality.Set(45)
	if got := testutil.ToFloat64(StreamQuality); got != 45 {
		t.Errorf("Expected quality 45, got %v", got)
	}

	QueueDepth.Set(2)
	if got := testutil.ToFloat64(QueueDepth); got != 2 {
		t.Errorf("Expected depth 2, got %v", got)
	}
}

func TestSetConnectionState(t *testing.T) {
	SetConnectionState("connected")
	if got := testutil.ToFloat64(ConnectionState.WithLabelValues("connected")); got != 1 {
		t.Errorf("Expected connected=1, got %v", got)
	}
	if got := testutil.ToFloat64(ConnectionState.WithLabelValues("listening")); got != 0 {
		t.Errorf("Expected listening=0, got %v", got)
	}

	SetConnectionState("listening")
	if got := testutil.ToFloat64(ConnectionState.WithLabelValues("connected")); got != 0 {
		t.Errorf("Expected connected=0 after transition, got %v", got)
	}
	if got := testutil.ToFloat64(ConnectionState.WithLabelValues("listening")); got != 1 {
		t.Errorf("Expected listening=1, got %v", got)
	}
}

func TestFrameBytesHistogram(t *testing.T) {
	FrameBytes.Observe(30000)
	if n := testutil.CollectAndCount(FrameBytes); n != 1 {
		t.Errorf("Expected one histogram series, got %d", n)
	}
}
