package probe

import "testing"

func TestComputeMetricsAllReceivedZeroJitterOnConstantRTT(t *testing.T) {
    lossPct, rttAvg, jitterMs := computeMetrics(
        []uint32{1, 2, 3},
        []float64{10, 10, 10},
        3, 3,
    )
    if lossPct != 0 {
        t.Fatalf("expected 0%% loss, got %v", lossPct)
    }
    if rttAvg != 10 {
        t.Fatalf("expected average rtt 10, got %v", rttAvg)
    }
    if jitterMs != 0 {
        t.Fatalf("expected 0 jitter for constant rtt, got %v", jitterMs)
    }
}

func TestComputeMetricsPartialLoss(t *testing.T) {
    lossPct, _, _ := computeMetrics([]uint32{1}, []float64{5}, 1, 4)
    if lossPct != 75 {
        t.Fatalf("expected 75%% loss for 1/4 received, got %v", lossPct)
    }
}

func TestComputeMetricsTotalLossYieldsZeroedMetrics(t *testing.T) {
    lossPct, rttAvg, jitterMs := computeMetrics(nil, nil, 0, 5)
    if lossPct != 100 {
        t.Fatalf("expected 100%% loss, got %v", lossPct)
    }
    if rttAvg != 0 || jitterMs != 0 {
        t.Fatalf("expected zeroed rtt/jitter on total loss, got rtt=%v jitter=%v", rttAvg, jitterMs)
    }
}

func TestComputeMetricsJitterIsMeanOfConsecutiveAbsoluteDeltasInSequenceOrder(t *testing.T) {
    // Sequence order is 1,2,3 but arrival order is shuffled; jitter must be
    // computed against send-sequence order, not arrival order.
    seqs := []uint32{3, 1, 2}
    rtts := []float64{30, 10, 20}
    _, _, jitterMs := computeMetrics(seqs, rtts, 3, 3)
    // sorted by seq: rtt sequence is 10,20,30 -> deltas |20-10|,|30-20| = 10,10 -> mean 10
    if jitterMs != 10 {
        t.Fatalf("expected jitter 10, got %v", jitterMs)
    }
}
