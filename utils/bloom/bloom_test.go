package bloom

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestPutAndTest(t *testing.T) {
	f := New()
	ids := []string{"token-a", "token-b", "token-c"}
	for _, id := range ids {
		f.Put([]byte(id))
	}
	for _, id := range ids {
		if !f.Test([]byte(id)) {
			t.Errorf("Test(%q) = false after Put", id)
		}
	}
	if f.Test([]byte("token-never-added")) {
		t.Error("unexpected positive for an absent item in a near-empty filter")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	f := NewWithParams(2048, 5)
	f.Put([]byte("revoked-token"))

	b, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Filter
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.M() != 2048 || back.K() != 5 {
		t.Errorf("round trip changed parameters: m=%d k=%d", back.M(), back.K())
	}
	if !back.Test([]byte("revoked-token")) {
		t.Error("membership lost in the round trip")
	}
}

func TestOptimalParamsFalsePositiveRate(t *testing.T) {
	const n = 1000
	m, k := OptimalParams(n, 0.01)
	f := NewWithParams(m, k)
	for i := 0; i < n; i++ {
		f.Put([]byte(fmt.Sprintf("member-%d", i)))
	}

	falsePositives := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if f.Test([]byte(fmt.Sprintf("outsider-%d", i))) {
			falsePositives++
		}
	}
	// sized for 1%; 3% leaves headroom for hash variance
	if rate := float64(falsePositives) / probes; rate > 0.03 {
		t.Errorf("false positive rate %.4f, want under 0.03", rate)
	}
}
