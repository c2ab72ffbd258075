package scaling

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyValidateClamps(t *testing.T) {
	p := Policy{
		MinBrowsers:        -1,
		MaxBrowsers:        0,
		ScaleUpThreshold:   1.5,
		ScaleDownThreshold: 0.9,
		MaxScaleStep:       0,
		SampleWindow:       0,
	}
	require.NoError(t, p.Validate())

	assert.Equal(t, 0, p.MinBrowsers)
	assert.Equal(t, 1, p.MaxBrowsers)
	assert.Equal(t, 0.8, p.ScaleUpThreshold)
	assert.Equal(t, 0.4, p.ScaleDownThreshold)
	assert.Equal(t, 1, p.MaxScaleStep)
	assert.Equal(t, 1, p.SampleWindow)
}

func TestPolicyValidateRejectsInvertedBounds(t *testing.T) {
	p := DefaultPolicy()
	p.MinBrowsers = 5
	p.MaxBrowsers = 2
	assert.Error(t, p.Validate())
}

func TestPolicyDecide(t *testing.T) {
	p := Policy{
		MinBrowsers:        1,
		MaxBrowsers:        5,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
		MaxScaleStep:       2,
	}

	tests := []struct {
		name    string
		util    float64
		total   int
		waiting int
		want    Decision
	}{
		{"below floor", 0, 0, 0, Decision{"up", 1}},
		{"hold in band", 0.5, 2, 0, Decision{"hold", 0}},
		{"high utilisation", 0.9, 2, 0, Decision{"up", 1}},
		{"waiters force up", 0.5, 2, 3, Decision{"up", 2}},
		{"at max holds", 0.95, 5, 4, Decision{"hold", 0}},
		{"quiet scales down", 0.1, 4, 0, Decision{"down", 2}},
		{"quiet at floor holds", 0.0, 1, 0, Decision{"hold", 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Decide(tt.util, tt.total, tt.waiting)
			assert.Equal(t, tt.want.Direction, got.Direction)
			if tt.want.Direction != "hold" {
				assert.Equal(t, tt.want.Count, got.Count)
			}
		})
	}
}

func TestSampleRing(t *testing.T) {
	r := newSampleRing(3)
	assert.False(t, r.Full())
	assert.Zero(t, r.Average())

	r.Add(0.2)
	r.Add(0.4)
	assert.False(t, r.Full())

	r.Add(0.6)
	assert.True(t, r.Full())
	assert.InDelta(t, 0.4, r.Average(), 1e-9)

	// Oldest sample drops off.
	r.Add(0.8)
	assert.InDelta(t, 0.6, r.Average(), 1e-9)

	r.Resize(2)
	assert.False(t, r.Full())
}

func TestPolicyFileFallbackAndReload(t *testing.T) {
	path := t.TempDir() + "/policy.yaml"

	writePolicy := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	writePolicy("minBrowsers: 2\nmaxBrowsers: 6\nscaleUpThreshold: 0.7\n")

	f, err := NewPolicyFile(path, false, nil)
	require.NoError(t, err)
	defer f.Close()

	got := f.Get()
	assert.Equal(t, 2, got.MinBrowsers)
	assert.Equal(t, 6, got.MaxBrowsers)
	assert.Equal(t, 0.7, got.ScaleUpThreshold)
	// Absent keys keep their defaults.
	assert.Equal(t, DefaultPolicy().RecycleAfterPages, got.RecycleAfterPages)

	// Broken update keeps the previous policy.
	writePolicy("minBrowsers: [nonsense")
	assert.Error(t, f.Reload())
	assert.Equal(t, 2, f.Get().MinBrowsers)
	assert.Error(t, f.Stats().LastError)

	writePolicy("minBrowsers: 3\nmaxBrowsers: 6\n")
	require.NoError(t, f.Reload())
	assert.Equal(t, 3, f.Get().MinBrowsers)
	assert.EqualValues(t, 2, f.Stats().ReloadCount)
}

func TestPolicyFileMissingUsesDefaults(t *testing.T) {
	f, err := NewPolicyFile(t.TempDir()+"/absent.yaml", false, nil)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, DefaultPolicy(), f.Get())
}
