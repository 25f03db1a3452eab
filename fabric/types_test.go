package fabric

import "testing"

func TestDetectDrift(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		lastSynced string
		observed   string
		want       bool
	}{
		{name: "never synced", lastSynced: "", observed: "sha256:a", want: false},
		{name: "unchanged", lastSynced: "sha256:a", observed: "sha256:a", want: false},
		{name: "modified", lastSynced: "sha256:a", observed: "sha256:b", want: true},
		{name: "deleted", lastSynced: "sha256:a", observed: "", want: true},
	}
	for _, tc := range cases {
		if got := DetectDrift(tc.lastSynced, tc.observed); got != tc.want {
			t.Fatalf("%s: DetectDrift(%q, %q) = %v, want %v", tc.name, tc.lastSynced, tc.observed, got, tc.want)
		}
	}
}
