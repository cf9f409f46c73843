package protocol

import "testing"

func TestClassifyAccount(t *testing.T) {
	cases := []struct {
		account string
		want    Mode
	}{
		{"Sim1", ModeSim},
		{"SIMULATED", ModeSim},
		{"demo-sim-2", ModeSim},
		{"120005", ModeLive},
		{"7", ModeLive},
		{"test-account", ModeDebug},
		{"12000a", ModeDebug},
		{"", ModeUntagged},
		{"   ", ModeUntagged},
	}
	for _, tc := range cases {
		if got := ClassifyAccount(tc.account); got != tc.want {
			t.Fatalf("ClassifyAccount(%q) = %s, want %s", tc.account, got, tc.want)
		}
	}
}
