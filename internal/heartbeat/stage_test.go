package heartbeat

import "testing"

func TestClassifyStage(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   string
	}{
		{"exploring via grep", "Searching for usages with grep", "exploring"},
		{"writing code", "Editing file handler.go", "writing code"},
		{"running tests", "running npm test now", "running tests"},
		{"committing", "about to git commit changes", "committing"},
		{"planning", "Thinking through the approach", "planning"},
		{"installing deps", "running pip install -r requirements.txt", "installing deps"},
		{"default", "reticulating splines", defaultStageLabel},
		{"empty output", "", defaultStageLabel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyStage(DefaultStagePatterns, tc.output)
			if got != tc.want {
				t.Fatalf("classifyStage(%q) = %q, want %q", tc.output, got, tc.want)
			}
		})
	}
}

func TestClassifyStageFirstMatchWins(t *testing.T) {
	patterns := []StagePattern{
		DefaultStagePatterns[0], // exploring
		DefaultStagePatterns[1], // writing code
	}
	got := classifyStage(patterns, "read the file then write the edit")
	if got != "exploring" {
		t.Fatalf("expected first matching pattern to win, got %q", got)
	}
}
