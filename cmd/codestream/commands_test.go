package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codestream/internal/events"
	"github.com/MarcoPoloResearchLab/codestream/internal/identity"
)

func TestFormatRunResult(t *testing.T) {
	testCases := map[string]struct {
		result   events.RunResult
		expected string
	}{
		"success": {
			result:   events.RunResult{RunID: "r1", Output: "3\n", Duration: 1500 * time.Millisecond},
			expected: "3\n[run r1 finished in 1.5s]\n",
		},
		"failure": {
			result:   events.RunResult{RunID: "r2", Output: "", Error: "NameError", Duration: time.Second},
			expected: "[run r2 failed in 1s] NameError\n",
		},
		"aborted": {
			result:   events.RunResult{RunID: "r3", Error: "execution aborted: connection lost", Aborted: true},
			expected: "[run r3] execution aborted: connection lost\n",
		},
	}
	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			if got := formatRunResult(testCase.result); got != testCase.expected {
				t.Fatalf("expected %q, got %q", testCase.expected, got)
			}
		})
	}
}

func TestWriteVisitsRendersTable(t *testing.T) {
	var buffer bytes.Buffer
	visits := []identity.RoomVisit{
		{RoomID: "alpha", ServerURL: "ws://localhost:8000", JoinCount: 2, LastJoinedAt: time.Unix(1700000000, 0)},
	}
	if err := writeVisits(&buffer, visits); err != nil {
		t.Fatalf("write visits: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buffer.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one row, got %q", buffer.String())
	}
	if !strings.HasPrefix(lines[0], "ROOM") || !strings.Contains(lines[1], "alpha") || !strings.Contains(lines[1], "ws://localhost:8000") {
		t.Fatalf("unexpected table %q", buffer.String())
	}
}
