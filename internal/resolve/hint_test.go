package resolve

import (
	"testing"
)

func TestHintFor(t *testing.T) {
	tests := []struct {
		name    string
		command string
		args    []string
		want    string
	}{
		{name: "plainCommand", command: "node", args: []string{"server.js"}, want: "node"},
		{name: "scriptPath", command: "node", args: []string{"./bin/server"}, want: "./bin/server"},
		{name: "slashArgument", command: "cmd", args: []string{"/c"}, want: "/c"},
		{name: "exeArgument", command: "cmd", args: []string{"Tool.EXE"}, want: "Tool.EXE"},
		{name: "flagArgument", command: "sh", args: []string{"-c", "sleep 3"}, want: "sh"},
		{name: "noArgs", command: "redis-server", want: "redis-server"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := HintFor(tc.command, tc.args); got != tc.want {
				t.Fatalf("HintFor(%q, %q) = %q, want %q", tc.command, tc.args, got, tc.want)
			}
		})
	}
}

func TestNormalizeHint(t *testing.T) {
	tests := map[string]string{
		"":                              "",
		"node":                          "node",
		"  Node.EXE ":                   "node",
		"./bin/server":                  "server",
		`C:\Program Files\App\app.exe`: "app",
	}
	for in, want := range tests {
		if got := NormalizeHint(in); got != want {
			t.Fatalf("NormalizeHint(%q) = %q, want %q", in, got, want)
		}
	}
}
