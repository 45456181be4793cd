package notify

import "testing"

func TestRender(t *testing.T) {
	vars := map[string]string{"agent": "perch", "excerpt": "done"}
	tests := []struct {
		tmpl string
		want string
	}{
		{"{agent} is done", "perch is done"},
		{"{excerpt}", "done"},
		{"{unknown} tail", "tail"},
		{"no vars", "no vars"},
		{"open { brace", "open { brace"},
		{"{agent}{excerpt}", "perchdone"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Render(tt.tmpl, vars); got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
		}
	}
}

func TestRenderKindDefaults(t *testing.T) {
	vars := map[string]string{"agent": "perch", "excerpt": "need /tmp access"}
	title, body := renderKind(KindPermission, "", vars)
	if title != "perch needs permission" {
		t.Errorf("title = %q", title)
	}
	if body != "need /tmp access" {
		t.Errorf("body = %q", body)
	}
}

func TestRenderKindOverride(t *testing.T) {
	title, body := renderKind(KindReady, "ding|{agent} finished", map[string]string{"agent": "perch"})
	if title != "ding" || body != "perch finished" {
		t.Errorf("got %q / %q", title, body)
	}
}

func TestRenderKindOverrideWithoutBody(t *testing.T) {
	title, body := renderKind(KindReady, "just a title", nil)
	if title != "just a title" || body != "" {
		t.Errorf("got %q / %q", title, body)
	}
}
