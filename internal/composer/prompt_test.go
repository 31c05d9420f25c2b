package composer

import (
	"strings"
	"testing"

	"github.com/kalambet/mentor/internal/attachment"
)

func TestCompose_RoleAndDepth(t *testing.T) {
	c := New(4000)
	msgs := c.Compose(Input{Domain: "debug", Message: "why nil map panic", SkillLevel: "expert"})

	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	sys := msgs[0].Content
	if msgs[0].Role != "system" {
		t.Errorf("first role = %q, want system", msgs[0].Role)
	}
	if !strings.Contains(sys, "debug") {
		t.Error("system prompt missing debug role")
	}
	if !strings.Contains(sys, "expert") {
		t.Error("system prompt missing depth policy")
	}
	if !strings.Contains(sys, `"prerequisites"`) {
		t.Error("system prompt missing output schema")
	}
	if msgs[1].Role != "user" || msgs[1].Content != "why nil map panic" {
		t.Errorf("user message = %+v", msgs[1])
	}
}

func TestCompose_UnknownDomainStillComposes(t *testing.T) {
	c := New(0)
	msgs := c.Compose(Input{Domain: "astrology", Message: "hi"})
	if !strings.HasPrefix(msgs[0].Content, "You are a programming mentor.") {
		t.Errorf("system prompt = %q", msgs[0].Content)
	}
}

func TestDepthPolicy(t *testing.T) {
	tests := []struct {
		level    string
		learning bool
		want     string
		notWant  string
	}{
		{"beginner", false, "Define terms", "Learning mode"},
		{"", false, "beginner", ""},
		{"intermediate", false, "recap", ""},
		{"advanced", false, "design", ""},
		{"expert", true, "Learning mode is on", ""},
	}
	for _, tt := range tests {
		got := DepthPolicy(tt.level, tt.learning)
		if !strings.Contains(got, tt.want) {
			t.Errorf("DepthPolicy(%q, %v) = %q, want it to contain %q", tt.level, tt.learning, got, tt.want)
		}
		if tt.notWant != "" && strings.Contains(got, tt.notWant) {
			t.Errorf("DepthPolicy(%q, %v) = %q, must not contain %q", tt.level, tt.learning, got, tt.notWant)
		}
	}
}

func TestCompose_ContextAndAttachments(t *testing.T) {
	c := New(4000)
	msgs := c.Compose(Input{
		Domain:        "code",
		Message:       "add tests",
		DomainContext: "Overall level: intermediate\nActive topic: table tests",
		Attachments: []attachment.Attachment{
			{Kind: attachment.KindCode, Name: "sum.go", Language: "go", Content: "func Sum(a, b int) int { return a + b }"},
		},
	})

	user := msgs[1].Content
	if !strings.Contains(user, "[Learner Context]\nOverall level: intermediate") {
		t.Errorf("user message missing context:\n%s", user)
	}
	if !strings.Contains(user, "(code sum.go)\n```go\nfunc Sum") {
		t.Errorf("user message missing attachment:\n%s", user)
	}
	if !strings.HasSuffix(user, "add tests") {
		t.Errorf("user message must end with the question:\n%s", user)
	}
}

func TestCompose_BudgetDropsLargeAttachmentAndTrimsContext(t *testing.T) {
	c := New(50)
	huge := strings.Repeat("x", 1000)
	ctx := "old line\n" + strings.Repeat("y", 300) + "\nnewest line"

	msgs := c.Compose(Input{
		Domain:        "concept",
		Message:       "explain",
		DomainContext: ctx,
		Attachments:   []attachment.Attachment{{Kind: attachment.KindText, Content: huge}},
	})

	user := msgs[1].Content
	if strings.Contains(user, huge) {
		t.Error("oversized attachment was not dropped")
	}
	if strings.Contains(user, "old line") {
		t.Error("oldest context was not trimmed")
	}
	if !strings.Contains(user, "newest line") {
		t.Error("newest context was trimmed")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("a", 400), 100},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}
