package moderation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gridchat/chat-server/internal/activity"
)

func TestNewFilter_EmptyAndWhitespace(t *testing.T) {
	f := NewFilter([]string{"", "  ", "valid", "Two  Words"})

	if _, ok := f.words["valid"]; !ok {
		t.Error("expected 'valid' in words set")
	}
	if len(f.words) != 1 {
		t.Errorf("expected 1 word, got %d", len(f.words))
	}
	if len(f.phrases) != 1 || f.phrases[0] != "two words" {
		t.Errorf("phrases = %v, want [two words]", f.phrases)
	}
	if f.Size() != 2 {
		t.Errorf("Size() = %d, want 2", f.Size())
	}
}

func TestCheck(t *testing.T) {
	f := NewFilter([]string{"badword", "offensive", "buy followers", "free tokens"})

	tests := []struct {
		input string
		term  string // empty when the message passes
	}{
		{"badword", "badword"},
		{"this is badword here", "badword"},
		{"BaDwOrD", "badword"},
		{"hello, badword!", "badword"},
		{"hello world", ""},
		{"badwording is fine", ""},
		{"mybadword", ""},

		{"you can buy followers here", "buy followers"},
		{"FREE TOKENS", "free tokens"},
		{"fr33 t0kens", "free tokens"},
		{"buy followership", ""},
		{"buy more followers", ""},

		{"b@dw0rd", "badword"},
		{"off3n$ive", "offensive"},
		{"offens!ve", "offensive"},
		{"0ff3n$!v3", "offensive"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			res := f.Check(tt.input)
			if res.Blocked != (tt.term != "") {
				t.Fatalf("Blocked = %v, want %v", res.Blocked, tt.term != "")
			}
			if !res.Blocked {
				return
			}
			if res.Term != tt.term {
				t.Errorf("Term = %q, want %q", res.Term, tt.term)
			}
			if res.Reason != "blocked_keyword" {
				t.Errorf("Reason = %q", res.Reason)
			}
		})
	}
}

func TestCheck_EmptyBlacklist(t *testing.T) {
	f := NewFilter(nil)
	for _, msg := range []string{"", "anything at all", "b@dw0rd"} {
		if res := f.Check(msg); res.Blocked {
			t.Errorf("Check(%q) blocked with an empty blacklist", msg)
		}
	}
}

func TestUsedBlacklistedWord(t *testing.T) {
	f := NewFilter([]string{"badword"})

	act := activity.ForMessage("u1", "alice")
	act.Object.Content = "well that is a b@dword"
	word, ok := f.UsedBlacklistedWord(act)
	if !ok || word != "badword" {
		t.Errorf("UsedBlacklistedWord = (%q, %v), want (badword, true)", word, ok)
	}

	act.Object.Content = "perfectly fine"
	if word, ok := f.UsedBlacklistedWord(act); ok {
		t.Errorf("clean message reported word %q", word)
	}
}

func TestLoadTerms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blacklist.txt")
	content := "# comment\nbadword\n\n  free tokens  \n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	terms, err := LoadTerms(path)
	if err != nil {
		t.Fatalf("LoadTerms: %v", err)
	}
	if len(terms) != 2 || terms[0] != "badword" || terms[1] != "free tokens" {
		t.Errorf("terms = %q", terms)
	}

	if _, err := LoadTerms(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestNormalizeAndTokenize(t *testing.T) {
	for in, want := range map[string]string{"h3ll0": "hello", "$h!t": "shit", "UPPER": "upper", "ch@ng3": "change"} {
		if got := normalizeLeet(in); got != want {
			t.Errorf("normalizeLeet(%q) = %q, want %q", in, got, want)
		}
	}

	tests := []struct {
		input       string
		plain, leet string
	}{
		{"hello, world!", "hello|world", "hello|world"},
		{"  spaced  out  ", "spaced|out", "spaced|out"},
		{"", "", ""},
		{"hello---world", "hello|world", "hello---world"},
		{"hello $h!t bye", "hello|h|t|bye", "hello|$h!t|bye"},
		{"(b@d).", "b|d", "b@d"},
	}
	for _, tt := range tests {
		if got := strings.Join(tokenizePlain(tt.input), "|"); got != tt.plain {
			t.Errorf("tokenizePlain(%q) = %s, want %s", tt.input, got, tt.plain)
		}
		if got := strings.Join(tokenizeLeet(tt.input), "|"); got != tt.leet {
			t.Errorf("tokenizeLeet(%q) = %s, want %s", tt.input, got, tt.leet)
		}
	}
}

func BenchmarkCheck(b *testing.B) {
	f := NewFilter([]string{"badword", "offensive", "buy followers"})
	msg := "hey how are you doing today? I love chatting about music and movies. What are your favorite hobbies?"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Check(msg)
	}
}
