package taskstore

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateError_ShortMessageUntouched(t *testing.T) {
	msg := "任务执行超时"
	if got := truncateError(msg, 500); got != msg {
		t.Errorf("Expected message untouched, got %q", got)
	}
}

func TestTruncateError_KeepsValidUTF8(t *testing.T) {
	msg := strings.Repeat("无法获取股票数据", 100)

	got := truncateError(msg, 500)
	if !utf8.ValidString(got) {
		t.Fatal("Truncated message is not valid UTF-8")
	}
	if n := len([]rune(got)); n != 500 {
		t.Errorf("Expected 500 characters, got %d", n)
	}
	if !strings.HasPrefix(msg, got) {
		t.Error("Truncated message must be a prefix of the original")
	}
}

func TestTruncateError_ASCIIBoundary(t *testing.T) {
	msg := strings.Repeat("x", 501)
	got := truncateError(msg, 500)
	if len(got) != 500 {
		t.Errorf("Expected 500 bytes, got %d", len(got))
	}
}
