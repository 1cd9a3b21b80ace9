package intake

import (
	"strings"
	"testing"
)

func TestIsSpammyText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"empty", "", true},
		{"too_long", strings.Repeat("ก", 1001), true},
		{"repeated_run", "aaaaaaaaaaaa", true},
		{"symbols_only", "!!!???###", true},
		{"too_short", "ab c", true},
		{"thai_sentence", "ปริ้นเตอร์ชั้นสามพิมพ์ไม่ออก", false},
		{"mixed", "WiFi หอพักใช้ไม่ได้ตั้งแต่เมื่อวาน", false},
		{"exactly_five_chars", "abcde", false},
		{"run_of_ten_ok", strings.Repeat("a", 10) + " broken", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSpammyText(tt.in); got != tt.want {
				t.Fatalf("IsSpammyText(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsInvalidPhone(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"0812345678", false},
		{"0912345678", false},
		{"0612345678", false},
		{"0712345678", true},  // bad second digit
		{"081234567", true},   // nine digits
		{"08123456789", true}, // eleven digits
		{"0000000000", true},  // all one digit
		{"08-1234-5678", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := IsInvalidPhone(tt.in); got != tt.want {
				t.Fatalf("IsInvalidPhone(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsInvalidName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"empty", "", true},
		{"one_rune", "ก", true},
		{"too_long", strings.Repeat("ab", 51), true},
		{"digits", "สมชาย123", true},
		{"symbols", "somchai!", true},
		{"repeated", "aaaa", true},
		{"thai_name", "สมชาย ใจดี", false},
		{"latin_name", "John Smith", false},
		{"with_period", "ดร. สมหญิง", false},
		{"two_runes", "กข", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsInvalidName(tt.in); got != tt.want {
				t.Fatalf("IsInvalidName(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
