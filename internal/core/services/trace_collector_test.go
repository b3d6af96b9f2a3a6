package services

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTraceName_KeepsValidUTF8(t *testing.T) {
	tests := map[string]string{
		"ascii":      strings.Repeat("a", 200),
		"vietnamese": strings.Repeat("ỹ", 40),
		"mixed":      "biểu đồ doanh thu theo tháng của từng khu vực trong năm hai nghìn hai mươi tư",
		"short":      "tổng doanh thu",
	}
	for name, query := range tests {
		t.Run(name, func(t *testing.T) {
			got := traceName(query)
			assert.True(t, utf8.ValidString(got), "invalid UTF-8: %q", got)
			assert.LessOrEqual(t, len(strings.TrimSuffix(got, "...")), 80)
			assert.True(t, strings.HasPrefix("query: "+query, strings.TrimSuffix(got, "...")))
		})
	}

	assert.Equal(t, "query: tổng doanh thu", traceName("tổng doanh thu"))
}

func TestTruncate_CutsOnRuneBoundary(t *testing.T) {
	s := strings.Repeat("ỹ", 1000) // three bytes each

	got := truncate(s, maxInputOutput)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "...[truncated]"))
	assert.Equal(t, strings.Repeat("ỹ", maxInputOutput/3), strings.TrimSuffix(got, "...[truncated]"))

	assert.Equal(t, "short", truncate("short", maxInputOutput))
}

func TestCutUTF8(t *testing.T) {
	assert.Equal(t, "", cutUTF8("ỹ", 2))
	assert.Equal(t, "ỹ", cutUTF8("ỹỹ", 4))
	assert.Equal(t, "ab", cutUTF8("abc", 2))
	assert.Equal(t, "abc", cutUTF8("abc", 10))
}
