package ui

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
)

func TestBar(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	tests := []struct {
		name          string
		value, goal   int
		filled, empty int
	}{
		{"half", 500, 1000, 5, 5},
		{"empty", 0, 1000, 0, 10},
		{"over goal", 1500, 1000, 10, 0},
		{"negative", -5, 1000, 0, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bar := Bar(tt.value, tt.goal, 10)
			assert.Equal(t, tt.filled, strings.Count(bar, "█"))
			assert.Equal(t, tt.empty, strings.Count(bar, "░"))
		})
	}
	assert.Empty(t, Bar(1, 0, 10))
}

func TestFields(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)
	out := Fields(Field{"Streak", "3 days"}, Field{"Pending", "2"})
	lines := strings.Split(out, "\n")
	assert.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "Streak"))
	assert.True(t, strings.HasSuffix(lines[0], "3 days"))
	assert.Equal(t, strings.Index(lines[0], "3 days"), strings.Index(lines[1], "2"))
}
