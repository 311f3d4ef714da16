package pipeline

import (
	"testing"

	"github.com/agridoc/backend/internal/model"
)

func TestDetectRoute(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		want    model.Stage
	}{
		{
			name:    "empty content defers to engine fetch",
			content: nil,
			want:    model.StageAI,
		},
		{
			name:    "html page is structured text",
			content: []byte("<html><body>Parcelle 38c</body></html>"),
			want:    model.StageAI,
		},
		{
			name:    "plain text export",
			content: []byte("owner_name: Jean Dupont\narea: 4.2 ha\n"),
			want:    model.StageAI,
		},
		{
			name:    "short non-pdf binary",
			content: []byte{0x89, 0x50},
			want:    model.StageAI,
		},
		{
			name:    "pdf magic with corrupt body routes to ocr",
			content: []byte("%PDF-1.7 not actually a pdf"),
			want:    model.StageOCR,
		},
		{
			name:    "truncated pdf header routes to ocr",
			content: []byte("%PDF"),
			want:    model.StageOCR,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectRoute(tt.content); got != tt.want {
				t.Fatalf("DetectRoute() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDescribeRoute(t *testing.T) {
	if got := describeRoute(model.StageOCR, "tesseract"); got != "scanned document routed to ocr engine tesseract" {
		t.Fatalf("got %q", got)
	}
	if got := describeRoute(model.StageAI, "gemini"); got != "text document routed to ai engine gemini" {
		t.Fatalf("got %q", got)
	}
}
