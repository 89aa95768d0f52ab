package chunk

import (
	"reflect"
	"strings"
	"testing"
)

func TestSplitIntoSentences(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "empty input",
			text: "",
			want: []string(nil),
		},
		{
			name: "single sentence",
			text: "Hello world.",
			want: []string{"Hello world."},
		},
		{
			name: "multiple sentences",
			text: "Hello world. This is a test! How are you?",
			want: []string{
				"Hello world.",
				"This is a test!",
				"How are you?",
			},
		},
		{
			name: "sentences with empty lines",
			text: "First sentence.\n\nSecond sentence.\n\nThird sentence.",
			want: []string{
				"First sentence.",
				"Second sentence.",
				"Third sentence.",
			},
		},
		{
			name: "multi-line sentence",
			text: "This is a long\nsentence that spans\nmultiple lines.",
			want: []string{"This is a long sentence that spans multiple lines."},
		},
		{
			name: "markdown table as single sentence",
			text: "Header1 | Header2\n------- | -------\nValue1  | Value2\nValue3  | Value4",
			want: []string{
				"Header1 | Header2\n------- | -------\nValue1  | Value2\nValue3  | Value4",
			},
		},
		{
			name: "text with table",
			text: "Introduction text.\nHeader1 | Header2\n------- | -------\nValue1  | Value2\nConclusion text.",
			want: []string{
				"Introduction text.",
				"Header1 | Header2\n------- | -------\nValue1  | Value2",
				"Conclusion text.",
			},
		},
		{
			name: "numeric listing is not a sentence end",
			text: "The match ended 3. place was decided later.",
			want: []string{"The match ended 3. place was decided later."},
		},
		{
			name: "closing quote stays attached",
			text: `He said "stop." Then he left.`,
			want: []string{`He said "stop."`, "Then he left."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitIntoSentences(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitIntoSentences() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestChunkerSplit(t *testing.T) {
	chunker, err := NewChunker(ChunkerParams{Encoder: "o200k_base", MaxTokens: 20})
	if err != nil {
		t.Fatalf("NewChunker() error = %v", err)
	}

	t.Run("empty document yields no chunks", func(t *testing.T) {
		chunks, err := chunker.Split("doc-1", "   \n\n  ")
		if err != nil {
			t.Fatalf("Split() error = %v", err)
		}
		if len(chunks) != 0 {
			t.Errorf("got %d chunks, want 0", len(chunks))
		}
	})

	t.Run("short document is a single chunk", func(t *testing.T) {
		chunks, err := chunker.Split("doc-1", "One short sentence.")
		if err != nil {
			t.Fatalf("Split() error = %v", err)
		}
		if len(chunks) != 1 {
			t.Fatalf("got %d chunks, want 1", len(chunks))
		}
		if chunks[0].Text != "One short sentence." {
			t.Errorf("unexpected chunk text: %q", chunks[0].Text)
		}
		if chunks[0].DocumentID != "doc-1" || chunks[0].Ordinal != 0 {
			t.Errorf("unexpected chunk identity: %+v", chunks[0])
		}
		if chunks[0].TokenCount <= 0 {
			t.Errorf("token count not recorded: %+v", chunks[0])
		}
	})

	t.Run("long document splits under budget", func(t *testing.T) {
		var sb strings.Builder
		for i := 0; i < 20; i++ {
			sb.WriteString("The quick brown fox jumps over the lazy dog near the river. ")
		}
		chunks, err := chunker.Split("doc-2", sb.String())
		if err != nil {
			t.Fatalf("Split() error = %v", err)
		}
		if len(chunks) < 2 {
			t.Fatalf("got %d chunks, want several", len(chunks))
		}
		for i, c := range chunks {
			if c.Ordinal != i {
				t.Errorf("chunk %d has ordinal %d", i, c.Ordinal)
			}
			if c.ID == "" {
				t.Errorf("chunk %d has empty id", i)
			}
		}
	})

	t.Run("ids are stable across runs", func(t *testing.T) {
		text := "First sentence here. Second sentence follows. Third sentence closes."
		a, err := chunker.Split("doc-3", text)
		if err != nil {
			t.Fatalf("Split() error = %v", err)
		}
		b, err := chunker.Split("doc-3", text)
		if err != nil {
			t.Fatalf("Split() error = %v", err)
		}
		if !reflect.DeepEqual(a, b) {
			t.Errorf("chunking is not deterministic:\n%+v\n%+v", a, b)
		}
	})

	t.Run("ids differ across documents", func(t *testing.T) {
		text := "Same text in both documents."
		a, _ := chunker.Split("doc-a", text)
		b, _ := chunker.Split("doc-b", text)
		if a[0].ID == b[0].ID {
			t.Error("chunk ids must include the document identity")
		}
	})
}

func TestChunkerOverlap(t *testing.T) {
	chunker, err := NewChunker(ChunkerParams{Encoder: "o200k_base", MaxTokens: 24, OverlapSentences: 1})
	if err != nil {
		t.Fatalf("NewChunker() error = %v", err)
	}

	var sb strings.Builder
	for i := 0; i < 10; i++ {
		sb.WriteString("Another plain sentence about the same ongoing topic appears here. ")
	}
	chunks, err := chunker.Split("doc-4", sb.String())
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want several", len(chunks))
	}

	// with one sentence of overlap, consecutive chunks share text
	for i := 1; i < len(chunks); i++ {
		first := strings.SplitAfter(chunks[i].Text, ".")[0]
		if !strings.Contains(chunks[i-1].Text, strings.TrimSpace(first)) {
			t.Errorf("chunk %d does not overlap its predecessor", i)
		}
	}
}
