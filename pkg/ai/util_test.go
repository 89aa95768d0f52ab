package ai

import (
	"reflect"
	"testing"
)

type testPayload struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

func TestUnmarshalFlexible(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    testPayload
		wantErr bool
	}{
		{
			name:  "valid json",
			input: `{"name": "alpha", "score": 3}`,
			want:  testPayload{Name: "alpha", Score: 3},
		},
		{
			name:  "double encoded json",
			input: `"{\"name\": \"beta\", \"score\": 5}"`,
			want:  testPayload{Name: "beta", Score: 5},
		},
		{
			name:  "malformed json gets repaired",
			input: `{name: "gamma", score: 7}`,
			want:  testPayload{Name: "gamma", Score: 7},
		},
		{
			name:  "duplicate leading brace",
			input: `{{"name": "delta", "score": 1}`,
			want:  testPayload{Name: "delta", Score: 1},
		},
		{
			name:  "surrounding whitespace",
			input: "\n  {\"name\": \"eps\", \"score\": 2}  \n",
			want:  testPayload{Name: "eps", Score: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got testPayload
			err := UnmarshalFlexible(tt.input, &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalFlexible() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("UnmarshalFlexible() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestGenerateSchema(t *testing.T) {
	schema := GenerateSchema(&testPayload{})
	if schema == nil {
		t.Fatal("GenerateSchema returned nil")
	}

	schema2 := GenerateSchema(testPayload{})
	if schema2 == nil {
		t.Fatal("GenerateSchema returned nil for value type")
	}
}
