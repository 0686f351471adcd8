package tools

import (
	"reflect"
	"testing"
)

func TestNormalizeArgs(t *testing.T) {
	schema := object([]string{"name"}, map[string]any{
		"name":  str(""),
		"count": map[string]any{"type": "integer"},
		"ratio": map[string]any{"type": "number"},
		"on":    map[string]any{"type": "boolean"},
		"tags":  strArray(""),
	})

	tests := []struct {
		name    string
		args    map[string]any
		want    map[string]any
		wantErr bool
	}{
		{
			name: "integral float becomes int",
			args: map[string]any{"name": "a", "count": 3.0},
			want: map[string]any{"name": "a", "count": 3},
		},
		{
			name:    "fractional integer",
			args:    map[string]any{"name": "a", "count": 3.5},
			wantErr: true,
		},
		{
			name: "json string array",
			args: map[string]any{"name": "a", "tags": `["x","y"]`},
			want: map[string]any{"name": "a", "tags": []any{"x", "y"}},
		},
		{
			name: "bare string array",
			args: map[string]any{"name": "a", "tags": "Tue 2pm, Mar 3"},
			want: map[string]any{"name": "a", "tags": []any{"Tue 2pm, Mar 3"}},
		},
		{
			name: "undeclared dropped",
			args: map[string]any{"name": "a", "user_id": "u2"},
			want: map[string]any{"name": "a"},
		},
		{
			name:    "null required",
			args:    map[string]any{"name": nil},
			wantErr: true,
		},
		{
			name:    "bool as string",
			args:    map[string]any{"name": "a", "on": "true"},
			wantErr: true,
		},
		{
			name: "number from int",
			args: map[string]any{"name": "a", "ratio": 2},
			want: map[string]any{"name": "a", "ratio": 2.0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeArgs(schema, tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}
