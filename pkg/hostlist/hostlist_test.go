package hostlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		want    []string
		wantErr bool
	}{
		{
			name:    "plain names",
			pattern: "login1,login2",
			want:    []string{"login1", "login2"},
		},
		{
			name:    "simple range",
			pattern: "n[0-3]",
			want:    []string{"n0", "n1", "n2", "n3"},
		},
		{
			name:    "padded range",
			pattern: "gpu[01-03]",
			want:    []string{"gpu01", "gpu02", "gpu03"},
		},
		{
			name:    "mixed",
			pattern: "n[0-1],login1,n7",
			want:    []string{"n0", "n1", "login1", "n7"},
		},
		{
			name:    "range list in brackets",
			pattern: "n[0,2,5-6]",
			want:    []string{"n0", "n2", "n5", "n6"},
		},
		{
			name:    "suffix after bracket",
			pattern: "rack[1-2]a",
			want:    []string{"rack1a", "rack2a"},
		},
		{
			name:    "empty",
			pattern: "  ",
			want:    nil,
		},
		{
			name:    "descending range",
			pattern: "n[5-2]",
			wantErr: true,
		},
		{
			name:    "unbalanced bracket",
			pattern: "n[0-3",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Expand(tt.pattern)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompress(t *testing.T) {
	tests := []struct {
		name  string
		hosts []string
		want  string
	}{
		{
			name:  "contiguous run",
			hosts: []string{"n0", "n1", "n2", "n3"},
			want:  "n[0-3]",
		},
		{
			name:  "gap",
			hosts: []string{"n0", "n1", "n5"},
			want:  "n[0-1],n5",
		},
		{
			name:  "padded",
			hosts: []string{"gpu01", "gpu02"},
			want:  "gpu[01-02]",
		},
		{
			name:  "no digits",
			hosts: []string{"head", "login"},
			want:  "head,login",
		},
		{
			name:  "empty",
			hosts: nil,
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compress(tt.hosts))
		})
	}
}

// TestRoundTrip checks expand(compress(hosts)) covers the same set.
func TestRoundTrip(t *testing.T) {
	hosts := []string{"n0", "n1", "n2", "n9", "gpu01", "gpu02", "head"}
	out, err := Expand(Compress(hosts))
	require.NoError(t, err)
	assert.ElementsMatch(t, hosts, out)
}
