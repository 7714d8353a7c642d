package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	tests := []struct {
		name     string
		tenant   string
		report   string
		version  int
		expected string
	}{
		{"plain", "t1", "rpt_1", 3, "reports/t1/rpt_1/v3.txt"},
		{"slashes", "a/b", "rpt/../x", 1, "reports/a_b/rpt___x/v1.txt"},
		{"blank", " ", "rpt_1", 1, "reports/_/rpt_1/v1.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ObjectKey(tt.tenant, tt.report, tt.version))
		})
	}
}

func TestNopArchiveReturnsKey(t *testing.T) {
	var a Archive = Nop{}
	key, err := a.Put(context.Background(), "t1", "rpt_1", 2, "text")
	require.NoError(t, err)
	assert.Equal(t, "reports/t1/rpt_1/v2.txt", key)
}
