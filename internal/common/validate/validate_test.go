package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/nervehq/nerve/internal/common/errors"
)

func TestID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{name: "simple", id: "worker-1", wantErr: false},
		{name: "underscores", id: "my_node", wantErr: false},
		{name: "mixed case", id: "Builder2", wantErr: false},
		{name: "empty", id: "", wantErr: true},
		{name: "space", id: "a b", wantErr: true},
		{name: "slash", id: "a/b", wantErr: true},
		{name: "backslash", id: `a\b`, wantErr: true},
		{name: "dot", id: "a.b", wantErr: true},
		{name: "unicode", id: "noeud-é", wantErr: true},
		{name: "max length", id: strings.Repeat("a", MaxIDLength), wantErr: false},
		{name: "too long", id: strings.Repeat("a", MaxIDLength+1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ID(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, apperrors.CodeInvalidName, apperrors.Code(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
