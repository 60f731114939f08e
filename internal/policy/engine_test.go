package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/chatrelay/internal/domain"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)
	return engine
}

func TestAuthorize(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	private := &domain.Conversation{ID: "c1", UserID: 1}
	public := &domain.Conversation{ID: "c2", UserID: 1, IsPublic: true}
	hidden := &domain.Conversation{ID: "c3", UserID: 1, IsHidden: true, IsPublic: true}

	tests := []struct {
		name   string
		userID int64
		conv   *domain.Conversation
		action domain.AccessAction
		want   error
	}{
		{"owner reads private", 1, private, domain.AccessRead, nil},
		{"owner writes private", 1, private, domain.AccessWrite, nil},
		{"owner reads hidden", 1, hidden, domain.AccessRead, nil},
		{"stranger reads private", 2, private, domain.AccessRead, domain.ErrForbidden},
		{"stranger writes private", 2, private, domain.AccessWrite, domain.ErrForbidden},
		{"stranger reads public", 2, public, domain.AccessRead, nil},
		{"stranger writes public", 2, public, domain.AccessWrite, domain.ErrForbidden},
		{"stranger reads hidden", 2, hidden, domain.AccessRead, domain.ErrNotFound},
		{"public read of public", 0, public, domain.AccessReadPublic, nil},
		{"public read of private", 0, private, domain.AccessReadPublic, domain.ErrNotFound},
		{"public read of hidden", 0, hidden, domain.AccessReadPublic, domain.ErrNotFound},
		{"owner public read of private", 1, private, domain.AccessReadPublic, domain.ErrNotFound},
		{"missing conversation", 1, nil, domain.AccessRead, domain.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.Authorize(ctx, tt.userID, tt.conv, tt.action)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewEngineRejectsInvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package broken\n decision = {")
	assert.Error(t, err)
}
