package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "account-123", subjectToken("account-123"))
	assert.Equal(t, "Order_42", subjectToken("Order_42"))

	// Reserved characters get hashed to a stable token.
	hashed := subjectToken("order.42")
	require.NotEqual(t, "order.42", hashed)
	assert.Equal(t, hashed, subjectToken("order.42"))
	assert.True(t, safeToken(hashed))

	// Distinct unsafe ids must not collide.
	assert.NotEqual(t, subjectToken("a.b"), subjectToken("a b"))
	assert.False(t, safeToken(""))
}
