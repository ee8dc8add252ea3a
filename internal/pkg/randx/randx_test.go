package randx

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnIDIsUnique(t *testing.T) {
	a, b := ConnID(), ConnID()

	assert.True(t, strings.HasPrefix(a, ConnIDPrefix))
	assert.NotEqual(t, a, b)
}

func TestAvatarKeyRoundTrip(t *testing.T) {
	key := AvatarKey("u1", "Me.PNG")

	assert.True(t, strings.HasPrefix(key, "avatars/u1/"))
	assert.True(t, strings.HasSuffix(key, ".png"))
	assert.True(t, IsAvatarKey(key))
}

func TestIsAvatarKeyRejectsForeignKeys(t *testing.T) {
	for _, key := range []string{
		"",
		"avatars/u1",
		"avatars//x.png",
		"rooms/u1/" + UserID() + ".png",
		"avatars/u1/not-a-uuid.png",
		"avatars/u1/../../etc/passwd",
	} {
		assert.False(t, IsAvatarKey(key), key)
	}
}
