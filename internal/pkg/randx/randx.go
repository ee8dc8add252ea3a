/*
Package randx provides identifier generation for connections, durable users and
object storage keys.
*/
package randx

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

const (
	// ConnIDPrefix marks server-assigned websocket connection ids in logs.
	ConnIDPrefix = "conn_"

	// AvatarKeyPrefix is the object storage folder for avatar images.
	AvatarKeyPrefix = "avatars"
)

// ConnID returns a new unique connection id.
func ConnID() string {
	return ConnIDPrefix + uuid.NewString()
}

// UserID returns a new durable user id.
func UserID() string {
	return uuid.NewString()
}

// AvatarKey returns a fresh object key for an avatar image of durableID.
// The extension of fileName is kept (lower-cased) so the object keeps a meaningful suffix.
func AvatarKey(durableID, fileName string) string {
	ext := strings.ToLower(path.Ext(fileName))
	return fmt.Sprintf("%s/%s/%s%s", AvatarKeyPrefix, durableID, uuid.NewString(), ext)
}

// IsAvatarKey reports whether key is an avatar object key produced by AvatarKey.
func IsAvatarKey(key string) bool {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != AvatarKeyPrefix || parts[1] == "" {
		return false
	}

	name := strings.TrimSuffix(parts[2], path.Ext(parts[2]))
	return uuid.Validate(name) == nil
}
