package settings

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LabKey/platform-sub050/internal/container"
)

func TestEncryptedStore(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			inner := newStore()
			enc, err := NewEncryptedStore(inner, "correct horse battery staple", []string{"Credentials"})
			require.NoError(t, err)

			secret := Scope{ContainerID: "home", Category: "Credentials"}
			plain := Scope{ContainerID: "home", Category: "Display"}

			require.NoError(t, enc.SetProperty(ctx, secret, "password", "s3cret"))
			require.NoError(t, enc.SetProperty(ctx, plain, "color", "blue"))

			raw, err := inner.Properties(ctx, secret)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(raw["password"], cipherPrefix))
			assert.NotContains(t, raw["password"], "s3cret")

			raw, err = inner.Properties(ctx, plain)
			require.NoError(t, err)
			assert.Equal(t, "blue", raw["color"])

			props, err := enc.Properties(ctx, secret)
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"password": "s3cret"}, props)

			require.NoError(t, enc.SaveProperties(ctx, secret, map[string]string{"user": "admin", "token": "abc"}))
			props, err = enc.Properties(ctx, secret)
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"user": "admin", "token": "abc"}, props)

			require.NoError(t, enc.RemoveProperty(ctx, secret, "token"))
			props, err = enc.Properties(ctx, secret)
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"user": "admin"}, props)
		})
	}
}

func TestEncryptedStoreRejectsTampering(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	enc, err := NewEncryptedStore(inner, "key-one", []string{"Credentials"})
	require.NoError(t, err)

	scope := Scope{ContainerID: "home", Category: "Credentials"}
	require.NoError(t, enc.SetProperty(ctx, scope, "password", "s3cret"))

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewEncryptedStore(inner, "key-two", []string{"Credentials"})
		require.NoError(t, err)
		_, err = other.Properties(ctx, scope)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("value moved to another key", func(t *testing.T) {
		raw, err := inner.Properties(ctx, scope)
		require.NoError(t, err)
		moved := Scope{ContainerID: "home", Category: "Credentials", UserID: 7}
		require.NoError(t, inner.SetProperty(ctx, moved, "password", raw["password"]))
		_, err = enc.Properties(ctx, moved)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("plaintext in encrypted category", func(t *testing.T) {
		legacy := Scope{ContainerID: "other", Category: "Credentials"}
		require.NoError(t, inner.SetProperty(ctx, legacy, "password", "plain"))
		_, err := enc.Properties(ctx, legacy)
		assert.ErrorIs(t, err, ErrDecrypt)
	})
}

func TestEncryptedStoreRequiresKey(t *testing.T) {
	_, err := NewEncryptedStore(NewMemoryStore(), "", []string{"Credentials"})
	assert.Error(t, err)
}

func TestEncryptedStoreInheritance(t *testing.T) {
	enc, err := NewEncryptedStore(NewMemoryStore(), "passphrase", []string{"Credentials"})
	require.NoError(t, err)
	f := newFixture(t, enc)
	ctx := context.Background()

	require.NoError(t, f.mgr.Set(ctx, container.RootID, "Credentials", "smtp", "root-pass"))
	v, err := f.mgr.Lookup(ctx, f.folder.ID, "Credentials", "smtp", "")
	require.NoError(t, err)
	assert.Equal(t, "root-pass", v)
}
