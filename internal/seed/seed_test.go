// ABOUTME: Tests for seed file loading and application
// ABOUTME: Runs against MockStore

package seed

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tradepost/internal/store"
)

const sample = `
profiles:
  - user_id: acme
    name: Acme Fasteners
    role: seller
    avatar_url: https://cdn.example.com/acme.png
  - user_id: bob
    name: Bob Builder
products:
  - id: bolts-m8
    seller_id: acme
    name: M8 bolts
`

func TestLoadAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0600))

	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Profiles, 2)

	s := store.NewMockStore()
	res, err := Apply(context.Background(), s, f)
	require.NoError(t, err)
	assert.Equal(t, Result{Profiles: 2, Products: 1}, res)

	bob, err := s.GetProfile(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "buyer", bob.Role)
	assert.Nil(t, bob.AvatarURL)

	acme, err := s.GetProfile(context.Background(), "acme")
	require.NoError(t, err)
	require.NotNil(t, acme.AvatarURL)

	product, err := s.GetProduct(context.Background(), "bolts-m8")
	require.NoError(t, err)
	assert.Equal(t, "acme", product.SellerID)
}

func TestLoad_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"products":[{"id":"p","seller_id":"s","name":"P"}]}`), 0600))
	f, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Products, 1)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		file File
		want string
	}{
		{"missing user id", File{Profiles: []Profile{{Name: "x"}}}, "user_id"},
		{"bad role", File{Profiles: []Profile{{UserID: "u", Role: "owner"}}}, "unknown role"},
		{"missing product id", File{Products: []Product{{SellerID: "s"}}}, "id is required"},
		{"missing seller", File{Products: []Product{{ID: "p"}}}, "seller_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.file.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestApply_StopsOnStoreError(t *testing.T) {
	s := store.NewMockStore()
	s.FailOn("UpsertProduct", errors.New("read only"))
	res, err := Apply(context.Background(), s, &File{
		Profiles: []Profile{{UserID: "u"}},
		Products: []Product{{ID: "p", SellerID: "u"}},
	})
	require.Error(t, err)
	assert.Equal(t, 1, res.Profiles)
	assert.Zero(t, res.Products)
}
