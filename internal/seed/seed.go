// ABOUTME: Bulk loading of profiles and product references from YAML or JSON
// ABOUTME: Used by `tradepost seed` and the admin seed endpoint

package seed

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/tradepost/internal/store"
)

// Profile is one user entry in a seed file
type Profile struct {
	UserID    string `yaml:"user_id" json:"user_id"`
	Name      string `yaml:"name" json:"name"`
	Email     string `yaml:"email" json:"email"`
	Role      string `yaml:"role" json:"role"`
	AvatarURL string `yaml:"avatar_url" json:"avatar_url"`
}

// Product is one product reference in a seed file
type Product struct {
	ID       string `yaml:"id" json:"id"`
	SellerID string `yaml:"seller_id" json:"seller_id"`
	Name     string `yaml:"name" json:"name"`
}

// File is the seed document
type File struct {
	Profiles []Profile `yaml:"profiles" json:"profiles"`
	Products []Product `yaml:"products" json:"products"`
}

// Result counts what Apply wrote
type Result struct {
	Profiles int `json:"profiles"`
	Products int `json:"products"`
}

// Target is the store surface Apply writes to
type Target interface {
	store.ProfileStore
	store.ProductStore
}

// Load reads a seed file. YAML is a superset of JSON, so both work.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}
	return &f, nil
}

// Validate reports the first malformed entry
func (f *File) Validate() error {
	for i, p := range f.Profiles {
		if strings.TrimSpace(p.UserID) == "" {
			return fmt.Errorf("profiles[%d]: user_id is required", i)
		}
		switch p.Role {
		case "", "buyer", "seller", "admin":
		default:
			return fmt.Errorf("profiles[%d]: unknown role %q", i, p.Role)
		}
	}
	for i, p := range f.Products {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("products[%d]: id is required", i)
		}
		if strings.TrimSpace(p.SellerID) == "" {
			return fmt.Errorf("products[%d]: seller_id is required", i)
		}
	}
	return nil
}

// Apply upserts every entry. It stops at the first store error.
func Apply(ctx context.Context, t Target, f *File) (Result, error) {
	var res Result
	if err := f.Validate(); err != nil {
		return res, err
	}

	now := time.Now().UTC()
	for _, p := range f.Profiles {
		role := p.Role
		if role == "" {
			role = "buyer"
		}
		var avatar *string
		if p.AvatarURL != "" {
			a := p.AvatarURL
			avatar = &a
		}
		err := t.UpsertProfile(ctx, &store.Profile{
			UserID:    p.UserID,
			Name:      p.Name,
			Email:     p.Email,
			Role:      role,
			AvatarURL: avatar,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return res, fmt.Errorf("upserting profile %s: %w", p.UserID, err)
		}
		res.Profiles++
	}

	for _, p := range f.Products {
		err := t.UpsertProduct(ctx, &store.Product{ID: p.ID, SellerID: p.SellerID, Name: p.Name, UpdatedAt: now})
		if err != nil {
			return res, fmt.Errorf("upserting product %s: %w", p.ID, err)
		}
		res.Products++
	}
	return res, nil
}
