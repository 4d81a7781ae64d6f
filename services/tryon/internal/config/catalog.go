package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"tryonhub/pkg/domain"
)

type catalogFile struct {
	Products []struct {
		ID     string `yaml:"id"`
		Name   string `yaml:"name"`
		Images []struct {
			Key     string `yaml:"key"`
			URL     string `yaml:"url"`
			Primary bool   `yaml:"primary"`
		} `yaml:"images"`
	} `yaml:"products"`
}

// LoadCatalog reads a product seed file used for local runs.
func LoadCatalog(path string) ([]domain.Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	out := make([]domain.Product, 0, len(file.Products))
	for i, p := range file.Products {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, fmt.Errorf("catalog: product %d has no id", i)
		}
		product := domain.Product{ID: id, Name: p.Name}
		for _, img := range p.Images {
			if img.Key == "" && img.URL == "" {
				return nil, fmt.Errorf("catalog: product %s has an image without key or url", id)
			}
			product.Images = append(product.Images, domain.ProductImage{
				Key:       img.Key,
				URL:       img.URL,
				IsPrimary: img.Primary,
			})
		}
		out = append(out, product)
	}
	return out, nil
}
