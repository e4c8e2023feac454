package engine

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// CATEGORY COMPATIBILITY
// =============================================================================

// Compatibility maps a request's declared category to the resource categories
// that can satisfy it and the operator specialties that can handle it.
type Compatibility struct {
	resources map[Category][]Category
	operators map[Category][]Category
}

// DefaultCompatibility returns the built-in table.
func DefaultCompatibility() *Compatibility {
	return &Compatibility{
		resources: map[Category][]Category{
			CategoryFood:       {CategoryFood},
			CategoryWater:      {CategoryWater},
			CategoryMedical:    {CategoryMedical},
			CategoryShelter:    {CategoryShelter},
			CategoryClothing:   {CategoryClothing, CategoryShelter},
			CategoryHygiene:    {CategoryHygiene, CategorySanitation},
			CategorySanitation: {CategorySanitation, CategoryHygiene},
			CategoryPower:      {CategoryPower},
			CategoryRescue:     {CategoryRescue},
		},
		operators: map[Category][]Category{
			CategoryFood:       {CategoryFood},
			CategoryWater:      {CategoryWater, CategorySanitation, CategoryInfra},
			CategoryMedical:    {CategoryMedical, CategoryRescue},
			CategoryShelter:    {CategoryShelter, CategoryInfra},
			CategorySanitation: {CategorySanitation, CategoryInfra},
			CategoryPower:      {CategoryPower, CategoryInfra},
			CategoryRescue:     {CategoryRescue},
			CategoryInfra:      {CategoryInfra},
		},
	}
}

// ResourceCategories returns acceptable resource categories for a request
// category, sorted for deterministic queries.
func (c *Compatibility) ResourceCategories(cat Category) ([]Category, error) {
	return lookup(c.resources, cat)
}

// OperatorSpecialties returns acceptable operator specialties for a complaint
// category.
func (c *Compatibility) OperatorSpecialties(cat Category) ([]Category, error) {
	return lookup(c.operators, cat)
}

func lookup(table map[Category][]Category, cat Category) ([]Category, error) {
	cats, ok := table[NormalizeCategory(string(cat))]
	if !ok || len(cats) == 0 {
		return nil, &ValidationError{Field: "category", Message: fmt.Sprintf("%q has no compatible category", cat), Reason: ErrNoCategoryMatch}
	}
	out := append([]Category(nil), cats...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// compatibilityFile is the YAML layout:
//
//	resources:
//	  FOOD: [FOOD]
//	  HYGIENE: [HYGIENE, SANITATION]
//	operators:
//	  WATER: [WATER, INFRASTRUCTURE]
type compatibilityFile struct {
	Resources map[string][]string `yaml:"resources"`
	Operators map[string][]string `yaml:"operators"`
}

// LoadCompatibility reads a table from a YAML file. Sections missing from
// the file fall back to the defaults.
func LoadCompatibility(path string) (*Compatibility, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read category map: %w", err)
	}
	return ParseCompatibility(data)
}

// ParseCompatibility parses the YAML layout accepted by LoadCompatibility.
func ParseCompatibility(data []byte) (*Compatibility, error) {
	var f compatibilityFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse category map: %w", err)
	}

	c := DefaultCompatibility()
	if len(f.Resources) > 0 {
		c.resources = normalizeTable(f.Resources)
	}
	if len(f.Operators) > 0 {
		c.operators = normalizeTable(f.Operators)
	}
	return c, nil
}

func normalizeTable(in map[string][]string) map[Category][]Category {
	out := make(map[Category][]Category, len(in))
	for k, vs := range in {
		key := NormalizeCategory(k)
		for _, v := range vs {
			out[key] = append(out[key], NormalizeCategory(v))
		}
	}
	return out
}
