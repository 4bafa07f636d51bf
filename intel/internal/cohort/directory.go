package cohort

import (
	"fmt"
	"os"
	"strings"

	"github.com/malbeclabs/netintel/intel/internal/domain"
	"gopkg.in/yaml.v3"
)

type directoryFile struct {
	Tenants []domain.Tenant `yaml:"tenants"`
}

// LoadDirectory reads a tenant directory file of the form
//
//	tenants:
//	  - id: acme
//	    region: us-east
//	    size: small
//	    vertical: retail
func LoadDirectory(path string) ([]domain.Tenant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant directory: %w", err)
	}
	return ParseDirectory(data)
}

func ParseDirectory(data []byte) ([]domain.Tenant, error) {
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse tenant directory: %w", err)
	}
	seen := make(map[domain.TenantID]bool, len(f.Tenants))
	for i := range f.Tenants {
		t := &f.Tenants[i]
		t.ID = domain.TenantID(strings.TrimSpace(string(t.ID)))
		if t.ID == "" {
			return nil, fmt.Errorf("tenant %d: id is required", i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate tenant %q", t.ID)
		}
		seen[t.ID] = true
		t.Region = strings.TrimSpace(t.Region)
		t.Size = strings.TrimSpace(t.Size)
		t.Vertical = strings.TrimSpace(t.Vertical)
	}
	return f.Tenants, nil
}
