package config

import (
	"fmt"
	"os"
	"strings"

	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/store"

	"gopkg.in/yaml.v3"
)

type CounterConfig struct {
	ID      int    `yaml:"id"`
	Name    string `yaml:"name"`
	Service string `yaml:"service"`
}

type StaffConfig struct {
	Username    string `yaml:"username"`
	DisplayName string `yaml:"name"`
	Password    string `yaml:"password"`
	Role        string `yaml:"role"`
}

// Branch describes the fixed counters of a branch and the staff accounts
// created on first start.
type Branch struct {
	Name            string          `yaml:"name"`
	Counters        []CounterConfig `yaml:"counters"`
	FallbackCounter int             `yaml:"fallback_counter"`
	Staff           []StaffConfig   `yaml:"staff"`
}

func DefaultBranch() Branch {
	return Branch{
		Name: "Main Branch",
		Counters: []CounterConfig{
			{ID: 1, Name: "Counter 1", Service: "Account Opening"},
			{ID: 2, Name: "Counter 2", Service: "Loan Application"},
			{ID: 3, Name: "Counter 3", Service: "Cash & Deposits"},
			{ID: 4, Name: "Counter 4", Service: "Card Services"},
			{ID: 5, Name: "Counter 5", Service: "General Inquiry"},
		},
		FallbackCounter: 5,
	}
}

// LoadBranch reads the branch file at path. An empty path or a missing
// file yields the default branch.
func LoadBranch(path string) (Branch, error) {
	branch := DefaultBranch()
	if path == "" {
		return branch, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return branch, nil
		}
		return Branch{}, err
	}
	return ParseBranch(data)
}

func ParseBranch(data []byte) (Branch, error) {
	branch := DefaultBranch()
	if err := yaml.Unmarshal(data, &branch); err != nil {
		return Branch{}, fmt.Errorf("parse branch config: %w", err)
	}
	return branch, nil
}

func (b Branch) Validate() error {
	if len(b.Counters) == 0 {
		return fmt.Errorf("branch has no counters")
	}
	seen := make(map[int]bool, len(b.Counters))
	for _, counter := range b.Counters {
		if counter.ID <= 0 {
			return fmt.Errorf("counter id must be positive, got %d", counter.ID)
		}
		if seen[counter.ID] {
			return fmt.Errorf("duplicate counter id %d", counter.ID)
		}
		seen[counter.ID] = true
		if strings.TrimSpace(counter.Name) == "" || strings.TrimSpace(counter.Service) == "" {
			return fmt.Errorf("counter %d needs a name and a service", counter.ID)
		}
	}
	if !seen[b.FallbackCounter] {
		return fmt.Errorf("fallback counter %d is not configured", b.FallbackCounter)
	}
	for _, staff := range b.Staff {
		if staff.Username == "" || staff.Password == "" {
			return fmt.Errorf("staff entries need a username and a password")
		}
		if staff.Role != "" && staff.Role != models.RoleStaff && staff.Role != models.RoleAdmin {
			return fmt.Errorf("staff %s has unknown role %q", staff.Username, staff.Role)
		}
	}
	return nil
}

func (b Branch) CounterModels() []models.Counter {
	counters := make([]models.Counter, 0, len(b.Counters))
	for _, counter := range b.Counters {
		counters = append(counters, models.Counter{
			CounterID: counter.ID,
			Name:      counter.Name,
			Service:   counter.Service,
			Status:    models.CounterAvailable,
		})
	}
	return counters
}

func (b Branch) BootstrapStaff() []store.BootstrapStaff {
	staff := make([]store.BootstrapStaff, 0, len(b.Staff))
	for _, member := range b.Staff {
		staff = append(staff, store.BootstrapStaff{
			Username:    member.Username,
			DisplayName: member.DisplayName,
			Password:    member.Password,
			Role:        member.Role,
		})
	}
	return staff
}
