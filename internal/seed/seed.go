// Package seed holds the reference data a fresh store starts from.
package seed

import (
	_ "embed"
	"fmt"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"compagnons/internal/domain"
)

//go:embed seed.yml
var seedYAML []byte

// Data is the full reference data set. Notifications always start empty.
type Data struct {
	Users         []domain.User         `yaml:"users"`
	Announcements []domain.Announcement `yaml:"announcements"`
	Quotes        []domain.Quote        `yaml:"quotes"`
	Messages      []domain.Message      `yaml:"messages"`
	Projects      []domain.Project      `yaml:"projects"`
	Reviews       []domain.Review       `yaml:"reviews"`
	Notifications []domain.Notification `yaml:"notifications"`
}

// Load decodes the embedded data set. Each call returns fresh slices.
func Load() (Data, error) {
	var d Data
	if err := yaml.Unmarshal(seedYAML, &d); err != nil {
		return Data{}, fmt.Errorf("decode seed: %w", err)
	}
	return d, nil
}

// MustLoad panics if the embedded data does not decode.
func MustLoad() Data {
	d, err := Load()
	if err != nil {
		panic(err)
	}
	return d
}

var directory = sync.OnceValues(func() ([]domain.User, error) {
	d, err := Load()
	return d.Users, err
})

// Users returns the directory of known users. The embedded data is decoded
// once; callers get their own copy.
func Users() []domain.User {
	users, err := directory()
	if err != nil {
		panic(err)
	}
	return slices.Clone(users)
}

// FindUser looks a user up by id.
func FindUser(id string) (domain.User, bool) {
	users, err := directory()
	if err != nil {
		panic(err)
	}
	for _, u := range users {
		if u.ID == id {
			return u, true
		}
	}
	return domain.User{}, false
}
