package course

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Course is a YAML course manifest: modules of topics, each topic carrying
// the lecture text that gets segmented and spoken.
type Course struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Order       int      `yaml:"order"`
	Voice       string   `yaml:"voice,omitempty"`
	Modules     []Module `yaml:"modules"`
}

type Module struct {
	Title  string  `yaml:"title"`
	Topics []Topic `yaml:"topics"`
}

type Topic struct {
	Title string `yaml:"title"`
	// Content is the lecture text; ContentFile, relative to the manifest, is
	// read into Content on Load when Content is empty.
	Content     string `yaml:"content,omitempty"`
	ContentFile string `yaml:"content_file,omitempty"`
}

// Load reads a manifest from disk and inlines topic content files.
func Load(path string) (Course, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Course{}, fmt.Errorf("read course manifest: %w", err)
	}
	var c Course
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Course{}, fmt.Errorf("parse course manifest %s: %w", path, err)
	}
	base := filepath.Dir(path)
	for mi := range c.Modules {
		for ti := range c.Modules[mi].Topics {
			topic := &c.Modules[mi].Topics[ti]
			if strings.TrimSpace(topic.Content) != "" || topic.ContentFile == "" {
				continue
			}
			body, err := os.ReadFile(filepath.Join(base, topic.ContentFile))
			if err != nil {
				return Course{}, fmt.Errorf("topic %q content: %w", topic.Title, err)
			}
			topic.Content = string(body)
		}
	}
	return c, nil
}

// Validate ensures the manifest can be taught.
func Validate(c Course) error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if strings.ContainsAny(c.ID, " .*>") {
		return fmt.Errorf("id %q must not contain spaces or subject tokens", c.ID)
	}
	if c.Title == "" {
		return errors.New("title is required")
	}
	if len(c.Modules) == 0 {
		return errors.New("at least one module is required")
	}
	for mi, m := range c.Modules {
		if m.Title == "" {
			return fmt.Errorf("modules[%d].title is required", mi)
		}
		if len(m.Topics) == 0 {
			return fmt.Errorf("modules[%d] must declare at least one topic", mi)
		}
		for ti, t := range m.Topics {
			if t.Title == "" {
				return fmt.Errorf("modules[%d].topics[%d].title is required", mi, ti)
			}
			if strings.TrimSpace(t.Content) == "" {
				return fmt.Errorf("modules[%d].topics[%d] has no content", mi, ti)
			}
		}
	}
	return nil
}
