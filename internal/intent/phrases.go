package intent

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PhraseFile is the YAML shape of an extra phrase set, keyed by intent name:
//
//	add:
//	  MARK_COMPLETE: ["mark down complete"]
//	remove:
//	  ADVANCE: ["skip"]
type PhraseFile struct {
	Add    map[string][]string `yaml:"add"`
	Remove map[string][]string `yaml:"remove"`
}

// LoadPhraseFile reads and validates a phrase file.
func LoadPhraseFile(path string) (PhraseFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PhraseFile{}, fmt.Errorf("read phrase file: %w", err)
	}
	var pf PhraseFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return PhraseFile{}, fmt.Errorf("parse phrase file: %w", err)
	}
	for _, section := range []map[string][]string{pf.Add, pf.Remove} {
		for name := range section {
			if !Intent(strings.ToUpper(name)).Valid() {
				return PhraseFile{}, fmt.Errorf("phrase file: unknown intent %q", name)
			}
		}
	}
	return pf, nil
}

// Apply adds and removes the file's phrases on c.
func (pf PhraseFile) Apply(c *KeywordClassifier) error {
	for name, list := range pf.Remove {
		for _, p := range list {
			c.RemovePhrase(Intent(strings.ToUpper(name)), p)
		}
	}
	for name, list := range pf.Add {
		for _, p := range list {
			if err := c.AddPhrase(Intent(strings.ToUpper(name)), p); err != nil {
				return fmt.Errorf("add %s phrase %q: %w", name, p, err)
			}
		}
	}
	return nil
}
