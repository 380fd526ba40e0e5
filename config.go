package fetch

import (
	"io"

	"gopkg.in/yaml.v3"
)

// LoadConfig decodes a YAML document into Options, matching the
// teacher's fetch.Options convention of yaml-tagged configuration
// structs loaded with gopkg.in/yaml.v3.
func LoadConfig(r io.Reader) (*Options, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	opt := new(Options)
	if err := yaml.Unmarshal(data, opt); err != nil {
		return nil, err
	}
	return opt, nil
}
