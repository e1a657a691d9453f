package vnet

//
// Loading the stack tunables
//

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadStackConfigFile reads the tunables of a [StackConfig] from a YAML file.
// Unknown fields are an error. The caller MUST fill the Logger and the
// host transports before passing the result to [NewStack].
func LoadStackConfigFile(path string) (*StackConfig, error) {
	filep, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer filep.Close()
	decoder := yaml.NewDecoder(filep)
	decoder.KnownFields(true)
	config := &StackConfig{}
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("vnet: parsing %s: %w", path, err)
	}
	return config, nil
}
