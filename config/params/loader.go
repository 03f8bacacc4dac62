package params

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// LoadConfigFile overlays the values found in a yaml file on top of the
// current config and installs the result.
func LoadConfigFile(path string) error {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read config file")
	}
	conf := *AggregatorConfig()
	if err := yaml.UnmarshalStrict(yamlFile, &conf); err != nil {
		return errors.Wrap(err, "failed to parse config file")
	}
	OverrideAggregatorConfig(&conf)
	return nil
}
