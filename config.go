package tagheap

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"
)

// Config is the YAML form of CreateOptions. Sizes are human-readable byte sizes such as "2MB".
type Config struct {
	BlockSize  string   `yaml:"block_size"`
	Reserve    string   `yaml:"reserve"`
	MaxWorkers int      `yaml:"max_workers"`
	Flags      []string `yaml:"flags"`
}

var configFlags = map[string]CreateFlags{
	"serialized_fetch":        CreateSerializedFetch,
	"decommit_on_free":        CreateDecommitOnFree,
	"externally_synchronized": CreateExternallySynchronized,
}

// LoadConfig reads a YAML Config and converts it to CreateOptions. Unknown keys are rejected.
func LoadConfig(reader io.Reader) (CreateOptions, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return CreateOptions{}, errors.Wrap(err, "failed to read heap config")
	}

	var config Config
	if err := yaml.UnmarshalStrict(data, &config); err != nil {
		return CreateOptions{}, errors.Wrap(err, "failed to parse heap config")
	}

	return config.Options()
}

// Options converts the Config to CreateOptions. Empty fields are left as zero, so New applies
// its defaults to them.
func (c Config) Options() (CreateOptions, error) {
	var options CreateOptions

	blockSize, err := parseSize(c.BlockSize, "block_size")
	if err != nil {
		return options, err
	}
	options.BlockSize = blockSize

	options.ReserveBytes, err = parseSize(c.Reserve, "reserve")
	if err != nil {
		return options, err
	}

	if c.MaxWorkers < 0 {
		return options, errors.Newf("max_workers must not be negative, but was %d", c.MaxWorkers)
	}
	options.MaxWorkers = c.MaxWorkers

	for _, name := range c.Flags {
		flag, ok := configFlags[name]
		if !ok {
			return options, errors.Newf("unknown heap flag %q", name)
		}
		options.Flags |= flag
	}

	return options, nil
}

func parseSize(value string, key string) (int, error) {
	if value == "" {
		return 0, nil
	}

	size, err := bytesize.Parse(value)
	if err != nil {
		return 0, errors.Wrapf(err, "%s is not a byte size", key)
	}

	return int(size), nil
}
