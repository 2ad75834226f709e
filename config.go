package halloc

import (
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

type createOptionsDocument struct {
	ExternallySynchronized bool `yaml:"externallySynchronized"`
	HeapLimit              int  `yaml:"heapLimit"`
}

// LoadCreateOptions reads CreateOptions from a YAML document such as:
//
//	externallySynchronized: true
//	heapLimit: 67108864
//
// Both keys are optional. The returned options have no Source, so New will reserve its own heap.
func LoadCreateOptions(data []byte) (CreateOptions, error) {
	var doc createOptionsDocument
	err := yaml.Unmarshal(data, &doc)
	if err != nil {
		return CreateOptions{}, errors.Wrap(err, "could not parse allocator options")
	}

	if doc.HeapLimit < 0 {
		return CreateOptions{}, errors.Newf("heapLimit must not be negative, but was %d", doc.HeapLimit)
	}

	var options CreateOptions
	if doc.ExternallySynchronized {
		options.Flags |= AllocatorCreateExternallySynchronized
	}
	options.HeapLimit = doc.HeapLimit

	return options, nil
}
