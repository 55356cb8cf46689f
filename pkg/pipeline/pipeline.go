package pipeline

import "github.com/edgeflare/pgreplicate/pkg/pipeline/transform"

// Source names the shard change stream a pipeline fans out from. Name
// identifies the stream passed to RunFromChangeStream, not a configured
// peer - a pipeline has no peer of its own to receive from.
type Source struct {
	Name string `mapstructure:"name"`
	// Transformations are applied (in the order specified) as soon as a change is converted to a CDC event, before any other processing.
	Transformations []transform.TransformConfig `mapstructure:"transformations"`
}

// Sink is a configured peer a pipeline publishes converted change events to.
type Sink struct {
	// Name must match one of the peers configured on the Manager.
	Name string `mapstructure:"name"`
	// Transformations are applied after source and pipeline transformations, immediately before publishing to this sink.
	Transformations []transform.TransformConfig `mapstructure:"transformations"`
}

// Pipeline configures how one shard's change stream fans out to its sinks.
type Pipeline struct {
	Name    string   `mapstructure:"name"`
	Sources []Source `mapstructure:"sources"`
	// Transformations are applied after source transformations and before sink transformations,
	// to every change event flowing from any of this pipeline's sources to any of its sinks.
	Transformations []transform.TransformConfig `mapstructure:"transformations"`
	Sinks           []Sink                      `mapstructure:"sinks"`
}
