// Package config holds the knobs that tune engine.Conn's queueing,
// buffering and logging behavior, loaded from a TOML file so a deployment
// can adjust them without a rebuild.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Options enumerates the connection's tunable resource limits and
// logging verbosity.
type Options struct {
	// MaximumPDUsInQueue bounds engine.Conn's outbound pdu_queue; send_pdu
	// blocks once it's reached. Default 16.
	MaximumPDUsInQueue int `toml:"maximum_pdus_in_queue"`
	// MaxCommandBuffer and MaxDataBuffer are the per-mode PDV fragment
	// size caps pdv.Stream sizes against, alongside the peer's negotiated
	// max PDU length.
	MaxCommandBuffer int `toml:"max_command_buffer"`
	MaxDataBuffer    int `toml:"max_data_buffer"`
	// UseRemoteAEForLogName swaps a connection's log identity to the
	// peer's AE title once the handshake completes, instead of a
	// generated connection ID.
	UseRemoteAEForLogName bool `toml:"use_remote_ae_for_log_name"`
	// LogDataPDUs is the verbosity toggle for the high-volume PDU tracing
	// path: when set, every received PDV is logged at debug level through
	// the connection's logger (the console, plus dicomlog's rotating file
	// sink when one is configured). LogDimseDatasets is loaded alongside
	// it, but no code in this module reads it, so setting it changes no
	// log output.
	LogDataPDUs      bool `toml:"log_data_pdus"`
	LogDimseDatasets bool `toml:"log_dimse_datasets"`

	// LogFilePath is loaded from the file, but no code in this module
	// reads it; dicomlog.Options.FilePath is not filled from it.
	LogFilePath string `toml:"log_file_path"`
}

// Default returns the documented defaults for programmatic construction
// without a config file.
func Default() Options {
	return Options{
		MaximumPDUsInQueue:    16,
		MaxCommandBuffer:      1 << 20, // 1 MiB
		MaxDataBuffer:         1 << 20,
		UseRemoteAEForLogName: false,
		LogDataPDUs:           false,
		LogDimseDatasets:      false,
	}
}

// Load reads and parses a TOML file at path into Options, starting from
// Default() so a partial file only overrides the fields it sets.
func Load(path string) (Options, error) {
	opts := Default()
	if _, err := toml.DecodeFile(path, &opts); err != nil {
		return Options{}, fmt.Errorf("config: loading %s: %w", path, err)
	}
	return opts, nil
}
