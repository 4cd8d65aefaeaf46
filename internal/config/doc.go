// Package config manages the cluctl project file.
//
// A project file records the cipher key shared by every controller of an
// installation, the private key, MAC and last address of each controller
// (keyed by its 8-digit serial), the network segment settings used for
// discovery and commissioning, and an optional table mapping configuration
// descriptors to named device types.
//
// # Configuration File Location
//
// Unless a path is given explicitly, the file lives at:
//   - Linux: $XDG_CONFIG_HOME/cluctl/project.yaml or $HOME/.config/cluctl/project.yaml
//   - macOS: $HOME/.config/cluctl/project.yaml
//   - Windows: %LOCALAPPDATA%\cluctl\project.yaml
//
// Files ending in .toml are read and written as TOML; anything else is YAML.
//
// # Security
//
// The project key grants full control of commissioned controllers. Files
// are written with mode 0600.
//
// # Usage Example
//
//	reg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	cfg := commission.Config{}
//	if err := reg.Apply(&cfg); err != nil {
//	    log.Fatal(err)
//	}
//
//	report, err := commission.New(cfg).Run(ctx)
//	...
//	reg.RecordReport(report)
//	if err := reg.Save(); err != nil {
//	    log.Fatal(err)
//	}
//
// Saves go through a temporary file and a rename, serialised by a package
// mutex.
package config
