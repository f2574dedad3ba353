// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// Loader reads the site configuration, applying defaults first and
// the configuration file (or stdin) on top.
type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Path of the configuration file. "-" means Stdin.
	Path string

	configdata []byte
}

// NewLoader returns a Loader with default settings.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	return &Loader{
		Stdin:  stdin,
		Logger: logger,
		Path:   "/etc/slurmscale/config.yml",
	}
}

// SetupFlags configures a flagset so arguments like -config X can
// override the loader's path.
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", ldr.Path, "Site configuration `file`")
}

// Load returns the loaded configuration.
func (ldr *Loader) Load() (*Cluster, error) {
	if ldr.configdata == nil {
		buf, err := ldr.loadBytes()
		if err != nil {
			return nil, err
		}
		ldr.configdata = buf
	}

	// Load the defaults first, then overlay the site file, so
	// unspecified keys keep their default values.
	var sitecfg struct {
		Cluster Cluster
	}
	err := yaml.Unmarshal(DefaultYAML, &sitecfg)
	if err != nil {
		return nil, fmt.Errorf("loading config defaults: %s", err)
	}
	err = yaml.Unmarshal(ldr.configdata, &sitecfg)
	if err != nil {
		return nil, fmt.Errorf("loading config data: %s", err)
	}
	cluster := sitecfg.Cluster

	err = ldr.checkInvalidKeys(ldr.configdata)
	if err != nil {
		return nil, err
	}

	switch cluster.Platform.Family {
	case "debian", "redhat-legacy", "redhat-modern":
	default:
		return nil, fmt.Errorf("unsupported Platform.Family %q", cluster.Platform.Family)
	}
	for name, part := range cluster.Partitions {
		if part.MachineType == "" {
			return nil, fmt.Errorf("partition %q: MachineType is not defined", name)
		}
		if part.MaxVMCount < 1 {
			return nil, fmt.Errorf("partition %q: MaxVMCount must be at least 1", name)
		}
		if part.MaxScalesetSize < 1 {
			// Loosely-coupled partitions don't chunk into
			// placement groups.
			part.MaxScalesetSize = part.MaxVMCount
			cluster.Partitions[name] = part
		}
	}
	return &cluster, nil
}

func (ldr *Loader) loadBytes() ([]byte, error) {
	if ldr.Path == "-" {
		return io.ReadAll(ldr.Stdin)
	}
	f, err := os.Open(ldr.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// checkInvalidKeys warns about keys in the site file that don't
// correspond to any config field, which usually indicates a
// misspelled or misplaced entry.
func (ldr *Loader) checkInvalidKeys(data []byte) error {
	var loaded, known map[string]interface{}
	err := yaml.Unmarshal(data, &loaded)
	if err != nil {
		return err
	}
	var dummy struct {
		Cluster Cluster
	}
	buf, err := yaml.Marshal(dummy)
	if err != nil {
		return err
	}
	err = yaml.Unmarshal(buf, &known)
	if err != nil {
		return err
	}
	for _, msg := range compareKeys(loaded, known, "") {
		if ldr.Logger != nil {
			ldr.Logger.Warn(msg)
		}
	}
	return nil
}

func compareKeys(loaded, known map[string]interface{}, prefix string) []string {
	var warnings []string
	if strings.HasSuffix(prefix, "Partitions.") || strings.HasSuffix(prefix, "Connection.") || strings.HasSuffix(prefix, "DriverParameters.") {
		// Arbitrary keys are expected here.
		return nil
	}
	for k, v := range loaded {
		kv, ok := known[k]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("deprecated or unknown config entry: %s%s", prefix, k))
			continue
		}
		lmap, lok := v.(map[string]interface{})
		kmap, kok := kv.(map[string]interface{})
		if lok && kok {
			warnings = append(warnings, compareKeys(lmap, kmap, prefix+k+".")...)
		}
	}
	return warnings
}
