package main

import (
	"github.com/aceeric/ocibuilder/impl/cmdline"
	"github.com/aceeric/ocibuilder/impl/config"
)

// getCfg resolves the configuration the build and jre sub-commands run with and returns the
// name of the sub-command. Flags are parsed first. With '--config-file' the yaml file becomes the
// global configuration and only the flags the user actually typed replace its values, so a file
// can pin a base image or a jlink module list while a CI job overrides '--out' or '--tag'. Without
// a file the parsed flags, defaults included, are the whole configuration.
//
// Registry TLS settings are read from the file only. They are looked up by the
// registry host of the base image when the build sub-command creates the upstream client.
func getCfg() (string, error) {
	fromCmdline, cfg, err := cmdline.Parse()
	if err != nil {
		return "", err
	}
	if fromCmdline.ConfigFile {
		if err := config.Load(cfg.ConfigFile); err != nil {
			return "", err
		}
		config.Merge(fromCmdline, cfg)
	} else {
		config.Set(cfg)
	}
	return fromCmdline.Command, nil
}
