package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aceeric/ocibuilder/impl/cmdline"
	"github.com/aceeric/ocibuilder/impl/config"
)

var cfgYaml = `
---
logLevel: error
outDir: /tmp/from-config
baseImage: registry.one/base:v1
os: linux
arch: amd64
tag: v9
mainClass: Main
pullTimeout: 30s
concurrent: true
registries:
  - name: registry.one
    description: A description
    scheme: http
  - name: registry.two
    description: Another description
jreConfig:
  javaHome: /usr/lib/jvm/jdk
`

func setup() {
	cmdline.ClearParse()
	config.Set(config.Configuration{})
}

// Test that the command line configuration is correctly merged into config from
// a file.
func TestCmdlineOverridesConfig(t *testing.T) {
	td, err := os.MkdirTemp("", "")
	if err != nil {
		t.Fail()
	}
	defer os.RemoveAll(td)
	cfgFile := filepath.Join(td, "testcfg.yaml")
	os.WriteFile(cfgFile, []byte(cfgYaml), 0700)

	setup()
	os.Args = []string{"bin/ocibuilder", "--log-level", "info", "--config-file", cfgFile, "build", "--jre", td, "--app", td,
		"--module", "test.module", "--arch", "arm64", "--out", "frobozz", "--force"}

	command, err := getCfg()
	if err != nil {
		t.Fail()
	}
	cfg := config.Get()
	switch {
	case command != "build":
		t.Fail()
	case config.GetLogLevel() != "info":
		t.Fail()
	case config.GetConfigFile() != cfgFile:
		t.Fail()
	case config.GetArch() != "arm64":
		t.Fail()
	case config.GetOs() != "linux":
		t.Fail()
	case config.GetOutDir() != "frobozz":
		t.Fail()
	case config.GetBaseImage() != "registry.one/base:v1":
		t.Fail()
	case config.GetPullTimeout() != 30*time.Second:
		t.Fail()
	case cfg.Tag != "v9" || cfg.MainClass != "Main" || cfg.Module != "test.module":
		t.Fail()
	case !cfg.Concurrent || !cfg.Force:
		t.Fail()
	case len(config.GetRegistries()) != 2:
		t.Fail()
	case config.GetJreConfig().JavaHome != "/usr/lib/jvm/jdk":
		t.Fail()
	}
	opts, err := config.ConfigFor("registry.one")
	if err != nil || opts.Scheme != "http" {
		t.Fail()
	}
}

// Test that without a config file the parsed command line is the configuration
func TestNoConfigFile(t *testing.T) {
	td, err := os.MkdirTemp("", "")
	if err != nil {
		t.Fail()
	}
	defer os.RemoveAll(td)

	setup()
	os.Args = []string{"bin/ocibuilder", "jre", "--module-path", td, "--module", "test.module", "--out", "jre"}
	command, err := getCfg()
	if err != nil || command != "jre" {
		t.Fail()
	}
	jreCfg := config.GetJreConfig()
	if jreCfg.ModulePath != td || jreCfg.Module != "test.module" || jreCfg.OutDir != "jre" {
		t.Fail()
	}
	if len(config.GetRegistries()) != 0 {
		t.Fail()
	}
}
