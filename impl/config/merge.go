package config

// Merge takes a struct indicating which configuration options have been provided on the command
// line, as well as a configuration struct parsed from the command line which ALSO includes defaults
// that the user didn't specify. For example the default tag is "latest" and if you don't specify
// that on the command line - it gets defaulted into the parsed configuration struct. So:
//
//  1. User provided a value: overwrite current config using the user's value
//  2. User did not provide a value, current config is unspecified: use the default in the parsed config
//  3. User did not provide a value, current config is specified: leave the current config untouched
//
// Registries only ever come from the configuration file.
func Merge(fromCmdline FromCmdLine, cfg Configuration) {
	mu.Lock()
	defer mu.Unlock()
	if fromCmdline.LogLevel || config.LogLevel == "" {
		config.LogLevel = cfg.LogLevel
	}
	if fromCmdline.LogFile || config.LogFile == "" {
		config.LogFile = cfg.LogFile
	}
	if fromCmdline.ConfigFile || config.ConfigFile == "" {
		config.ConfigFile = cfg.ConfigFile
	}
	if fromCmdline.RuntimeDir || config.RuntimeDir == "" {
		config.RuntimeDir = cfg.RuntimeDir
	}
	if fromCmdline.AppDir || config.AppDir == "" {
		config.AppDir = cfg.AppDir
	}
	if fromCmdline.Module || config.Module == "" {
		config.Module = cfg.Module
	}
	if fromCmdline.MainClass || config.MainClass == "" {
		config.MainClass = cfg.MainClass
	}
	if fromCmdline.OutDir || config.OutDir == "" {
		config.OutDir = cfg.OutDir
	}
	if fromCmdline.BaseImage || config.BaseImage == "" {
		config.BaseImage = cfg.BaseImage
	}
	if fromCmdline.Tag || config.Tag == "" {
		config.Tag = cfg.Tag
	}
	if fromCmdline.Os || config.Os == "" {
		config.Os = cfg.Os
	}
	if fromCmdline.Arch || config.Arch == "" {
		config.Arch = cfg.Arch
	}
	if fromCmdline.PullTimeout || config.PullTimeout == 0 {
		config.PullTimeout = cfg.PullTimeout
	}
	if fromCmdline.CacheDir || config.CacheDir == "" {
		config.CacheDir = cfg.CacheDir
	}
	if fromCmdline.MetricsFile || config.MetricsFile == "" {
		config.MetricsFile = cfg.MetricsFile
	}
	if fromCmdline.Concurrent || !config.Concurrent {
		config.Concurrent = cfg.Concurrent
	}
	if fromCmdline.KeepBaseLayers || !config.KeepBaseLayers {
		config.KeepBaseLayers = cfg.KeepBaseLayers
	}
	if fromCmdline.Progress || !config.Progress {
		config.Progress = cfg.Progress
	}
	if fromCmdline.Force || !config.Force {
		config.Force = cfg.Force
	}
	if fromCmdline.JreConfig || config.JreConfig == (JreConfig{}) {
		config.JreConfig = cfg.JreConfig
	}
}
