package subcmd

import (
	"context"
	"fmt"

	"github.com/aceeric/ocibuilder/impl/config"
	"github.com/aceeric/ocibuilder/impl/jre"
)

// Jre links a runtime with jlink from the current configuration and prints the
// runtime directory to the console.
func Jre(ctx context.Context) error {
	jreCfg := config.GetJreConfig()
	if err := jre.Build(ctx, jre.Options{
		ModulePath: jreCfg.ModulePath,
		Module:     jreCfg.Module,
		OutDir:     jreCfg.OutDir,
		JavaHome:   jreCfg.JavaHome,
	}); err != nil {
		return err
	}
	fmt.Println(jreCfg.OutDir)
	return nil
}
